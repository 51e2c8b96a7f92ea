// Package memlog is a volatile wal.Log with fault injection, used as the
// durability log in tests.
package memlog

import (
	"sync"

	"github.com/cockroachdb/errors"

	"market/infra/wal"
)

type Log struct {
	mu      sync.Mutex
	recs    []wal.Record
	last    uint64
	max     int
	failErr error
	closed  bool
}

var _ wal.Log = (*Log)(nil)

// New returns an empty log holding at most max entries; 0 means unbounded.
func New(max int) *Log {
	return &Log{max: max}
}

// FailWith makes every following Append fail with err until cleared with
// nil.
func (l *Log) FailWith(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failErr = err
}

func (l *Log) Append(rec wal.Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return wal.ErrClosed
	}
	if l.failErr != nil {
		return l.failErr
	}
	if err := wal.CheckNext(l.last, rec.Seq); err != nil {
		return err
	}
	if l.max > 0 && len(l.recs) >= l.max {
		return errors.Wrapf(wal.ErrLogFull, "%d entries", len(l.recs))
	}
	rec.Data = append([]byte(nil), rec.Data...)
	l.recs = append(l.recs, rec)
	l.last = rec.Seq
	return nil
}

func (l *Log) FirstSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.recs) == 0 {
		return 0
	}
	return l.recs[0].Seq
}

func (l *Log) LastSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}

func (l *Log) NewReader(from uint64) (wal.Reader, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, wal.ErrClosed
	}
	var out []wal.Record
	for _, r := range l.recs {
		if r.Seq >= from {
			out = append(out, r)
		}
	}
	return &reader{recs: out, pos: -1}, nil
}

func (l *Log) TruncateBefore(seq uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := 0
	for i < len(l.recs) && l.recs[i].Seq <= seq {
		i++
	}
	l.recs = append([]wal.Record(nil), l.recs[i:]...)
	return nil
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

type reader struct {
	recs []wal.Record
	pos  int
}

func (r *reader) Next() bool {
	if r.pos+1 >= len(r.recs) {
		return false
	}
	r.pos++
	return true
}

func (r *reader) Record() wal.Record { return r.recs[r.pos] }
func (r *reader) Err() error         { return nil }
func (r *reader) Close() error       { return nil }
