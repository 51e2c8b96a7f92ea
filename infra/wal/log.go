// Package wal defines the durability log: an append-only, strictly ordered
// record of sequenced events. An Append that returns nil is recoverable
// after a crash. Backends live in the segment and pebblelog subpackages.
package wal

import (
	"github.com/cockroachdb/errors"
)

// SchemaVersion is the on-disk layout version every backend records at
// creation and checks at open.
const SchemaVersion = 1

var (
	ErrLogFull       = errors.New("durability log full")
	ErrIO            = errors.New("durability log i/o failure")
	ErrSequenceGap   = errors.New("sequence gap detected")
	ErrSchemaVersion = errors.New("durability log schema version mismatch")
	ErrCorrupt       = errors.New("durability log corrupt")
	ErrClosed        = errors.New("durability log closed")
	// ErrCursorTruncated is marked ErrSequenceGap: the records a consumer
	// still needs are gone and no retry can bring them back.
	ErrCursorTruncated = errors.New("consumer cursor behind retained log")
)

// Log is implemented by every backend.
type Log interface {
	// Append writes rec durably. rec.Seq must be LastSeq()+1.
	Append(rec Record) error
	// FirstSeq is the oldest retained sequence, or 0 when no entry is
	// retained.
	FirstSeq() uint64
	// LastSeq is the newest sequence ever appended, including truncated
	// ones.
	LastSeq() uint64
	// NewReader returns a lazy iterator over entries with Seq >= from, up to
	// LastSeq at the time of the call.
	NewReader(from uint64) (Reader, error)
	// TruncateBefore discards retained entries with Seq <= seq. Backends may
	// keep more than asked.
	TruncateBefore(seq uint64) error
	Close() error
}

// Reader iterates records in log order.
//
//	r, _ := log.NewReader(from)
//	defer r.Close()
//	for r.Next() {
//		rec := r.Record()
//	}
//	if err := r.Err(); err != nil { ... }
type Reader interface {
	Next() bool
	Record() Record
	Err() error
	Close() error
}

// CheckNext validates that seq follows last.
func CheckNext(last, seq uint64) error {
	if seq != last+1 {
		return errors.Wrapf(ErrSequenceGap, "append seq %d after %d", seq, last)
	}
	return nil
}

// CheckCursor fails with ErrCursorTruncated when some record after cur has
// already been truncated from log.
func CheckCursor(log Log, cur uint64) error {
	first, last := log.FirstSeq(), log.LastSeq()
	if cur >= last {
		return nil
	}
	if first == 0 || cur+1 < first {
		return errors.Mark(errors.Wrapf(ErrCursorTruncated,
			"cursor at %d, log retains %d..%d", cur, first, last), ErrSequenceGap)
	}
	return nil
}

// MarkIO wraps a storage failure so callers can classify it as ErrIO.
func MarkIO(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrapf(err, format, args...), ErrIO)
}
