// Package pebblelog is the default durability log, stored in a pebble
// database. Every append is a synced write, so it survives a crash once it
// returns.
package pebblelog

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"

	"market/infra/wal"
)

type Config struct {
	Dir string
	// MaxEntries bounds the number of retained entries; 0 means unbounded.
	MaxEntries uint64
}

type Log struct {
	mu sync.Mutex
	db *pebble.DB

	maxEntries uint64
	first      uint64 // 0 when nothing is retained
	last       uint64
	floor      uint64
	closed     bool
}

var _ wal.Log = (*Log)(nil)

func Open(cfg Config) (*Log, error) {
	db, err := pebble.Open(cfg.Dir, &pebble.Options{})
	if err != nil {
		return nil, wal.MarkIO(err, "open pebble at %s", cfg.Dir)
	}
	l := &Log{db: db, maxEntries: cfg.MaxEntries}
	if err := l.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Log) load() error {
	iter, err := l.db.NewIter(&pebble.IterOptions{LowerBound: logPrefix, UpperBound: logEnd})
	if err != nil {
		return wal.MarkIO(err, "iterate log")
	}
	defer iter.Close()

	if iter.First() {
		if l.first, err = parseLogKey(iter.Key()); err != nil {
			return err
		}
		iter.Last()
		if l.last, err = parseLogKey(iter.Key()); err != nil {
			return err
		}
	}
	if err := iter.Error(); err != nil {
		return wal.MarkIO(err, "iterate log")
	}

	if err := l.checkSchema(); err != nil {
		return err
	}

	floor, err := l.getU64(metaFloor)
	if err != nil {
		return err
	}
	l.floor = floor
	if floor > l.last {
		l.last = floor
	}
	return nil
}

func (l *Log) checkSchema() error {
	v, closer, err := l.db.Get(metaSchema)
	if errors.Is(err, pebble.ErrNotFound) {
		if l.first != 0 {
			return errors.Wrap(wal.ErrSchemaVersion, "log entries present without schema key")
		}
		return wal.MarkIO(l.db.Set(metaSchema, encodeU64(wal.SchemaVersion), pebble.Sync), "write schema version")
	}
	if err != nil {
		return wal.MarkIO(err, "read schema version")
	}
	defer closer.Close()

	got, err := decodeU64(v)
	if err != nil {
		return errors.Mark(err, wal.ErrSchemaVersion)
	}
	if got != wal.SchemaVersion {
		return errors.Wrapf(wal.ErrSchemaVersion, "found %d, want %d", got, wal.SchemaVersion)
	}
	return nil
}

func (l *Log) getU64(key []byte) (uint64, error) {
	v, closer, err := l.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, wal.MarkIO(err, "read %s", key)
	}
	defer closer.Close()
	return decodeU64(v)
}

func (l *Log) Append(rec wal.Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return wal.ErrClosed
	}
	if err := wal.CheckNext(l.last, rec.Seq); err != nil {
		return err
	}
	if l.maxEntries > 0 && l.retained() >= l.maxEntries {
		return errors.Wrapf(wal.ErrLogFull, "%d entries retained", l.retained())
	}
	if err := l.db.Set(logKey(rec.Seq), encodeValue(rec), pebble.Sync); err != nil {
		return wal.MarkIO(err, "append seq %d", rec.Seq)
	}
	if l.first == 0 {
		l.first = rec.Seq
	}
	l.last = rec.Seq
	return nil
}

func (l *Log) retained() uint64 {
	if l.first == 0 {
		return 0
	}
	return l.last - l.first + 1
}

func (l *Log) FirstSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.first
}

func (l *Log) LastSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}

// TruncateBefore deletes entries with Seq <= seq and records the floor so
// LastSeq survives a restart even when nothing is retained.
func (l *Log) TruncateBefore(seq uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return wal.ErrClosed
	}
	if seq > l.last {
		seq = l.last
	}
	if seq <= l.floor && (l.first == 0 || l.first > seq) {
		return nil
	}

	b := l.db.NewBatch()
	defer b.Close()
	if err := b.DeleteRange(logKey(0), logKey(seq+1), nil); err != nil {
		return wal.MarkIO(err, "truncate before %d", seq)
	}
	if err := b.Set(metaFloor, encodeU64(seq), nil); err != nil {
		return wal.MarkIO(err, "truncate before %d", seq)
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return wal.MarkIO(err, "truncate before %d", seq)
	}

	l.floor = seq
	switch {
	case l.last == seq:
		l.first = 0
	case l.first != 0 && l.first <= seq:
		l.first = seq + 1
	}
	return nil
}

func (l *Log) NewReader(from uint64) (wal.Reader, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, wal.ErrClosed
	}
	if from > l.last {
		return &reader{}, nil
	}
	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: logKey(from),
		UpperBound: logKey(l.last + 1),
	})
	if err != nil {
		return nil, wal.MarkIO(err, "open reader at %d", from)
	}
	return &reader{iter: iter}, nil
}

// Cursors returns the consumer cursor store sharing this database.
func (l *Log) Cursors() *Cursors {
	return &Cursors{db: l.db}
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.db.Close()
}

type reader struct {
	iter    *pebble.Iterator
	started bool
	rec     wal.Record
	prev    uint64
	err     error
}

func (r *reader) Next() bool {
	if r.iter == nil || r.err != nil {
		return false
	}
	var ok bool
	if !r.started {
		r.started = true
		ok = r.iter.First()
	} else {
		ok = r.iter.Next()
	}
	if !ok {
		if err := r.iter.Error(); err != nil {
			r.err = wal.MarkIO(err, "read log")
		}
		return false
	}

	seq, err := parseLogKey(r.iter.Key())
	if err != nil {
		r.err = err
		return false
	}
	if r.prev != 0 && seq != r.prev+1 {
		r.err = errors.Wrapf(wal.ErrSequenceGap, "read seq %d after %d", seq, r.prev)
		return false
	}
	if r.rec, r.err = decodeValue(seq, r.iter.Value()); r.err != nil {
		return false
	}
	r.prev = seq
	return true
}

func (r *reader) Record() wal.Record { return r.rec }

func (r *reader) Err() error { return r.err }

func (r *reader) Close() error {
	if r.iter == nil {
		return nil
	}
	err := r.iter.Close()
	r.iter = nil
	return err
}
