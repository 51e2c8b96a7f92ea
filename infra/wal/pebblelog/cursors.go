package pebblelog

import (
	"bytes"
	"context"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"

	"market/infra/wal"
)

// Cursors persists the last log sequence each named consumer has fully
// processed. Writes are synced.
type Cursors struct {
	db *pebble.DB
}

func (c *Cursors) Load(_ context.Context, name string) (uint64, error) {
	v, closer, err := c.db.Get(cursorKey(name))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, wal.MarkIO(err, "load cursor %s", name)
	}
	defer closer.Close()
	return decodeU64(v)
}

func (c *Cursors) Save(_ context.Context, name string, seq uint64) error {
	return wal.MarkIO(c.db.Set(cursorKey(name), encodeU64(seq), pebble.Sync), "save cursor %s", name)
}

// All returns every stored cursor keyed by consumer name.
func (c *Cursors) All(_ context.Context) (map[string]uint64, error) {
	upper := append(append([]byte(nil), cursorPrefix[:len(cursorPrefix)-1]...), '/'+1)
	iter, err := c.db.NewIter(&pebble.IterOptions{LowerBound: cursorPrefix, UpperBound: upper})
	if err != nil {
		return nil, wal.MarkIO(err, "scan cursors")
	}
	defer iter.Close()

	out := make(map[string]uint64)
	for iter.First(); iter.Valid(); iter.Next() {
		seq, err := decodeU64(iter.Value())
		if err != nil {
			return nil, err
		}
		out[string(bytes.TrimPrefix(iter.Key(), cursorPrefix))] = seq
	}
	if err := iter.Error(); err != nil {
		return nil, wal.MarkIO(err, "scan cursors")
	}
	return out, nil
}
