package wal

import (
	"context"

	"github.com/cockroachdb/errors"
)

// ReplayHandler receives each record in order.
type ReplayHandler func(Record) error

// Replay feeds every record with Seq in [from, to] to fn. to == 0 means up
// to the end of the log. The first record must be exactly from and every
// following record must be contiguous; otherwise ErrSequenceGap. It returns
// the last sequence handed to fn, or 0 if none.
func Replay(ctx context.Context, log Log, from, to uint64, fn ReplayHandler) (uint64, error) {
	if from == 0 {
		from = 1
	}
	r, err := log.NewReader(from)
	if err != nil {
		return 0, err
	}
	defer r.Close()

	var last uint64
	for r.Next() {
		if err := ctx.Err(); err != nil {
			return last, err
		}
		rec := r.Record()
		if to != 0 && rec.Seq > to {
			break
		}
		want := from
		if last != 0 {
			want = last + 1
		}
		if rec.Seq != want {
			return last, errors.Wrapf(ErrSequenceGap, "replay expected seq %d, found %d", want, rec.Seq)
		}
		if err := fn(rec); err != nil {
			return last, err
		}
		last = rec.Seq
	}
	if err := r.Err(); err != nil {
		return last, err
	}
	if to != 0 && last < to {
		return last, errors.Wrapf(ErrSequenceGap, "replay range [%d, %d] ends at %d", from, to, last)
	}
	return last, nil
}

// ReadBatch returns up to max records starting at from (max <= 0 means no
// limit). It returns nothing when from is past the end of the log.
func ReadBatch(ctx context.Context, log Log, from uint64, max int) ([]Record, error) {
	if from == 0 {
		from = 1
	}
	to := log.LastSeq()
	if from > to {
		return nil, nil
	}
	if max > 0 && to-from >= uint64(max) {
		to = from + uint64(max) - 1
	}
	out := make([]Record, 0, to-from+1)
	_, err := Replay(ctx, log, from, to, func(rec Record) error {
		out = append(out, rec)
		return nil
	})
	return out, err
}
