// Package depthcache copies top-of-book depth into Redis on an interval.
package depthcache

import (
	"context"
	"time"

	"go.uber.org/zap"

	"market/domain/market"
	"market/infra/cache/redis"
	"market/infra/logging"
	"market/service"
)

// Source is the engine side.
type Source interface {
	Instruments() []market.Instrument
	QueryBook(symbol string, depth int) (service.BookView, error)
}

// Sink is the cache side.
type Sink interface {
	Set(ctx context.Context, d redis.Depth) error
}

type Job struct {
	src      Source
	sink     Sink
	depth    int
	interval time.Duration
	logger   *zap.Logger

	written map[string]uint64
}

func New(src Source, sink Sink, depth int, interval time.Duration, logger *zap.Logger) *Job {
	if depth <= 0 {
		depth = 10
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Job{
		src:      src,
		sink:     sink,
		depth:    depth,
		interval: interval,
		logger:   logging.Component(logger, "depthcache"),
		written:  make(map[string]uint64),
	}
}

func (j *Job) Run(ctx context.Context) error {
	t := time.NewTicker(j.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := j.RunOnce(ctx); err != nil {
				j.logger.Warn("depth refresh failed", zap.Error(err))
			}
		}
	}
}

// RunOnce writes every instrument whose view moved since the last write and
// returns how many it wrote.
func (j *Job) RunOnce(ctx context.Context) (int, error) {
	n := 0
	for _, inst := range j.src.Instruments() {
		view, err := j.src.QueryBook(inst.Symbol, j.depth)
		if err != nil {
			return n, err
		}
		if seq, ok := j.written[inst.Symbol]; ok && seq == view.Seq {
			continue
		}
		err = j.sink.Set(ctx, redis.Depth{
			Instrument: view.Instrument,
			Seq:        view.Seq,
			Bids:       view.Bids,
			Asks:       view.Asks,
			At:         time.Now().UTC(),
		})
		if err != nil {
			return n, err
		}
		j.written[inst.Symbol] = view.Seq
		n++
	}
	return n, nil
}
