// Package projector tails the durability log into the schema store. Each
// batch of records lands in one transaction together with the consumer
// cursor, so every event is projected exactly once.
package projector

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"market/domain/event"
	"market/domain/orderbook"
	"market/infra/logging"
	"market/infra/metrics"
	"market/infra/postgres"
	"market/infra/wal"
)

const (
	DefaultName     = "projector"
	defaultInterval = time.Second
	defaultBatch    = 1000
)

// Store applies a projection and moves the cursor to through atomically.
type Store interface {
	Apply(ctx context.Context, consumer string, through uint64, p postgres.Projection) error
}

type CursorLoader interface {
	Load(ctx context.Context, consumer string) (uint64, error)
}

type Config struct {
	Log      wal.Log
	Store    Store
	Cursors  CursorLoader
	Name     string
	Interval time.Duration
	Batch    int
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

type Projector struct {
	cfg    Config
	logger *zap.Logger
}

func New(cfg Config) *Projector {
	if cfg.Name == "" {
		cfg.Name = DefaultName
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Batch <= 0 {
		cfg.Batch = defaultBatch
	}
	return &Projector{cfg: cfg, logger: logging.Component(cfg.Logger, cfg.Name)}
}

func (p *Projector) Name() string { return p.cfg.Name }

// Run polls until ctx is done. It stops early when the log no longer holds
// the records after the cursor.
func (p *Projector) Run(ctx context.Context) error {
	p.logger.Info("projector started")
	t := time.NewTicker(p.cfg.Interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			for {
				n, err := p.RunOnce(ctx)
				if errors.Is(err, wal.ErrCursorTruncated) {
					p.logger.Error("cursor behind truncated log, projector stopped; reseed the cursor to resume",
						zap.String("consumer", p.cfg.Name),
						zap.Uint64("first_seq", p.cfg.Log.FirstSeq()),
						zap.Error(err),
					)
					return nil
				}
				if err != nil {
					p.logger.Warn("projection cycle failed", zap.Error(err))
					break
				}
				if n < p.cfg.Batch {
					break
				}
			}
		}
	}
}

// RunOnce projects the next batch and returns how many records it covered.
func (p *Projector) RunOnce(ctx context.Context) (int, error) {
	cur, err := p.cfg.Cursors.Load(ctx, p.cfg.Name)
	if err != nil {
		return 0, errors.Wrap(err, "load cursor")
	}
	if err := wal.CheckCursor(p.cfg.Log, cur); err != nil {
		return 0, err
	}
	recs, err := wal.ReadBatch(ctx, p.cfg.Log, cur+1, p.cfg.Batch)
	if err != nil || len(recs) == 0 {
		return 0, err
	}
	proj, err := Project(recs)
	if err != nil {
		return 0, err
	}
	through := recs[len(recs)-1].Seq
	if err := p.cfg.Store.Apply(ctx, p.cfg.Name, through, proj); err != nil {
		return 0, err
	}
	p.cfg.Metrics.Projected(len(recs))
	return len(recs), nil
}

// Project computes the relational effect of recs.
func Project(recs []wal.Record) (postgres.Projection, error) {
	var out postgres.Projection
	for _, rec := range recs {
		switch event.Type(rec.Type) {
		case event.TypeSubmit:
			ev, err := event.UnmarshalSubmit(rec.Data)
			if err != nil {
				return postgres.Projection{}, errors.Wrapf(err, "seq %d", rec.Seq)
			}
			at := time.Unix(0, rec.Time).UTC()
			out.Orders = append(out.Orders, ev.Order(rec.Seq))
			for i, t := range ev.Trades(rec.Seq) {
				resting := t.SellOrderID
				if t.TakerSide == orderbook.Ask {
					resting = t.BuyOrderID
				}
				out.Fills = append(out.Fills, postgres.Fill{OrderID: resting, Qty: t.Qty, Seq: rec.Seq})
				out.Trades = append(out.Trades, postgres.TradeRow{Trade: t, Index: i, ExecutedAt: at})
			}
		case event.TypeCancel:
			ev, err := event.UnmarshalCancel(rec.Data)
			if err != nil {
				return postgres.Projection{}, errors.Wrapf(err, "seq %d", rec.Seq)
			}
			out.Cancels = append(out.Cancels, postgres.Cancel{OrderID: ev.OrderID, Seq: rec.Seq})
		default:
			return postgres.Projection{}, errors.Wrapf(event.ErrMalformed, "seq %d: record type %d", rec.Seq, rec.Type)
		}
	}
	return out, nil
}
