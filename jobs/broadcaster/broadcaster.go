// Package broadcaster tails the durability log and publishes every trade to
// Kafka. Delivery is at-least-once: the cursor moves only after the broker
// acknowledged the batch.
package broadcaster

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"market/domain/event"
	"market/infra/kafka"
	"market/infra/logging"
	"market/infra/metrics"
	"market/infra/wal"
)

const (
	DefaultName     = "broadcaster"
	defaultInterval = 250 * time.Millisecond
	defaultBatch    = 512
)

// Cursors persists consumer progress.
type Cursors interface {
	Load(ctx context.Context, name string) (uint64, error)
	Save(ctx context.Context, name string, seq uint64) error
}

// TradeMessage is the JSON value published per trade. Index is the trade's
// position within the event at Seq; (Seq, Index) identifies it.
type TradeMessage struct {
	V           int    `json:"v"`
	Type        string `json:"type"`
	Seq         uint64 `json:"seq"`
	Index       int    `json:"index"`
	Instrument  string `json:"instrument"`
	Price       int64  `json:"price"`
	Qty         int64  `json:"qty"`
	BuyOrderID  uint64 `json:"buy_order_id"`
	SellOrderID uint64 `json:"sell_order_id"`
	TakerSide   string `json:"taker_side"`
	Time        int64  `json:"ts"`
}

type Config struct {
	Log       wal.Log
	Publisher kafka.Publisher
	Cursors   Cursors
	Name      string
	Interval  time.Duration
	Batch     int
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

type Broadcaster struct {
	cfg    Config
	logger *zap.Logger
}

func New(cfg Config) *Broadcaster {
	if cfg.Name == "" {
		cfg.Name = DefaultName
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Batch <= 0 {
		cfg.Batch = defaultBatch
	}
	return &Broadcaster{cfg: cfg, logger: logging.Component(cfg.Logger, cfg.Name)}
}

func (b *Broadcaster) Name() string { return b.cfg.Name }

// Run polls until ctx is done. Failed cycles are retried on the next tick; a
// cursor the log was truncated past stops the job.
func (b *Broadcaster) Run(ctx context.Context) error {
	b.logger.Info("broadcaster started")
	t := time.NewTicker(b.cfg.Interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			for {
				n, err := b.RunOnce(ctx)
				if errors.Is(err, wal.ErrCursorTruncated) {
					b.logger.Error("cursor behind truncated log, broadcaster stopped; reseed the cursor to resume",
						zap.String("consumer", b.cfg.Name),
						zap.Uint64("first_seq", b.cfg.Log.FirstSeq()),
						zap.Error(err),
					)
					return nil
				}
				if err != nil {
					b.logger.Warn("publish cycle failed", zap.Error(err))
					break
				}
				if n < b.cfg.Batch {
					break
				}
			}
		}
	}
}

// RunOnce publishes the trades of the next batch of records and returns how
// many records it consumed.
func (b *Broadcaster) RunOnce(ctx context.Context) (int, error) {
	cur, err := b.cfg.Cursors.Load(ctx, b.cfg.Name)
	if err != nil {
		return 0, errors.Wrap(err, "load cursor")
	}
	if err := wal.CheckCursor(b.cfg.Log, cur); err != nil {
		return 0, err
	}
	recs, err := wal.ReadBatch(ctx, b.cfg.Log, cur+1, b.cfg.Batch)
	if err != nil || len(recs) == 0 {
		return 0, err
	}

	msgs, err := Messages(recs)
	if err != nil {
		return 0, err
	}
	if err := b.cfg.Publisher.Publish(ctx, msgs); err != nil {
		return 0, err
	}
	last := recs[len(recs)-1].Seq
	if err := b.cfg.Cursors.Save(ctx, b.cfg.Name, last); err != nil {
		return 0, errors.Wrap(err, "save cursor")
	}
	b.cfg.Metrics.Published("kafka", len(msgs))
	return len(recs), nil
}

// Messages turns the trades in recs into Kafka messages keyed by
// instrument. Cancel records produce nothing.
func Messages(recs []wal.Record) ([]kafka.Message, error) {
	var out []kafka.Message
	for _, rec := range recs {
		if event.Type(rec.Type) != event.TypeSubmit {
			continue
		}
		ev, err := event.UnmarshalSubmit(rec.Data)
		if err != nil {
			return nil, errors.Wrapf(err, "seq %d", rec.Seq)
		}
		for i, t := range ev.Trades(rec.Seq) {
			v, err := json.Marshal(TradeMessage{
				V:           1,
				Type:        "trade",
				Seq:         t.Seq,
				Index:       i,
				Instrument:  t.Instrument,
				Price:       t.Price,
				Qty:         t.Qty,
				BuyOrderID:  t.BuyOrderID,
				SellOrderID: t.SellOrderID,
				TakerSide:   t.TakerSide.String(),
				Time:        rec.Time,
			})
			if err != nil {
				return nil, err
			}
			out = append(out, kafka.Message{Key: []byte(t.Instrument), Value: v})
		}
	}
	return out, nil
}

func (b *Broadcaster) Close() error {
	return b.cfg.Publisher.Close()
}
