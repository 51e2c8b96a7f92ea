package postgres

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"

	"market/domain/orderbook"
)

// Projection is the relational effect of a run of log events.
type Projection struct {
	// Orders are incoming orders in their post-match state.
	Orders []orderbook.Order
	// Fills are quantity increments on resting orders.
	Fills []Fill
	// Cancels mark orders cancelled.
	Cancels []Cancel
	Trades  []TradeRow
}

type Fill struct {
	OrderID uint64
	Qty     int64
	Seq     uint64
}

type Cancel struct {
	OrderID uint64
	Seq     uint64
}

// TradeRow is a trade keyed by (Trade.Seq, Index) where Index is its
// position among the trades of one submit event.
type TradeRow struct {
	orderbook.Trade
	Index      int
	ExecutedAt time.Time
}

func (p *Projection) Empty() bool {
	return len(p.Orders) == 0 && len(p.Fills) == 0 && len(p.Cancels) == 0 && len(p.Trades) == 0
}

// ProjectionStore applies projections and advances a consumer cursor in the
// same transaction, so each event lands exactly once.
type ProjectionStore struct {
	c *Client
}

func (c *Client) Projections() *ProjectionStore {
	return &ProjectionStore{c: c}
}

func (s *ProjectionStore) Apply(ctx context.Context, consumer string, through uint64, p Projection) error {
	return pgx.BeginFunc(ctx, s.c.pool, func(tx pgx.Tx) error {
		var cur int64
		err := tx.QueryRow(ctx, `SELECT seq FROM log_cursors WHERE consumer = $1 FOR UPDATE`, consumer).Scan(&cur)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return errors.Wrapf(err, "postgres: lock cursor %s", consumer)
		}
		if uint64(cur) >= through {
			return nil
		}

		batch := projectionBatch(p)
		batch.Queue(saveCursorSQL, consumer, int64(through))
		results := tx.SendBatch(ctx, batch)
		for i := 0; i < batch.Len(); i++ {
			if _, err := results.Exec(); err != nil {
				_ = results.Close()
				return errors.Wrapf(err, "postgres: projection statement %d", i)
			}
		}
		return errors.Wrap(results.Close(), "postgres: close projection batch")
	})
}

func projectionBatch(p Projection) *pgx.Batch {
	batch := &pgx.Batch{}
	for _, o := range p.Orders {
		batch.Queue(`
			INSERT INTO orders (order_id, instrument, side, order_type, price, qty, filled, status, updated_seq)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (order_id) DO UPDATE
			SET filled = EXCLUDED.filled, status = EXCLUDED.status,
			    updated_seq = EXCLUDED.updated_seq, updated_at = NOW()
			WHERE orders.updated_seq < EXCLUDED.updated_seq`,
			int64(o.ID), o.Instrument, int16(o.Side), int16(o.Type), o.Price, o.Qty, o.Filled, int16(o.Status), int64(o.Seq),
		)
	}
	for _, f := range p.Fills {
		batch.Queue(`
			UPDATE orders
			SET filled = filled + $2,
			    status = CASE WHEN filled + $2 >= qty THEN $3::smallint ELSE $4::smallint END,
			    updated_seq = $5, updated_at = NOW()
			WHERE order_id = $1 AND updated_seq < $5`,
			int64(f.OrderID), f.Qty, int16(orderbook.Filled), int16(orderbook.PartiallyFilled), int64(f.Seq),
		)
	}
	for _, c := range p.Cancels {
		batch.Queue(`
			UPDATE orders SET status = $2, updated_seq = $3, updated_at = NOW()
			WHERE order_id = $1 AND updated_seq < $3`,
			int64(c.OrderID), int16(orderbook.Cancelled), int64(c.Seq),
		)
	}
	for _, t := range p.Trades {
		batch.Queue(`
			INSERT INTO trades (seq, idx, instrument, price, qty, buy_order_id, sell_order_id, taker_side, executed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (seq, idx) DO NOTHING`,
			int64(t.Seq), t.Index, t.Instrument, t.Price, t.Qty,
			int64(t.BuyOrderID), int64(t.SellOrderID), int16(t.TakerSide), t.ExecutedAt,
		)
	}
	return batch
}
