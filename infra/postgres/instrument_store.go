package postgres

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"

	"market/domain/market"
)

// InstrumentStore reads and writes instrument definitions.
type InstrumentStore struct {
	c *Client
}

func (c *Client) Instruments() *InstrumentStore {
	return &InstrumentStore{c: c}
}

func (s *InstrumentStore) Upsert(ctx context.Context, inst market.Instrument) error {
	if err := inst.Validate(); err != nil {
		return err
	}
	_, err := s.c.pool.Exec(ctx, `
		INSERT INTO instruments (symbol, tick_size, lot_size)
		VALUES ($1, $2, $3)
		ON CONFLICT (symbol) DO UPDATE
		SET tick_size = EXCLUDED.tick_size, lot_size = EXCLUDED.lot_size`,
		inst.Symbol, inst.TickSize, inst.LotSize,
	)
	return errors.Wrapf(err, "postgres: upsert instrument %s", inst.Symbol)
}

func (s *InstrumentStore) List(ctx context.Context) ([]market.Instrument, error) {
	rows, err := s.c.pool.Query(ctx, `SELECT symbol, tick_size, lot_size FROM instruments ORDER BY symbol`)
	if err != nil {
		return nil, errors.Wrap(err, "postgres: list instruments")
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (market.Instrument, error) {
		var inst market.Instrument
		err := row.Scan(&inst.Symbol, &inst.TickSize, &inst.LotSize)
		return inst, err
	})
	return out, errors.Wrap(err, "postgres: scan instruments")
}

// LoadInto registers stored instruments that reg does not already know.
// Definitions already in reg win; the count is of newly added symbols.
func (s *InstrumentStore) LoadInto(ctx context.Context, reg *market.Registry) (int, error) {
	list, err := s.List(ctx)
	if err != nil {
		return 0, err
	}
	added := 0
	for _, inst := range list {
		if _, err := reg.Get(inst.Symbol); err == nil {
			continue
		}
		if err := reg.Register(inst); err != nil {
			return added, err
		}
		added++
	}
	return added, nil
}
