package postgres

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
)

// CursorStore tracks how far each log consumer has progressed. Rows are
// written inside projection transactions; this type serves reads and
// standalone saves.
type CursorStore struct {
	c *Client
}

func (c *Client) Cursors() *CursorStore {
	return &CursorStore{c: c}
}

// Load returns 0 when the consumer has no cursor yet.
func (s *CursorStore) Load(ctx context.Context, consumer string) (uint64, error) {
	var seq int64
	err := s.c.pool.QueryRow(ctx, `SELECT seq FROM log_cursors WHERE consumer = $1`, consumer).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrapf(err, "postgres: load cursor %s", consumer)
	}
	return uint64(seq), nil
}

func (s *CursorStore) Save(ctx context.Context, consumer string, seq uint64) error {
	_, err := s.c.pool.Exec(ctx, saveCursorSQL, consumer, int64(seq))
	return errors.Wrapf(err, "postgres: save cursor %s", consumer)
}

func (s *CursorStore) All(ctx context.Context) (map[string]uint64, error) {
	rows, err := s.c.pool.Query(ctx, `SELECT consumer, seq FROM log_cursors`)
	if err != nil {
		return nil, errors.Wrap(err, "postgres: list cursors")
	}
	defer rows.Close()
	out := map[string]uint64{}
	for rows.Next() {
		var name string
		var seq int64
		if err := rows.Scan(&name, &seq); err != nil {
			return nil, errors.Wrap(err, "postgres: scan cursor")
		}
		out[name] = uint64(seq)
	}
	return out, errors.Wrap(rows.Err(), "postgres: list cursors")
}

// Cursors never move backwards.
const saveCursorSQL = `
	INSERT INTO log_cursors (consumer, seq, updated_at)
	VALUES ($1, $2, NOW())
	ON CONFLICT (consumer) DO UPDATE
	SET seq = GREATEST(log_cursors.seq, EXCLUDED.seq), updated_at = NOW()`
