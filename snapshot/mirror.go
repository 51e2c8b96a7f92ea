package snapshot

import (
	"context"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// Mirror writes every snapshot to a primary and a secondary store. Only the
// primary must succeed; loads fall back to the secondary when the primary
// has nothing usable.
type Mirror struct {
	Primary   Store
	Secondary Store
	Log       *zap.Logger
}

var _ Store = (*Mirror)(nil)

func (m *Mirror) Save(ctx context.Context, s State) error {
	if err := m.Primary.Save(ctx, s); err != nil {
		return err
	}
	if err := m.Secondary.Save(ctx, s); err != nil {
		m.logger().Warn("mirror snapshot save failed", zap.Uint64("seq", s.Seq), zap.Error(err))
	}
	return nil
}

func (m *Mirror) Load(ctx context.Context, atOrBefore uint64) (State, error) {
	s, err := m.Primary.Load(ctx, atOrBefore)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, ErrNotFound) {
		m.logger().Warn("primary snapshot load failed", zap.Error(err))
	}
	alt, altErr := m.Secondary.Load(ctx, atOrBefore)
	if altErr != nil {
		return State{}, errors.WithSecondaryError(err, altErr)
	}
	return alt, nil
}

func (m *Mirror) logger() *zap.Logger {
	if m.Log == nil {
		return zap.NewNop()
	}
	return m.Log
}
