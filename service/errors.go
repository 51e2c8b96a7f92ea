package service

import (
	"github.com/cockroachdb/errors"

	"market/domain/market"
	"market/domain/matching"
	"market/domain/orderbook"
	"market/infra/sequence"
	"market/infra/wal"
	"market/snapshot"
)

var (
	// ErrInstrumentHalted is returned for every request against an
	// instrument whose book failed an invariant check. Only Recover clears
	// it.
	ErrInstrumentHalted = errors.New("instrument halted")
	ErrReplayDivergence = errors.New("replay diverged from logged outcome")
	ErrInvalidRange     = errors.New("invalid replay range")
	ErrNoSnapshotStore  = errors.New("no snapshot store configured")
)

// Class groups errors by how a caller should react to them.
type Class int

const (
	ClassNone Class = iota
	// ClassValidation: rejected before any state changed; fix the input.
	ClassValidation
	// ClassLiquidity: partial success, the filled portion stands.
	ClassLiquidity
	// ClassDurability: back-pressure; nothing changed, retry later.
	ClassDurability
	// ClassConsistency: fatal for the instrument until recovery.
	ClassConsistency
	ClassUnknown
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassValidation:
		return "validation"
	case ClassLiquidity:
		return "liquidity"
	case ClassDurability:
		return "durability"
	case ClassConsistency:
		return "consistency"
	}
	return "unknown"
}

func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassNone
	case errors.IsAny(err,
		wal.ErrSequenceGap,
		wal.ErrCorrupt,
		wal.ErrSchemaVersion,
		matching.ErrCrossedBook,
		matching.ErrQuantityConservation,
		orderbook.ErrStalePlan,
		orderbook.ErrDuplicateOrder,
		ErrInstrumentHalted,
		ErrReplayDivergence,
		snapshot.ErrCorrupt,
	):
		return ClassConsistency
	case errors.IsAny(err,
		wal.ErrLogFull,
		wal.ErrIO,
		wal.ErrClosed,
		sequence.ErrSequencingUnavailable,
	):
		return ClassDurability
	case errors.Is(err, matching.ErrInsufficientLiquidity):
		return ClassLiquidity
	case errors.IsAny(err,
		matching.ErrInvalidOrder,
		orderbook.ErrOrderNotFound,
		market.ErrUnknownInstrument,
		ErrInvalidRange,
	):
		return ClassValidation
	}
	return ClassUnknown
}

// Retryable reports whether the same request may succeed later unchanged.
func Retryable(err error) bool {
	return Classify(err) == ClassDurability
}
