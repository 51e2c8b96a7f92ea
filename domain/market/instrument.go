package market

import "github.com/cockroachdb/errors"

var (
	ErrInvalidInstrument   = errors.New("invalid instrument")
	ErrDuplicateInstrument = errors.New("instrument already registered")
	ErrUnknownInstrument   = errors.New("unknown instrument")
)

// Instrument is a tradable symbol. Prices are integer ticks and quantities
// integer units; TickSize and LotSize are the minimum increments.
// Instruments are immutable once registered.
type Instrument struct {
	Symbol   string
	TickSize int64
	LotSize  int64
}

func (i Instrument) Validate() error {
	if i.Symbol == "" {
		return errors.Wrap(ErrInvalidInstrument, "empty symbol")
	}
	if i.TickSize <= 0 {
		return errors.Wrapf(ErrInvalidInstrument, "%s: tick size %d must be positive", i.Symbol, i.TickSize)
	}
	if i.LotSize <= 0 {
		return errors.Wrapf(ErrInvalidInstrument, "%s: lot size %d must be positive", i.Symbol, i.LotSize)
	}
	return nil
}

// ValidPrice reports whether p is a positive multiple of the tick size.
func (i Instrument) ValidPrice(p int64) bool {
	return p > 0 && p%i.TickSize == 0
}

// ValidQty reports whether q is a positive multiple of the lot size.
func (i Instrument) ValidQty(q int64) bool {
	return q > 0 && q%i.LotSize == 0
}
