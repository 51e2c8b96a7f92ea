// Package event defines the payloads written to the durability log. Each
// payload records the request that was sequenced together with the outcome
// the matching core produced for it, so replay can re-execute the request
// and compare.
package event

import (
	"github.com/cockroachdb/errors"

	"market/domain/orderbook"
)

// Type tags a log record.
type Type uint8

const (
	TypeSubmit Type = 1
	TypeCancel Type = 2
)

func (t Type) String() string {
	switch t {
	case TypeSubmit:
		return "submit"
	case TypeCancel:
		return "cancel"
	}
	return "unknown"
}

var ErrMalformed = errors.New("malformed event payload")

// Fill is one trade as logged. Instrument, sequence and taker side are
// implied by the enclosing event.
type Fill struct {
	Price       int64
	Qty         int64
	BuyOrderID  uint64
	SellOrderID uint64
}

// Submit is a sequenced order submission and its outcome.
type Submit struct {
	Instrument string
	Side       orderbook.Side
	OrderType  orderbook.OrderType
	Price      int64
	Qty        int64

	Status   orderbook.Status
	Filled   int64
	Unfilled int64
	Fills    []Fill
}

// Cancel is a sequenced cancellation and the remainder it removed.
type Cancel struct {
	Instrument string
	OrderID    uint64
	Remaining  int64
	Filled     int64
}

// NewSubmit captures a plan as the payload for its sequence.
func NewSubmit(p orderbook.Plan) Submit {
	in := p.Incoming
	s := Submit{
		Instrument: in.Instrument,
		Side:       in.Side,
		OrderType:  in.Type,
		Price:      in.Price,
		Qty:        in.Qty,
		Status:     in.Status,
		Filled:     in.Filled,
		Unfilled:   p.Unfilled,
	}
	if len(p.Trades) > 0 {
		s.Fills = make([]Fill, len(p.Trades))
		for i, t := range p.Trades {
			s.Fills[i] = Fill{Price: t.Price, Qty: t.Qty, BuyOrderID: t.BuyOrderID, SellOrderID: t.SellOrderID}
		}
	}
	return s
}

// Trades expands the logged fills into trades for seq.
func (s Submit) Trades(seq uint64) []orderbook.Trade {
	if len(s.Fills) == 0 {
		return nil
	}
	out := make([]orderbook.Trade, len(s.Fills))
	for i, f := range s.Fills {
		out[i] = orderbook.Trade{
			Instrument:  s.Instrument,
			Price:       f.Price,
			Qty:         f.Qty,
			BuyOrderID:  f.BuyOrderID,
			SellOrderID: f.SellOrderID,
			Seq:         seq,
			TakerSide:   s.Side,
		}
	}
	return out
}

// Order rebuilds the incoming order in its final state.
func (s Submit) Order(seq uint64) orderbook.Order {
	return orderbook.Order{
		ID:         seq,
		Seq:        seq,
		Instrument: s.Instrument,
		Side:       s.Side,
		Type:       s.OrderType,
		Price:      s.Price,
		Qty:        s.Qty,
		Filled:     s.Filled,
		Status:     s.Status,
	}
}
