// Package matching is the matching core: it validates incoming orders and
// runs price-time priority matching against an instrument's book, checking
// the book invariants after every pass.
package matching

import (
	"github.com/cockroachdb/errors"

	"market/domain/market"
	"market/domain/orderbook"
)

var (
	ErrInvalidOrder          = errors.New("invalid order")
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")

	ErrCrossedBook          = errors.New("crossed book after match")
	ErrQuantityConservation = errors.New("quantity conservation violated")
)

// Request is an order as submitted, before it has been sequenced.
type Request struct {
	Instrument string
	Side       orderbook.Side
	Type       orderbook.OrderType
	Price      int64
	Qty        int64
}

// Instruments resolves instrument definitions.
type Instruments interface {
	Get(symbol string) (market.Instrument, error)
}

// Validate rejects requests that must never reach the book.
func Validate(instruments Instruments, r Request) (market.Instrument, error) {
	inst, err := instruments.Get(r.Instrument)
	if err != nil {
		return market.Instrument{}, errors.Mark(errors.Wrap(err, "validate"), ErrInvalidOrder)
	}
	if r.Side != orderbook.Bid && r.Side != orderbook.Ask {
		return inst, errors.Wrapf(ErrInvalidOrder, "side %d", r.Side)
	}
	if r.Qty <= 0 {
		return inst, errors.Wrapf(ErrInvalidOrder, "quantity %d must be positive", r.Qty)
	}
	if !inst.ValidQty(r.Qty) {
		return inst, errors.Wrapf(ErrInvalidOrder, "quantity %d is not a multiple of lot size %d", r.Qty, inst.LotSize)
	}

	switch r.Type {
	case orderbook.Limit:
		if !inst.ValidPrice(r.Price) {
			return inst, errors.Wrapf(ErrInvalidOrder, "price %d violates tick size %d", r.Price, inst.TickSize)
		}
	case orderbook.Market:
		if r.Price != 0 {
			return inst, errors.Wrapf(ErrInvalidOrder, "market order carries price %d", r.Price)
		}
	default:
		return inst, errors.Wrapf(ErrInvalidOrder, "order type %d", r.Type)
	}
	return inst, nil
}

// NewOrder turns a validated request into the incoming order for seq. The
// order id is the sequence number.
func NewOrder(r Request, seq uint64) orderbook.Order {
	return orderbook.Order{
		ID:         seq,
		Seq:        seq,
		Instrument: r.Instrument,
		Side:       r.Side,
		Type:       r.Type,
		Price:      r.Price,
		Qty:        r.Qty,
		Status:     orderbook.Open,
	}
}

// Plan computes the match without touching the book.
func Plan(book *orderbook.OrderBook, o orderbook.Order) orderbook.Plan {
	return book.Plan(o)
}

// Apply executes a plan and then verifies quantity conservation and the
// no-crossed-book invariant. Any error returned here is a consistency
// violation.
func Apply(book *orderbook.OrderBook, p orderbook.Plan) error {
	if err := book.Apply(p); err != nil {
		return err
	}
	return Check(book, p)
}

// Outcome reports the partial-success error for a plan, if any.
func Outcome(p orderbook.Plan) error {
	if p.Unfilled > 0 {
		return errors.Wrapf(ErrInsufficientLiquidity, "order %d: filled %d, unfilled %d",
			p.Incoming.ID, p.Incoming.Filled, p.Unfilled)
	}
	return nil
}

// Check verifies the book against an applied plan.
func Check(book *orderbook.OrderBook, p orderbook.Plan) error {
	in := p.Incoming
	if len(p.Trades) != len(p.Resting) {
		return errors.Wrapf(ErrQuantityConservation, "order %d: %d trades for %d resting fills",
			in.ID, len(p.Trades), len(p.Resting))
	}

	var traded int64
	for i, t := range p.Trades {
		r := p.Resting[i]
		if t.Qty <= 0 || r.Remaining() < 0 || r.Filled > r.Qty {
			return errors.Wrapf(ErrQuantityConservation, "order %d: fill %d against %d", in.ID, t.Qty, r.ID)
		}
		traded += t.Qty

		live, ok := book.Lookup(r.ID)
		switch {
		case r.Remaining() == 0 && ok:
			return errors.Wrapf(ErrQuantityConservation, "filled order %d still resting", r.ID)
		case r.Remaining() > 0 && (!ok || live.Remaining() != r.Remaining()):
			return errors.Wrapf(ErrQuantityConservation, "resting order %d: want remaining %d", r.ID, r.Remaining())
		}
	}

	if traded != in.Filled || in.Qty != traded+in.Remaining() {
		return errors.Wrapf(ErrQuantityConservation, "order %d: qty %d, traded %d, remaining %d",
			in.ID, in.Qty, traded, in.Remaining())
	}
	if in.Type == orderbook.Market && in.Remaining() != p.Unfilled {
		return errors.Wrapf(ErrQuantityConservation, "market order %d: remaining %d, unfilled %d",
			in.ID, in.Remaining(), p.Unfilled)
	}

	live, ok := book.Lookup(in.ID)
	if p.Rests != ok || (ok && live.Remaining() != in.Remaining()) {
		return errors.Wrapf(ErrQuantityConservation, "incoming order %d: rests=%v in book=%v", in.ID, p.Rests, ok)
	}

	if book.Crossed() {
		bid, _ := book.BestBid()
		ask, _ := book.BestAsk()
		return errors.Wrapf(ErrCrossedBook, "%s: bid %d >= ask %d", book.Instrument, bid.Price, ask.Price)
	}
	return nil
}
