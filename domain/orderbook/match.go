package orderbook

import (
	"github.com/cockroachdb/errors"

	"market/infra/memory"
)

type fillStep struct {
	handle memory.Handle
	id     uint64
	qty    int64
}

// Plan is the outcome of matching an incoming order against the book,
// computed without mutating it.
type Plan struct {
	// Incoming is the incoming order in its final state.
	Incoming Order
	Trades   []Trade
	// Resting holds every resting order touched, in its final state.
	Resting []Order
	// Rests is set when the limit remainder goes into the book.
	Rests bool
	// Unfilled is the market order remainder that was cancelled.
	Unfilled int64

	fills []fillStep
}

func crosses(in *Order, price int64) bool {
	if in.Type == Market {
		return true
	}
	if in.Side == Bid {
		return in.Price >= price
	}
	return in.Price <= price
}

// Plan walks the opposite side in price-time priority and returns the trades
// the incoming order would produce. Each trade executes at the resting price.
func (b *OrderBook) Plan(in Order) Plan {
	in.Status = Open
	in.Filled = 0
	p := Plan{Incoming: in}

	visit := func(lvl *PriceLevel) bool {
		if !crosses(&p.Incoming, lvl.Price) {
			return false
		}
		lvl.each(b.arena, func(h memory.Handle, o *Order) bool {
			qty := min(p.Incoming.Remaining(), o.Remaining())
			after := *o
			after.fill(qty)
			p.Incoming.fill(qty)

			t := Trade{
				Instrument: b.Instrument,
				Price:      o.Price,
				Qty:        qty,
				Seq:        in.Seq,
				TakerSide:  in.Side,
			}
			if in.Side == Bid {
				t.BuyOrderID, t.SellOrderID = in.ID, o.ID
			} else {
				t.BuyOrderID, t.SellOrderID = o.ID, in.ID
			}
			p.Trades = append(p.Trades, t)
			p.Resting = append(p.Resting, after)
			p.fills = append(p.fills, fillStep{handle: h, id: o.ID, qty: qty})
			return p.Incoming.Remaining() > 0
		})
		return p.Incoming.Remaining() > 0
	}
	if in.Side == Bid {
		b.asks.Ascend(visit)
	} else {
		b.bids.Descend(visit)
	}

	if rem := p.Incoming.Remaining(); rem > 0 {
		if in.Type == Limit {
			p.Rests = true
		} else {
			p.Unfilled = rem
			p.Incoming.Status = Cancelled
		}
	}
	return p
}

// Stamp gives the incoming order of a plan its id and sequence, along with
// every trade it produced. Matching never reads the incoming id, so a plan
// computed with a placeholder and stamped equals one computed with seq.
func (p *Plan) Stamp(seq uint64) {
	p.Incoming.ID, p.Incoming.Seq = seq, seq
	for i := range p.Trades {
		t := &p.Trades[i]
		t.Seq = seq
		if p.Incoming.Side == Bid {
			t.BuyOrderID = seq
		} else {
			t.SellOrderID = seq
		}
	}
}

// Apply executes a plan produced by Plan against the same book state. The
// plan is verified first; a stale plan leaves the book untouched.
func (b *OrderBook) Apply(p Plan) error {
	for _, f := range p.fills {
		h, ok := b.index[f.id]
		if !ok || h != f.handle || b.arena.Get(h).order.Remaining() < f.qty {
			return errors.Wrapf(ErrStalePlan, "resting order %d", f.id)
		}
	}
	if p.Rests {
		if _, dup := b.index[p.Incoming.ID]; dup {
			return errors.Wrapf(ErrDuplicateOrder, "order %d", p.Incoming.ID)
		}
	}

	for _, f := range p.fills {
		r := b.arena.Get(f.handle)
		t := b.tree(r.order.Side)
		lvl := t.Get(r.order.Price)
		lvl.TotalQty -= f.qty
		r.order.fill(f.qty)
		if r.order.Remaining() == 0 {
			b.remove(f.handle)
		}
	}
	if p.Rests {
		return b.Insert(p.Incoming)
	}
	return nil
}

// MatchAgainst plans and applies in one step.
func (b *OrderBook) MatchAgainst(in Order) (Plan, error) {
	p := b.Plan(in)
	if err := b.Apply(p); err != nil {
		return Plan{}, err
	}
	return p, nil
}
