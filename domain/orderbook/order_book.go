package orderbook

import (
	"github.com/cockroachdb/errors"

	"market/infra/memory"
)

var (
	ErrOrderNotFound  = errors.New("order not found")
	ErrDuplicateOrder = errors.New("duplicate order id")
	ErrNotRestable    = errors.New("order cannot rest in the book")
	ErrStalePlan      = errors.New("plan does not match book state")
)

// Level is a read-only view of one price level.
type Level struct {
	Price int64
	Qty   int64
	Count int
}

// OrderBook holds the resting orders of one instrument. It is not safe for
// concurrent use; callers serialize every operation per instrument.
type OrderBook struct {
	Instrument string

	bids  *RBTree
	asks  *RBTree
	arena *memory.Slab[resting]
	index map[uint64]memory.Handle
}

func New(instrument string) *OrderBook {
	return &OrderBook{
		Instrument: instrument,
		bids:       NewRBTree(),
		asks:       NewRBTree(),
		arena:      memory.NewSlab[resting](1024),
		index:      make(map[uint64]memory.Handle),
	}
}

func (b *OrderBook) tree(s Side) *RBTree {
	if s == Bid {
		return b.bids
	}
	return b.asks
}

// Len returns the number of resting orders.
func (b *OrderBook) Len() int { return len(b.index) }

// Insert places a resting limit order at the tail of its price level.
func (b *OrderBook) Insert(o Order) error {
	if o.Type != Limit || o.Price <= 0 || o.Remaining() <= 0 || o.Status.Terminal() {
		return errors.Wrapf(ErrNotRestable, "order %d", o.ID)
	}
	if _, dup := b.index[o.ID]; dup {
		return errors.Wrapf(ErrDuplicateOrder, "order %d", o.ID)
	}
	if o.Filled > 0 {
		o.Status = PartiallyFilled
	} else {
		o.Status = Open
	}

	h := b.arena.Alloc(resting{order: o})
	b.tree(o.Side).Upsert(o.Price).enqueue(b.arena, h)
	b.index[o.ID] = h
	return nil
}

// Cancel removes a resting order and returns it with status Cancelled.
func (b *OrderBook) Cancel(id uint64) (Order, error) {
	h, ok := b.index[id]
	if !ok {
		return Order{}, errors.Wrapf(ErrOrderNotFound, "order %d", id)
	}
	o := b.remove(h)
	o.Status = Cancelled
	return o, nil
}

// Lookup returns a copy of a resting order.
func (b *OrderBook) Lookup(id uint64) (Order, bool) {
	h, ok := b.index[id]
	if !ok {
		return Order{}, false
	}
	return b.arena.Get(h).order, true
}

func (b *OrderBook) BestBid() (Level, bool) { return levelView(b.bids.Max()) }
func (b *OrderBook) BestAsk() (Level, bool) { return levelView(b.asks.Min()) }

// Crossed reports whether the best bid is at or above the best ask.
func (b *OrderBook) Crossed() bool {
	bid, okBid := b.BestBid()
	ask, okAsk := b.BestAsk()
	return okBid && okAsk && bid.Price >= ask.Price
}

// Depth returns up to n levels of one side, best first. n <= 0 means all.
func (b *OrderBook) Depth(s Side, n int) []Level {
	var out []Level
	visit := func(pl *PriceLevel) bool {
		out = append(out, Level{Price: pl.Price, Qty: pl.TotalQty, Count: pl.Count})
		return n <= 0 || len(out) < n
	}
	if s == Bid {
		b.bids.Descend(visit)
	} else {
		b.asks.Ascend(visit)
	}
	return out
}

func (b *OrderBook) remove(h memory.Handle) Order {
	o := b.arena.Get(h).order
	t := b.tree(o.Side)
	lvl := t.Get(o.Price)
	lvl.unlink(b.arena, h)
	if lvl.Empty() {
		t.Delete(o.Price)
	}
	delete(b.index, o.ID)
	b.arena.Free(h)
	return o
}

func (b *OrderBook) reset() {
	b.bids.Clear()
	b.asks.Clear()
	b.arena.Reset()
	clear(b.index)
}

func levelView(pl *PriceLevel) (Level, bool) {
	if pl == nil {
		return Level{}, false
	}
	return Level{Price: pl.Price, Qty: pl.TotalQty, Count: pl.Count}, true
}
