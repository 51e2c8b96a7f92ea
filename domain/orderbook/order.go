package orderbook

import "market/infra/memory"

type Side uint8
type OrderType uint8
type Status uint8

const (
	Bid Side = iota + 1
	Ask
)

const (
	Limit OrderType = iota + 1
	Market
)

const (
	Open Status = iota + 1
	PartiallyFilled
	Filled
	Cancelled
)

func (s Side) Opposite() Side {
	if s == Bid {
		return Ask
	}
	return Bid
}

func (s Side) String() string {
	switch s {
	case Bid:
		return "buy"
	case Ask:
		return "sell"
	}
	return "unknown"
}

func (t OrderType) String() string {
	switch t {
	case Limit:
		return "limit"
	case Market:
		return "market"
	}
	return "unknown"
}

func (s Status) String() string {
	switch s {
	case Open:
		return "open"
	case PartiallyFilled:
		return "partially_filled"
	case Filled:
		return "filled"
	case Cancelled:
		return "cancelled"
	}
	return "unknown"
}

// Terminal reports whether an order in this status has left the book.
func (s Status) Terminal() bool {
	return s == Filled || s == Cancelled
}

// Order is a pure domain entity. ID and Seq are assigned once by the
// sequencer and never change; Price is zero for market orders.
type Order struct {
	ID         uint64
	Instrument string
	Side       Side
	Type       OrderType
	Price      int64
	Qty        int64
	Filled     int64
	Seq        uint64
	Status     Status
}

func (o *Order) Remaining() int64 {
	return o.Qty - o.Filled
}

// fill records qty executed against the order and moves its status.
func (o *Order) fill(qty int64) {
	o.Filled += qty
	if o.Remaining() == 0 {
		o.Status = Filled
	} else {
		o.Status = PartiallyFilled
	}
}

// Trade is immutable once produced. Price is always the resting order's
// price and Seq is the sequence of the event that produced it.
type Trade struct {
	Instrument  string
	Price       int64
	Qty         int64
	BuyOrderID  uint64
	SellOrderID uint64
	Seq         uint64
	TakerSide   Side
}

// resting is the arena slot for an order in the book. Levels chain slots
// through next/prev handles; nothing points back at the level.
type resting struct {
	order Order
	next  memory.Handle
	prev  memory.Handle
}
