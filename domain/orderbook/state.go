package orderbook

import "market/infra/memory"

// BookState is a point-in-time copy of the resting orders. Bids run from the
// highest price down, asks from the lowest up; within a level orders keep
// their arrival order, so equal books yield equal states.
type BookState struct {
	Instrument string
	Bids       []Order
	Asks       []Order
}

func (b *OrderBook) State() BookState {
	s := BookState{Instrument: b.Instrument}
	b.bids.Descend(func(lvl *PriceLevel) bool {
		s.Bids = b.collect(lvl, s.Bids)
		return true
	})
	b.asks.Ascend(func(lvl *PriceLevel) bool {
		s.Asks = b.collect(lvl, s.Asks)
		return true
	})
	return s
}

func (b *OrderBook) collect(lvl *PriceLevel, dst []Order) []Order {
	for h := lvl.head; h != memory.Nil; {
		r := b.arena.Get(h)
		dst = append(dst, r.order)
		h = r.next
	}
	return dst
}

// Restore replaces the book contents with s.
func (b *OrderBook) Restore(s BookState) error {
	b.reset()
	b.Instrument = s.Instrument
	for _, side := range [][]Order{s.Bids, s.Asks} {
		for _, o := range side {
			if err := b.Insert(o); err != nil {
				b.reset()
				return err
			}
		}
	}
	return nil
}
