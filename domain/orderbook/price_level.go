package orderbook

import "market/infra/memory"

// PriceLevel is a FIFO queue of resting orders at a single price. It holds
// handles into the book's arena; arrival order is priority order.
type PriceLevel struct {
	Price int64

	head memory.Handle
	tail memory.Handle

	TotalQty int64
	Count    int
}

func (p *PriceLevel) Empty() bool {
	return p.head == memory.Nil
}

func (p *PriceLevel) enqueue(arena *memory.Slab[resting], h memory.Handle) {
	r := arena.Get(h)
	r.next, r.prev = memory.Nil, p.tail
	if p.tail == memory.Nil {
		p.head = h
	} else {
		arena.Get(p.tail).next = h
	}
	p.tail = h
	p.TotalQty += r.order.Remaining()
	p.Count++
}

// unlink removes h from the queue. The caller adjusts TotalQty for any
// quantity already consumed before the call.
func (p *PriceLevel) unlink(arena *memory.Slab[resting], h memory.Handle) {
	r := arena.Get(h)
	if r.prev == memory.Nil {
		p.head = r.next
	} else {
		arena.Get(r.prev).next = r.next
	}
	if r.next == memory.Nil {
		p.tail = r.prev
	} else {
		arena.Get(r.next).prev = r.prev
	}
	p.TotalQty -= r.order.Remaining()
	p.Count--
	r.next, r.prev = memory.Nil, memory.Nil
}

// each walks the queue in priority order until fn returns false.
func (p *PriceLevel) each(arena *memory.Slab[resting], fn func(h memory.Handle, o *Order) bool) {
	for h := p.head; h != memory.Nil; {
		r := arena.Get(h)
		next := r.next
		if !fn(h, &r.order) {
			return
		}
		h = next
	}
}
