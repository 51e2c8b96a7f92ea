package memory

// Handle addresses a slot in a Slab. The zero Handle is never issued, so a
// zero-valued link field means "none".
type Handle int32

// Nil is the empty handle.
const Nil Handle = 0

// Slab is a typed arena with a free list.
// It is not safe for concurrent use; the owner serializes access.
type Slab[T any] struct {
	slots []T
	free  []Handle
	live  int
}

func NewSlab[T any](capacity int) *Slab[T] {
	if capacity < 0 {
		capacity = 0
	}
	// slot 0 backs Nil and is never handed out
	return &Slab[T]{slots: make([]T, 1, capacity+1)}
}

// Alloc stores v and returns its handle, reusing a freed slot when one exists.
func (s *Slab[T]) Alloc(v T) Handle {
	s.live++
	if n := len(s.free); n > 0 {
		h := s.free[n-1]
		s.free = s.free[:n-1]
		s.slots[h] = v
		return h
	}
	s.slots = append(s.slots, v)
	return Handle(len(s.slots) - 1)
}

// Get returns the value behind h. The pointer is only valid until the next
// Alloc, which may grow the backing array.
func (s *Slab[T]) Get(h Handle) *T {
	if h == Nil || int(h) >= len(s.slots) {
		panic("memory.Slab: invalid handle")
	}
	return &s.slots[h]
}

// Free releases h for reuse. Freeing Nil is a no-op.
func (s *Slab[T]) Free(h Handle) {
	if h == Nil {
		return
	}
	var zero T
	s.slots[h] = zero
	s.free = append(s.free, h)
	s.live--
}

// Len returns the number of live slots.
func (s *Slab[T]) Len() int {
	return s.live
}

// Reset drops every slot and keeps the allocated capacity.
func (s *Slab[T]) Reset() {
	clear(s.slots)
	s.slots = s.slots[:1]
	s.free = s.free[:0]
	s.live = 0
}
