package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlab_AllocNeverIssuesNil(t *testing.T) {
	s := NewSlab[int](0)
	h := s.Alloc(7)
	require.NotEqual(t, Nil, h)
	assert.Equal(t, 7, *s.Get(h))
	assert.Equal(t, 1, s.Len())
}

func TestSlab_FreeReusesSlot(t *testing.T) {
	s := NewSlab[string](4)
	a := s.Alloc("a")
	b := s.Alloc("b")
	s.Free(a)
	assert.Equal(t, 1, s.Len())

	c := s.Alloc("c")
	assert.Equal(t, a, c, "freed slot should be reused")
	assert.Equal(t, "c", *s.Get(c))
	assert.Equal(t, "b", *s.Get(b))
}

func TestSlab_Reset(t *testing.T) {
	s := NewSlab[int](2)
	s.Alloc(1)
	s.Alloc(2)
	s.Reset()
	assert.Equal(t, 0, s.Len())
	h := s.Alloc(3)
	assert.Equal(t, Handle(1), h)
}

func TestSlab_GetNilPanics(t *testing.T) {
	s := NewSlab[int](0)
	assert.Panics(t, func() { s.Get(Nil) })
}
