package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingDropsOldest(t *testing.T) {
	r := NewRing[int](4)
	for i := 1; i <= 4; i++ {
		assert.False(t, r.Push(i))
	}
	assert.True(t, r.Push(5))
	assert.Equal(t, 4, r.Len())

	for want := 2; want <= 5; want++ {
		v, ok := r.Pop()
		require.True(t, ok)
		assert.Equal(t, want, v)
	}
	_, ok := r.Pop()
	assert.False(t, ok)
}

func TestRingSizeMustBePowerOfTwo(t *testing.T) {
	assert.Panics(t, func() { NewRing[int](3) })
}

func TestPoolReset(t *testing.T) {
	p := NewPool(func() *[]byte {
		b := make([]byte, 0, 16)
		return &b
	}, func(b *[]byte) { *b = (*b)[:0] })

	b := p.Get()
	*b = append(*b, 1, 2, 3)
	p.Put(b)
	assert.Empty(t, *b)
}
