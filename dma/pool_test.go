package dma

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var isaLimits = Limits{
	MaxAddress:   16 << 20,
	Boundary:     64 << 10,
	Alignment:    8,
	MaxTransfer:  64 << 10,
	MaxFragments: 8,
}

// fixedAllocator hands out one region at a chosen bus address regardless of
// what is asked for.
type fixedAllocator struct {
	phys     Phys
	released int
}

func (a *fixedAllocator) Allocate(size, align int, ceiling Phys) (Region, error) {
	return Region{Buf: make([]byte, size), Phys: a.phys}, nil
}

func (a *fixedAllocator) Release(Region) error {
	a.released++
	return nil
}

func TestNewPool_NeverStraddles(t *testing.T) {
	tests := []struct {
		name  string
		count int
		size  int
	}{
		{name: "packed", count: 16, size: 1024},
		{name: "odd stride needs boundary skips", count: 96, size: 1536},
		{name: "single large", count: 2, size: 60 << 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestMemory(t)
			p, err := NewPool(m, tt.count, tt.size, 8, isaLimits)
			require.NoError(t, err)
			require.Equal(t, tt.count, p.Len())

			for i := 0; i < p.Len(); i++ {
				r := p.Slot(i)
				assert.Len(t, r.Buf, tt.size)
				assert.False(t, isaLimits.Straddles(r.Phys, r.Len()), "slot %d at %#x", i, r.Phys)
				assert.Zero(t, r.Phys%8, "slot %d alignment", i)
				assert.LessOrEqual(t, r.End(), isaLimits.MaxAddress)
			}
			require.NoError(t, p.Close())
		})
	}
}

func TestNewPool_Rejects(t *testing.T) {
	t.Run("allocator ignores boundary", func(t *testing.T) {
		a := &fixedAllocator{phys: 0xff00}
		_, err := NewPool(a, 4, 512, 8, isaLimits)
		assert.ErrorIs(t, err, ErrMappingFailed)
		assert.Equal(t, 2, a.released, "both attempts are released")
	})

	t.Run("allocator ignores ceiling", func(t *testing.T) {
		a := &fixedAllocator{phys: 32 << 20}
		_, err := NewPool(a, 4, 512, 8, isaLimits)
		assert.ErrorIs(t, err, ErrMappingFailed)
	})

	t.Run("stride larger than boundary", func(t *testing.T) {
		_, err := NewPool(newTestMemory(t), 1, 65<<10, 8, isaLimits)
		assert.ErrorIs(t, err, ErrMappingFailed)
	})

	t.Run("alignment", func(t *testing.T) {
		_, err := NewPool(newTestMemory(t), 1, 64, 12, isaLimits)
		assert.ErrorIs(t, err, ErrAlignment)
	})

	t.Run("out of memory", func(t *testing.T) {
		m, err := NewHostMemory(64<<10, 0)
		require.NoError(t, err)
		defer m.Close()

		_, err = NewPool(m, 64, 1536, 8, isaLimits)
		assert.ErrorIs(t, err, ErrOutOfMemory)
	})
}

func TestPool_AllocFree(t *testing.T) {
	p, err := NewPool(newTestMemory(t), 3, 256, 16, isaLimits)
	require.NoError(t, err)

	a, err := p.Alloc()
	require.NoError(t, err)
	b, err := p.Alloc()
	require.NoError(t, err)
	c, err := p.Alloc()
	require.NoError(t, err)
	assert.NotEqual(t, a.Phys, b.Phys)
	assert.NotEqual(t, b.Phys, c.Phys)

	_, err = p.Alloc()
	assert.ErrorIs(t, err, ErrOutOfMemory)

	require.NoError(t, p.Free(b))
	assert.Equal(t, 1, p.Available())

	t.Run("double free leaves the bitmap intact", func(t *testing.T) {
		assert.ErrorIs(t, p.Free(b), ErrDoubleFree)
		assert.Equal(t, 1, p.Available())

		again, err := p.Alloc()
		require.NoError(t, err)
		assert.Equal(t, b.Phys, again.Phys, "lowest free slot is reused")
		assert.Zero(t, p.Available())
	})

	t.Run("stale handle after the slot was reused", func(t *testing.T) {
		q, err := NewPool(newTestMemory(t), 2, 256, 16, isaLimits)
		require.NoError(t, err)

		old, err := q.Alloc()
		require.NoError(t, err)
		require.NoError(t, q.Free(old))

		owner, err := q.Alloc()
		require.NoError(t, err)
		require.Equal(t, old.Phys, owner.Phys)

		assert.ErrorIs(t, q.Free(old), ErrDoubleFree)
		assert.Equal(t, 1, q.Available())

		next, err := q.Alloc()
		require.NoError(t, err)
		assert.NotEqual(t, owner.Phys, next.Phys, "a held slot is never handed out twice")

		require.NoError(t, q.Free(owner))
	})

	t.Run("foreign buffer", func(t *testing.T) {
		other, err := NewPool(newTestMemory(t), 1, 256, 16, isaLimits)
		require.NoError(t, err)
		ob, err := other.Alloc()
		require.NoError(t, err)
		assert.ErrorIs(t, p.Free(ob), ErrDoubleFree)
	})
}

func TestPool_ManySlots(t *testing.T) {
	p, err := NewPool(newTestMemory(t), 130, 64, 8, isaLimits)
	require.NoError(t, err)

	seen := map[Phys]bool{}
	for i := 0; i < 130; i++ {
		b, err := p.Alloc()
		require.NoError(t, err)
		assert.False(t, seen[b.Phys])
		seen[b.Phys] = true
	}
	_, err = p.Alloc()
	assert.ErrorIs(t, err, ErrOutOfMemory)
}
