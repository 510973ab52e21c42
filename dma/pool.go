package dma

import (
	"fmt"
	"math/bits"
	"sync"
)

// Pool is a fixed set of equally sized buffers carved out of one backing
// region. Every slot is validated against the limits when the pool is built,
// so Alloc never hands out a buffer the hardware cannot reach in one transfer.
type Pool struct {
	mu sync.Mutex

	alloc  Allocator
	region Region
	limits Limits
	size   int

	// slots holds the offset of every buffer inside region.
	slots []Phys
	// used has one bit per slot, set while the slot is held by a Buffer.
	used []uint64
	// owners is the Buffer holding each slot, nil when the slot is free.
	owners []*Buffer
	free   int
}

// Buffer is exclusive access to one pool slot until it is passed to Free.
type Buffer struct {
	pool  *Pool
	index int
	Region
}

// NewPool allocates count buffers of size bytes, each aligned to align and
// each satisfying limits. When the packed layout puts a slot across a
// boundary the allocation is retried once with a boundary aligned base and
// slots moved past every boundary they would cross. A pool that still cannot
// be validated is not returned.
func NewPool(alloc Allocator, count, size, align int, limits Limits) (*Pool, error) {
	if count <= 0 || size <= 0 {
		return nil, fmt.Errorf("pool of %d x %d bytes: %w", count, size, ErrOutOfMemory)
	}
	if !isPow2(align) {
		return nil, fmt.Errorf("pool alignment %d: %w", align, ErrAlignment)
	}
	if limits.Alignment > align {
		align = limits.Alignment
	}

	stride := alignUp(Phys(size), Phys(align))
	if limits.Boundary != 0 && stride > limits.Boundary {
		return nil, fmt.Errorf("buffer stride %d exceeds the %#x byte transfer boundary: %w",
			stride, limits.Boundary, ErrMappingFailed)
	}

	p := &Pool{alloc: alloc, limits: limits, size: size}

	err := p.place(packedLayout(count, stride), stride, align)
	if err != nil && limits.Boundary != 0 {
		err = p.place(boundaryLayout(count, stride, limits.Boundary), stride, int(max(Phys(align), limits.Boundary)))
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func packedLayout(count int, stride Phys) []Phys {
	slots := make([]Phys, count)
	for i := range slots {
		slots[i] = Phys(i) * stride
	}
	return slots
}

// boundaryLayout places slots so none crosses a multiple of boundary,
// assuming a boundary aligned base.
func boundaryLayout(count int, stride, boundary Phys) []Phys {
	slots := make([]Phys, count)
	var off Phys
	for i := range slots {
		if off/boundary != (off+stride-1)/boundary {
			off = alignUp(off, boundary)
		}
		slots[i] = off
		off += stride
	}
	return slots
}

// place allocates a region for slots and validates every slot. The region is
// released again when validation fails.
func (p *Pool) place(slots []Phys, stride Phys, align int) error {
	total := slots[len(slots)-1] + stride

	r, err := p.alloc.Allocate(int(total), align, p.limits.MaxAddress)
	if err != nil {
		return fmt.Errorf("allocate pool backing: %w", err)
	}
	if len(r.Buf) < int(total) {
		_ = p.alloc.Release(r)
		return fmt.Errorf("allocator returned %d of %d bytes: %w", len(r.Buf), total, ErrMappingFailed)
	}

	for i, off := range slots {
		if !p.limits.Fits(r.Phys+off, p.size) {
			_ = p.alloc.Release(r)
			return fmt.Errorf("slot %d at %#x violates %v: %w", i, r.Phys+off, p.limits, ErrMappingFailed)
		}
	}

	p.region = r
	p.slots = slots
	p.used = make([]uint64, (len(slots)+63)/64)
	p.owners = make([]*Buffer, len(slots))
	p.free = len(slots)
	return nil
}

// Alloc returns the lowest free buffer.
func (p *Pool) Alloc() (*Buffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.free == 0 {
		return nil, fmt.Errorf("all %d buffers in use: %w", len(p.slots), ErrOutOfMemory)
	}

	for w, word := range p.used {
		if word == ^uint64(0) {
			continue
		}

		i := w*64 + bits.TrailingZeros64(^word)
		if i >= len(p.slots) {
			break
		}

		b := &Buffer{pool: p, index: i, Region: p.slot(i)}
		p.used[w] |= 1 << (i % 64)
		p.owners[i] = b
		p.free--
		return b, nil
	}

	panic("pool free count is positive but the bitmap is full")
}

// Free returns b to the pool. Freeing a buffer that does not hold its slot,
// including a stale handle whose slot has since been handed out again, fails
// with ErrDoubleFree and leaves the pool unchanged.
func (p *Pool) Free(b *Buffer) error {
	if b == nil || b.pool != p {
		return fmt.Errorf("buffer does not belong to this pool: %w", ErrDoubleFree)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if b.index >= len(p.owners) || p.owners[b.index] != b {
		return fmt.Errorf("buffer %d: %w", b.index, ErrDoubleFree)
	}

	p.used[b.index/64] &^= uint64(1) << (b.index % 64)
	p.owners[b.index] = nil
	p.free++
	return nil
}

func (p *Pool) slot(i int) Region {
	off := p.slots[i]
	return Region{
		Buf:    p.region.Buf[off : off+Phys(p.size) : off+Phys(p.size)],
		Phys:   p.region.Phys + off,
		Handle: p.region.Handle,
	}
}

// Slot returns the region of buffer i whether or not it is allocated.
func (p *Pool) Slot(i int) Region { return p.slot(i) }

func (p *Pool) Len() int        { return len(p.slots) }
func (p *Pool) BufferSize() int { return p.size }

// Available is the number of free buffers.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.free
}

// reset marks every buffer free, abandoning outstanding Buffers.
func (p *Pool) reset() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.slots) - p.free
	clear(p.used)
	clear(p.owners)
	p.free = len(p.slots)
	return n
}

// Close releases the backing region. The pool must not be used afterwards.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.region.Buf == nil {
		return nil
	}
	err := p.alloc.Release(p.region)
	p.region = Region{}
	p.slots = nil
	p.owners = nil
	p.free = 0
	return err
}
