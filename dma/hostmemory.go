package dma

import (
	"fmt"
	"sort"
	"sync"
)

// ExtendedBase is the bus address of the first byte of extended memory.
const ExtendedBase = ConventionalLimit

// conventionalReserved is the low memory holding the interrupt vectors and the
// BIOS data area. It is never handed out.
const conventionalReserved = 0x1000

// HostMemory models the host's physical memory: a conventional arena below
// 1MB and an extended arena above it. It is the Allocator and Translator of
// the drivers and gives simulated hardware access to bus addresses.
type HostMemory struct {
	mu sync.Mutex

	conv *arena
	ext  *arena

	handles    map[uint16]Phys
	nextHandle uint16

	release func() error
}

var (
	_ Allocator  = (*HostMemory)(nil)
	_ Translator = (*HostMemory)(nil)
)

// NewHostMemory maps conventional bytes at bus address 0 and extended bytes at
// ExtendedBase.
func NewHostMemory(conventional, extended int) (*HostMemory, error) {
	if conventional < 0 || Phys(conventional) > ConventionalLimit {
		return nil, fmt.Errorf("conventional memory size %d outside [0, %d]", conventional, ConventionalLimit)
	}
	if extended < 0 {
		return nil, fmt.Errorf("extended memory size %d is negative", extended)
	}

	backing, release, err := mapBacking(conventional + extended)
	if err != nil {
		return nil, fmt.Errorf("map host memory: %w", err)
	}

	reserved := 0
	if conventional > conventionalReserved {
		reserved = conventionalReserved
	}

	return &HostMemory{
		conv:       newArena(0, backing[:conventional:conventional], reserved),
		ext:        newArena(ExtendedBase, backing[conventional:], 0),
		handles:    map[uint16]Phys{},
		nextHandle: 1,
		release:    release,
	}, nil
}

// Allocate prefers conventional memory and falls back to extended memory.
func (m *HostMemory) Allocate(size, align int, ceiling Phys) (Region, error) {
	if size <= 0 {
		return Region{}, fmt.Errorf("allocate %d bytes: %w", size, ErrOutOfMemory)
	}
	if !isPow2(align) {
		return Region{}, fmt.Errorf("allocate with alignment %d: %w", align, ErrAlignment)
	}
	if ceiling == 0 {
		ceiling = fullCeiling
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.conv.allocate(size, align, ceiling); ok {
		return r, nil
	}

	r, ok := m.ext.allocate(size, align, ceiling)
	if !ok {
		return Region{}, fmt.Errorf("allocate %d bytes below %#x: %w", size, ceiling, ErrOutOfMemory)
	}

	r.Handle = m.nextHandle
	m.handles[r.Handle] = r.Phys
	m.nextHandle++
	return r, nil
}

func (m *HostMemory) Release(r Region) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a := m.conv
	if r.Phys >= ExtendedBase {
		a = m.ext
	}
	if !a.release(r.Phys) {
		return fmt.Errorf("release region at %#x: %w", r.Phys, ErrDoubleFree)
	}
	if r.Handle != 0 {
		delete(m.handles, r.Handle)
	}
	return nil
}

func (m *HostMemory) VirtToPhys(p FarPtr) Phys {
	return Phys(p.Seg())<<4 + Phys(p.Off())
}

func (m *HostMemory) ExtendedToPhys(handle uint16, off uint32) (Phys, error) {
	m.mu.Lock()
	base, ok := m.handles[handle]
	m.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("extended handle %d: %w", handle, ErrUnmappable)
	}
	return base + Phys(off), nil
}

func (m *HostMemory) PhysToVirt(p Phys) (FarPtr, error) {
	if p >= ConventionalLimit {
		return 0, fmt.Errorf("%#x: %w", p, ErrUnmappable)
	}
	return MakeFarPtr(uint16(p>>4), uint16(p&0xf)), nil
}

// Resolve returns the host bytes backing [p, p+n).
func (m *HostMemory) Resolve(p Phys, n int) ([]byte, error) {
	for _, a := range []*arena{m.conv, m.ext} {
		if b, ok := a.slice(p, n); ok {
			return b, nil
		}
	}
	return nil, fmt.Errorf("%d bytes at %#x: %w", n, p, ErrUnmappable)
}

// FragmentAt builds a mapped fragment from a segmented pointer.
func (m *HostMemory) FragmentAt(p FarPtr, n int) (Fragment, error) {
	phys := m.VirtToPhys(p)
	b, err := m.Resolve(phys, n)
	if err != nil {
		return Fragment{}, err
	}
	return Fragment{Data: b, Phys: phys, Mapped: true}, nil
}

// Close unmaps the backing storage. Regions must not be used afterwards.
func (m *HostMemory) Close() error {
	if m.release == nil {
		return nil
	}
	err := m.release()
	m.release = nil
	return err
}

type span struct {
	start, end Phys
}

// arena is a first-fit allocator over one contiguous bus range.
type arena struct {
	base  Phys
	mem   []byte
	low   Phys
	spans []span
}

func newArena(base Phys, mem []byte, reserved int) *arena {
	return &arena{base: base, mem: mem, low: base + Phys(reserved)}
}

func (a *arena) end() Phys { return a.base + Phys(len(a.mem)) }

func (a *arena) allocate(size, align int, ceiling Phys) (Region, bool) {
	limit := a.end()
	if ceiling < limit {
		limit = ceiling
	}

	cursor := a.low
	for i := 0; i <= len(a.spans); i++ {
		gapEnd := limit
		if i < len(a.spans) {
			gapEnd = min(a.spans[i].start, limit)
		}

		start := alignUp(cursor, Phys(align))
		if start+Phys(size) <= gapEnd {
			s := span{start: start, end: start + Phys(size)}
			a.spans = append(a.spans, span{})
			copy(a.spans[i+1:], a.spans[i:])
			a.spans[i] = s
			return Region{Buf: a.mem[start-a.base : s.end-a.base : s.end-a.base], Phys: start}, true
		}

		if i < len(a.spans) {
			cursor = a.spans[i].end
		}
	}
	return Region{}, false
}

func (a *arena) release(start Phys) bool {
	i := sort.Search(len(a.spans), func(i int) bool { return a.spans[i].start >= start })
	if i == len(a.spans) || a.spans[i].start != start {
		return false
	}
	a.spans = append(a.spans[:i], a.spans[i+1:]...)
	return true
}

func (a *arena) slice(p Phys, n int) ([]byte, bool) {
	if n < 0 || p < a.base || p+Phys(n) > a.end() {
		return nil, false
	}
	off := p - a.base
	return a.mem[off : off+Phys(n)], true
}
