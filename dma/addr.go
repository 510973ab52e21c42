package dma

import "fmt"

// Phys is a physical bus address.
type Phys uint64

// ConventionalLimit is the end of the real-mode addressable range. Only
// addresses below it have a segmented form.
const ConventionalLimit Phys = 1 << 20

// fullCeiling is the ceiling used when Limits.MaxAddress is zero.
const fullCeiling Phys = 1 << 32

// FarPtr is a real-mode segment:offset pointer packed as seg<<16 | off.
type FarPtr uint32

func MakeFarPtr(seg, off uint16) FarPtr {
	return FarPtr(uint32(seg)<<16 | uint32(off))
}

func (p FarPtr) Seg() uint16 { return uint16(p >> 16) }
func (p FarPtr) Off() uint16 { return uint16(p) }

func (p FarPtr) String() string {
	return fmt.Sprintf("%04x:%04x", p.Seg(), p.Off())
}

// Translator maps between the host's addressing forms and bus addresses.
type Translator interface {
	// VirtToPhys always succeeds. Pointers past the 1MB line (seg 0xffff) map
	// into the first 64KB of extended memory, as with the A20 line enabled.
	VirtToPhys(p FarPtr) Phys

	// ExtendedToPhys resolves an offset inside an extended memory block.
	ExtendedToPhys(handle uint16, off uint32) (Phys, error)

	// PhysToVirt returns the normalized pointer for p. Addresses at or above
	// ConventionalLimit return ErrUnmappable.
	PhysToVirt(p Phys) (FarPtr, error)
}

// Limits are the transfer constraints of one bus master engine.
type Limits struct {
	// MaxAddress is the exclusive ceiling of reachable memory, zero for the
	// full 32 bit range.
	MaxAddress Phys

	// Boundary is the size of the aligned windows a single transfer must stay
	// inside, zero when the hardware has no such restriction.
	Boundary Phys

	// Alignment is the minimum alignment of a buffer handed to the hardware.
	Alignment int

	MaxTransfer   int
	MaxFragments  int
	ScatterGather bool
}

// Capable reports whether the limits describe a usable engine.
func (l Limits) Capable() bool {
	return l.MaxTransfer > 0 && l.MaxFragments > 0 && isPow2(l.Alignment)
}

func (l Limits) ceiling() Phys {
	if l.MaxAddress == 0 {
		return fullCeiling
	}
	return l.MaxAddress
}

// Straddles reports whether [p, p+n) crosses a Boundary multiple.
func (l Limits) Straddles(p Phys, n int) bool {
	if l.Boundary == 0 || n <= 0 {
		return false
	}
	return p/l.Boundary != (p+Phys(n)-1)/l.Boundary
}

// Fits reports whether the hardware can access [p, p+n) directly.
func (l Limits) Fits(p Phys, n int) bool {
	if l.Alignment > 1 && p%Phys(l.Alignment) != 0 {
		return false
	}
	if p+Phys(n) > l.ceiling() {
		return false
	}
	return !l.Straddles(p, n)
}

func (l Limits) String() string {
	return fmt.Sprintf("ceiling=%#x boundary=%#x align=%d max=%d frags=%d sg=%v",
		l.ceiling(), l.Boundary, l.Alignment, l.MaxTransfer, l.MaxFragments, l.ScatterGather)
}

func isPow2(n int) bool {
	return n > 0 && n&(n-1) == 0
}

func alignUp(n, align Phys) Phys {
	if align <= 1 {
		return n
	}
	return (n + align - 1) &^ (align - 1)
}

// Region is a block of host memory with a known bus address.
type Region struct {
	Buf  []byte
	Phys Phys
	// Handle identifies the extended memory block, zero for conventional
	// memory.
	Handle uint16
}

func (r Region) Len() int { return len(r.Buf) }

// End is the first bus address past the region.
func (r Region) End() Phys { return r.Phys + Phys(len(r.Buf)) }

// Fragment returns the bus mapped fragment for r.
func (r Region) Fragment() Fragment {
	return Fragment{Data: r.Buf, Phys: r.Phys, Mapped: true}
}

// Allocator provides backing storage for pools. Implementations must report
// failure rather than return memory above ceiling.
type Allocator interface {
	// Allocate returns size bytes aligned to align that end at or below
	// ceiling. A zero ceiling means no restriction.
	Allocate(size, align int, ceiling Phys) (Region, error)
	Release(r Region) error
}
