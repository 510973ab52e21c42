package regs

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Bus master list descriptors live in host memory, little endian:
//
//	+0  next descriptor bus address, 0 ends the list
//	+4  frame status, written back by the adapter
//	+8  fragment address
//	+12 fragment length, DescLastFrag on the final fragment
//	... further address/length pairs
const (
	DescHeaderSize   = 8
	DescFragmentSize = 8

	// DescLastFrag marks the final fragment of a descriptor.
	DescLastFrag uint32 = 1 << 31
	DescLenMask  uint32 = 0x1fff

	// DnComplete is set in a download descriptor's status once the frame
	// has been read from host memory.
	DnComplete uint32 = 1 << 16
	// DnIndicate requests DownComplete in the status register.
	DnIndicate uint32 = 1 << 31

	// UpComplete is set in an upload descriptor's status once a frame has
	// been written, with the frame length in the low bits.
	UpComplete uint32 = 1 << 15
	UpError    uint32 = 1 << 14
	UpLenMask  uint32 = 0x1fff
)

var ErrDescriptor = errors.New("malformed descriptor")

// Fragment is one address/length pair of a descriptor.
type Fragment struct {
	Addr uint32
	Len  uint32
}

// DescriptorSize is the number of bytes a descriptor with n fragments needs.
func DescriptorSize(n int) int {
	return DescHeaderSize + n*DescFragmentSize
}

// PutDescriptor encodes a descriptor into b and returns the encoded length. A
// fragment longer than DescLenMask is rejected, nothing is written then.
func PutDescriptor(b []byte, next, status uint32, frags []Fragment) (int, error) {
	n := DescriptorSize(len(frags))
	if len(frags) == 0 || len(b) < n {
		return 0, fmt.Errorf("%d fragments into %d bytes: %w", len(frags), len(b), ErrDescriptor)
	}

	for _, f := range frags {
		if f.Len > DescLenMask {
			return 0, fmt.Errorf("%d byte fragment: %w", f.Len, ErrDescriptor)
		}
	}

	binary.LittleEndian.PutUint32(b[0:], next)
	binary.LittleEndian.PutUint32(b[4:], status)
	for i, f := range frags {
		l := f.Len
		if i == len(frags)-1 {
			l |= DescLastFrag
		}
		off := DescHeaderSize + i*DescFragmentSize
		binary.LittleEndian.PutUint32(b[off:], f.Addr)
		binary.LittleEndian.PutUint32(b[off+4:], l)
	}
	return n, nil
}

// Descriptor is a decoded list entry.
type Descriptor struct {
	Next      uint32
	Status    uint32
	Fragments []Fragment
}

// ParseDescriptor decodes the descriptor at the start of b. It stops at the
// fragment carrying DescLastFrag.
func ParseDescriptor(b []byte) (Descriptor, error) {
	if len(b) < DescHeaderSize+DescFragmentSize {
		return Descriptor{}, fmt.Errorf("%d bytes: %w", len(b), ErrDescriptor)
	}

	d := Descriptor{
		Next:   binary.LittleEndian.Uint32(b[0:]),
		Status: binary.LittleEndian.Uint32(b[4:]),
	}
	for off := DescHeaderSize; off+DescFragmentSize <= len(b); off += DescFragmentSize {
		l := binary.LittleEndian.Uint32(b[off+4:])
		d.Fragments = append(d.Fragments, Fragment{
			Addr: binary.LittleEndian.Uint32(b[off:]),
			Len:  l & DescLenMask,
		})
		if l&DescLastFrag != 0 {
			return d, nil
		}
	}
	return Descriptor{}, fmt.Errorf("no final fragment: %w", ErrDescriptor)
}

// DescriptorStatus reads the status word of an encoded descriptor.
func DescriptorStatus(b []byte) uint32 {
	return binary.LittleEndian.Uint32(b[4:])
}

// SetDescriptorStatus writes the status word of an encoded descriptor.
func SetDescriptorStatus(b []byte, status uint32) {
	binary.LittleEndian.PutUint32(b[4:], status)
}
