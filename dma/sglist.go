package dma

import "fmt"

// Fragment is one piece of a transfer. Phys is only meaningful when Mapped;
// ordinary Go memory has no bus address and is always consolidated.
type Fragment struct {
	Data   []byte
	Phys   Phys
	Mapped bool
}

// Bytes wraps b as an unmapped fragment.
func Bytes(b []byte) Fragment {
	return Fragment{Data: b}
}

// Role marks the position of an entry in a list.
type Role uint8

const (
	RoleFirst Role = 1 << iota
	RoleLast

	RoleMiddle Role = 0
	RoleSingle      = RoleFirst | RoleLast
)

type Entry struct {
	Fragment
	Role Role
}

// SGList is the ordered fragment list of one transfer.
type SGList struct {
	entries      []Entry
	total        int
	capacity     int
	consolidated bool
}

// NewSGList returns an empty list holding at most capacity fragments.
func NewSGList(capacity int) *SGList {
	return &SGList{entries: make([]Entry, 0, capacity), capacity: capacity}
}

// Add appends f and updates the roles of the first and last entries.
func (s *SGList) Add(f Fragment) error {
	if len(s.entries) >= s.capacity {
		return fmt.Errorf("list holds %d fragments: %w", s.capacity, ErrTooManyFragments)
	}

	n := len(s.entries)
	if n > 0 {
		s.entries[n-1].Role &^= RoleLast
	}

	role := RoleLast
	if n == 0 {
		role = RoleSingle
	}
	s.entries = append(s.entries, Entry{Fragment: f, Role: role})
	s.total += len(f.Data)
	return nil
}

func (s *SGList) Entries() []Entry   { return s.entries }
func (s *SGList) Len() int           { return len(s.entries) }
func (s *SGList) Total() int         { return s.total }
func (s *SGList) Capacity() int      { return s.capacity }
func (s *SGList) Consolidated() bool { return s.consolidated }

// Consolidate copies every fragment of sg into dst in order and returns the
// number of bytes copied. The capacity of dst is checked before anything is
// copied.
func Consolidate(sg *SGList, dst []byte) (int, error) {
	if sg.total > len(dst) {
		return 0, fmt.Errorf("need %d bytes, have %d: %w", sg.total, len(dst), ErrBufferTooSmall)
	}

	n := 0
	for _, e := range sg.entries {
		n += copy(dst[n:], e.Data)
	}
	sg.consolidated = true
	return n, nil
}

// scatter is the reverse of Consolidate, used to complete receive transfers.
func scatter(sg *SGList, src []byte) int {
	n := 0
	for _, e := range sg.entries {
		if n >= len(src) {
			break
		}
		n += copy(e.Data, src[n:])
	}
	return n
}
