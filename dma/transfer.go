package dma

import "fmt"

type transferKind uint8

const (
	kindZeroCopy transferKind = iota
	kindConsolidated
	kindFallback
)

// Transfer is a prepared transfer. It holds its pool buffer exclusively until
// Release.
type Transfer struct {
	ctx     *Context
	dir     Direction
	kind    transferKind
	sg      *SGList
	length  int
	buf     *Buffer
	scratch []byte
}

func (t *Transfer) Direction() Direction { return t.dir }
func (t *Transfer) Len() int             { return t.length }
func (t *Transfer) ZeroCopy() bool       { return t.kind == kindZeroCopy }
func (t *Transfer) Consolidated() bool   { return t.kind == kindConsolidated }
func (t *Transfer) Fallback() bool       { return t.kind == kindFallback }

// Fragments returns what the hardware is given: the caller fragments for zero
// copy transfers, otherwise the single consolidated buffer.
func (t *Transfer) Fragments() []Fragment {
	switch t.kind {
	case kindZeroCopy:
		frags := make([]Fragment, t.sg.Len())
		for i, e := range t.sg.Entries() {
			frags[i] = e.Fragment
		}
		return frags
	case kindConsolidated:
		return []Fragment{{Data: t.buf.Buf[:t.length], Phys: t.buf.Phys, Mapped: true}}
	default:
		return []Fragment{Bytes(t.scratch)}
	}
}

// Bytes returns the contiguous transfer data, or nil for a zero copy transfer
// of more than one fragment.
func (t *Transfer) Bytes() []byte {
	switch t.kind {
	case kindConsolidated:
		return t.buf.Buf[:t.length]
	case kindFallback:
		return t.scratch
	}
	if t.sg.Len() == 1 {
		return t.sg.Entries()[0].Data
	}
	return nil
}

// Complete finishes a receive transfer of n bytes, copying consolidated data
// back into the caller fragments. It returns the number of bytes delivered.
func (t *Transfer) Complete(n int) (int, error) {
	if n < 0 || n > t.length {
		return 0, fmt.Errorf("completed %d bytes into a %d byte transfer: %w", n, t.length, ErrBufferTooSmall)
	}
	if t.dir != FromDevice || t.kind == kindZeroCopy {
		return n, nil
	}
	return scatter(t.sg, t.Bytes()[:n]), nil
}

// Release hands the buffer back to its pool. A second Release, or one after
// the context was closed, returns ErrReleased.
func (t *Transfer) Release() error {
	return t.ctx.release(t)
}
