package dma

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// mapBacking maps anonymous memory outside the Go heap so the arena behaves
// like fixed physical memory.
func mapBacking(n int) ([]byte, func() error, error) {
	if n == 0 {
		return nil, func() error { return nil }, nil
	}

	b, err := unix.Mmap(-1, 0, n, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, nil, fmt.Errorf("mmap %d bytes: %w", n, err)
	}

	return b, func() error { return unix.Munmap(b) }, nil
}
