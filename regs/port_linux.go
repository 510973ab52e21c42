//go:build linux

package regs

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// PortBus reaches the host I/O space through /dev/port. The kernel performs one
// byte access per byte transferred, so wide accesses are split into byte
// accesses in ascending port order. Requires CAP_SYS_RAWIO.
type PortBus struct {
	fd int
}

func OpenPortBus(path string) (*PortBus, error) {
	if path == "" {
		path = "/dev/port"
	}

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	return &PortBus{fd: fd}, nil
}

func (p *PortBus) Close() error {
	return unix.Close(p.fd)
}

func (p *PortBus) read(port uint16, b []byte) {
	// A failed read leaves b as all ones, which is what a floating ISA bus
	// returns.
	if n, err := unix.Pread(p.fd, b, int64(port)); err != nil || n != len(b) {
		for i := range b {
			b[i] = 0xff
		}
	}
}

func (p *PortBus) write(port uint16, b []byte) {
	_, _ = unix.Pwrite(p.fd, b, int64(port))
}

func (p *PortBus) In8(port uint16) uint8 {
	var b [1]byte
	p.read(port, b[:])
	return b[0]
}

func (p *PortBus) In16(port uint16) uint16 {
	var b [2]byte
	p.read(port, b[:])
	return binary.LittleEndian.Uint16(b[:])
}

func (p *PortBus) In32(port uint16) uint32 {
	var b [4]byte
	p.read(port, b[:])
	return binary.LittleEndian.Uint32(b[:])
}

func (p *PortBus) Out8(port uint16, v uint8) {
	p.write(port, []byte{v})
}

func (p *PortBus) Out16(port uint16, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	p.write(port, b[:])
}

func (p *PortBus) Out32(port uint16, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	p.write(port, b[:])
}
