//go:build !linux

package regs

import "errors"

// PortBus is only available on linux.
type PortBus struct{}

func OpenPortBus(path string) (*PortBus, error) {
	return nil, errors.New("port I/O is not supported on this platform")
}

func (p *PortBus) Close() error                { return nil }
func (p *PortBus) In8(port uint16) uint8       { return 0xff }
func (p *PortBus) In16(port uint16) uint16     { return 0xffff }
func (p *PortBus) In32(port uint16) uint32     { return 0xffffffff }
func (p *PortBus) Out8(port uint16, v uint8)   {}
func (p *PortBus) Out16(port uint16, v uint16) {}
func (p *PortBus) Out32(port uint16, v uint32) {}
