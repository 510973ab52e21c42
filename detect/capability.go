package detect

import "strings"

// Capability is a set of hardware features of one adapter instance.
type Capability uint16

const (
	CapBusMaster Capability = 1 << iota
	CapFullDuplex
	CapLargePackets
	CapFlowControl
	CapAutoNegotiation
	CapHWChecksum
	CapVLAN
	CapWakeOnLAN
	CapPermanentWindow1
	CapStatsWindow
)

var capabilityNames = []struct {
	c    Capability
	name string
}{
	{CapBusMaster, "bus-master"},
	{CapFullDuplex, "full-duplex"},
	{CapLargePackets, "large-packets"},
	{CapFlowControl, "flow-control"},
	{CapAutoNegotiation, "auto-negotiation"},
	{CapHWChecksum, "hw-checksum"},
	{CapVLAN, "vlan"},
	{CapWakeOnLAN, "wake-on-lan"},
	{CapPermanentWindow1, "permanent-window-1"},
	{CapStatsWindow, "stats-window"},
}

// Has reports whether every bit of x is present in c.
func (c Capability) Has(x Capability) bool {
	return c&x == x
}

func (c Capability) String() string {
	if c == 0 {
		return "none"
	}

	var parts []string
	for _, n := range capabilityNames {
		if c&n.c != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}
