package etherlink

import (
	"fmt"
	"strings"

	"github.com/slackhq/etherlink/regs"
)

// RxFilter selects which destination addresses the receiver accepts. Modes
// combine.
type RxFilter uint8

const (
	FilterStation RxFilter = 1 << iota
	FilterBroadcast
	FilterMulticast
	FilterAllMulticast
	FilterPromiscuous
)

// DefaultFilter accepts frames for the station address and broadcasts.
const DefaultFilter = FilterStation | FilterBroadcast

var filterNames = []struct {
	f    RxFilter
	name string
}{
	{FilterStation, "station"},
	{FilterBroadcast, "broadcast"},
	{FilterMulticast, "multicast"},
	{FilterAllMulticast, "allmulti"},
	{FilterPromiscuous, "promiscuous"},
}

func (f RxFilter) String() string {
	if f == 0 {
		return "none"
	}

	var names []string
	for _, n := range filterNames {
		if f&n.f != 0 {
			names = append(names, n.name)
		}
	}
	return strings.Join(names, "|")
}

// ParseRxFilter combines filter mode names. An empty list yields
// DefaultFilter.
func ParseRxFilter(modes []string) (RxFilter, error) {
	if len(modes) == 0 {
		return DefaultFilter, nil
	}

	var f RxFilter
	for _, m := range modes {
		found := false
		for _, n := range filterNames {
			if strings.EqualFold(strings.TrimSpace(m), n.name) {
				f |= n.f
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown receive filter mode %q", m)
		}
	}
	return f, nil
}

// hardware maps the filter onto the SetRxFilter argument. The adapter has no
// multicast hash, so both multicast modes accept every group address.
func (f RxFilter) hardware() uint16 {
	var v uint16
	if f&FilterStation != 0 {
		v |= regs.FilterStation
	}
	if f&FilterBroadcast != 0 {
		v |= regs.FilterBroadcast
	}
	if f&(FilterMulticast|FilterAllMulticast) != 0 {
		v |= regs.FilterMulticast
	}
	if f&FilterPromiscuous != 0 {
		v |= regs.FilterPromiscuous
	}
	return v
}

// SetReceiveFilter records f and programs it immediately when the device is
// running. A stopped device applies it on the next Start.
func (d *Device) SetReceiveFilter(f RxFilter) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state == StateTornDown {
		return ErrNotInitialized
	}

	d.filter = f
	if d.state == StateRunning {
		d.regs.Command(regs.CmdSetRxFilter, f.hardware())
	}
	return nil
}

func (d *Device) ReceiveFilter() RxFilter {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.filter
}
