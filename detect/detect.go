package detect

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/etherlink/regs"
	"github.com/slackhq/etherlink/timing"
)

var (
	ErrNoDevice       = errors.New("no adapter responded")
	ErrTimeout        = errors.New("configuration memory read timed out")
	ErrInvalidAddress = errors.New("invalid station address")
)

const (
	DefaultEEPROMTimeout = 10 * time.Millisecond
	DefaultEEPROMPoll    = 162 * time.Microsecond
)

// BaseInterruptMask is enabled on every adapter.
const BaseInterruptMask = regs.StatusIntLatch | regs.StatusAdapterFailure | regs.StatusTxComplete |
	regs.StatusRxComplete | regs.StatusStatsFull

// InterruptMask derives the interrupt enable mask for a capability set.
func InterruptMask(c Capability) uint16 {
	m := uint16(BaseInterruptMask)
	if c.Has(CapBusMaster) {
		m |= regs.StatusDMADone
	}
	return m
}

// Hints carries what the bus layer knows about an adapter before probing it.
type Hints struct {
	// BusID is the PCI or CardBus device id, zero for ISA adapters.
	BusID uint16
	// BusImpliesMaster forces bus mastering on, for packaged bus cards whose
	// configuration memory under-reports it.
	BusImpliesMaster bool
}

// Result is the outcome of a detection.
type Result struct {
	Generation   Generation
	Profile      *Profile
	Model        string
	ProductID    uint16
	Capabilities Capability

	// InterruptMask is derived from Capabilities. Recompute it with
	// InterruptMask if the capabilities change.
	InterruptMask uint16

	CapabilityWord uint16
	InternalConfig uint16
}

// Detector identifies one adapter through its register file.
type Detector struct {
	regs  *regs.Registers
	clock timing.Clock
	l     logrus.FieldLogger

	EEPROMTimeout time.Duration
	EEPROMPoll    time.Duration
}

func NewDetector(r *regs.Registers, clock timing.Clock, l logrus.FieldLogger) *Detector {
	return &Detector{
		regs:          r,
		clock:         clock,
		l:             l,
		EEPROMTimeout: DefaultEEPROMTimeout,
		EEPROMPoll:    DefaultEEPROMPoll,
	}
}

// ReadEEPROM reads one 16-bit word of configuration memory. Leaves the
// register file in window 0.
func (d *Detector) ReadEEPROM(word uint8) (uint16, error) {
	d.regs.SelectWindow(regs.WindowSetup)
	d.regs.Write16(regs.W0EEPROMCommand, regs.EEPROMRead|uint16(word&regs.EEPROMWordMask))

	ready := timing.Poll(d.clock, d.EEPROMTimeout, d.EEPROMPoll, func() bool {
		return d.regs.Read16(regs.W0EEPROMCommand)&regs.EEPROMBusy == 0
	})
	if !ready {
		return 0, fmt.Errorf("word %#02x: %w", word, ErrTimeout)
	}

	return d.regs.Read16(regs.W0EEPROMData), nil
}

// Detect identifies the adapter and resolves its capabilities. A bus id, when
// given and known, takes precedence over the configuration memory product id.
// Unknown ids yield the unknown generation rather than an error.
func (d *Detector) Detect(h Hints) (*Result, error) {
	pid, err := d.ReadEEPROM(regs.EEPROMProductID)
	if err != nil {
		// A floating bus reads all ones, so the busy bit never clears.
		if errors.Is(err, ErrTimeout) && d.regs.Read16(regs.W0EEPROMCommand) == 0xffff {
			return nil, ErrNoDevice
		}
		return nil, err
	}

	if pid == 0x0000 || pid == 0xffff {
		return nil, ErrNoDevice
	}

	m, ok := model{}, false
	if h.BusID != 0 {
		m, ok = lookupBusID(h.BusID)
	}
	if !ok {
		m, ok = lookupProductID(pid)
	}
	if !ok {
		m = model{id: pid, name: fmt.Sprintf("unknown %#04x", pid), generation: GenerationUnknown}
		d.l.WithField("productID", fmt.Sprintf("%#04x", pid)).
			WithField("busID", fmt.Sprintf("%#04x", h.BusID)).
			Warn("Unrecognized adapter, using the lowest capability profile")
	}

	p := ProfileFor(m.generation)
	res := &Result{
		Generation:   p.Generation,
		Profile:      p,
		Model:        m.name,
		ProductID:    pid,
		Capabilities: (p.Capabilities | m.add) &^ m.remove,
	}

	if p.Generation != GenerationUnknown {
		if res.CapabilityWord, err = d.ReadEEPROM(regs.EEPROMCapabilities); err != nil {
			return nil, err
		}
		if res.InternalConfig, err = d.ReadEEPROM(regs.EEPROMInternalConfig); err != nil {
			return nil, err
		}

		if res.CapabilityWord&regs.EEPROMCapBusMaster != 0 {
			res.Capabilities |= CapBusMaster
		}
		if res.CapabilityWord&regs.EEPROMCapFullDuplex != 0 {
			res.Capabilities |= CapFullDuplex
		}
		if res.InternalConfig&regs.InternalConfigLargePackets != 0 {
			res.Capabilities |= CapLargePackets
		}
	}

	if p.Generation == GenerationCorkscrew || h.BusImpliesMaster {
		res.Capabilities |= CapBusMaster
	}

	res.InterruptMask = InterruptMask(res.Capabilities)

	d.l.WithField("model", res.Model).
		WithField("generation", res.Generation).
		WithField("capabilities", res.Capabilities).
		Debug("Adapter detected")

	return res, nil
}

// ReadStationAddress reads the factory station address from configuration
// memory. Each word holds two address bytes, high byte first.
func (d *Detector) ReadStationAddress() ([6]byte, error) {
	var addr [6]byte
	for i := 0; i < 3; i++ {
		w, err := d.ReadEEPROM(uint8(regs.EEPROMStationAddr + i))
		if err != nil {
			return addr, err
		}
		addr[i*2] = byte(w >> 8)
		addr[i*2+1] = byte(w)
	}

	if err := ValidateStationAddress(addr); err != nil {
		return addr, err
	}
	return addr, nil
}

// ValidateStationAddress rejects multicast and all-zero addresses.
func ValidateStationAddress(addr [6]byte) error {
	if addr[0]&0x01 != 0 {
		return fmt.Errorf("%x: multicast bit set: %w", addr[:], ErrInvalidAddress)
	}
	if addr == [6]byte{} {
		return fmt.Errorf("all zero: %w", ErrInvalidAddress)
	}
	return nil
}
