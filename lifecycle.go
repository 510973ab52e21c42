package etherlink

import (
	"errors"
	"fmt"
	"net"

	"github.com/slackhq/etherlink/detect"
	"github.com/slackhq/etherlink/dma"
	"github.com/slackhq/etherlink/regs"
	"github.com/slackhq/etherlink/timing"
)

// Init detects the adapter, resets it, programs its station address and MAC
// options, selects a datapath and enables interrupts. The device ends up
// Stopped. On failure it stays Uninitialized and every datapath operation
// returns ErrNotInitialized.
func (d *Device) Init() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != StateUninitialized {
		return fmt.Errorf("init from %s: %w", d.state, ErrInvalidState)
	}

	if err := d.init(); err != nil {
		d.releaseDMA()
		d.path = nil
		d.state = StateUninitialized
		return err
	}

	d.state = StateStopped
	d.l.WithField("model", d.detected.Model).
		WithField("capabilities", d.caps).
		WithField("datapath", d.path.name()).
		WithField("station", net.HardwareAddr(d.station[:])).
		Info("Adapter initialized")
	return nil
}

func (d *Device) init() error {
	det := detect.NewDetector(d.regs, d.clock, d.l)
	det.EEPROMTimeout = d.opts.Timeouts.EEPROM
	det.EEPROMPoll = d.opts.Timeouts.EEPROMPoll

	res, err := det.Detect(d.opts.Hints)
	if err != nil {
		return fmt.Errorf("detect: %w", err)
	}

	d.detected = res
	d.profile = res.Profile
	d.caps = res.Capabilities
	d.intMask = res.InterruptMask
	d.regs.SetPermanentWindow1(d.profile.PermanentWindow1)
	d.l = d.l.WithField("generation", d.profile.Generation)

	d.state = StateResetting
	if err := d.reset(); err != nil {
		return err
	}

	d.state = StateConfiguringWindows
	if d.station, err = d.readStation(det); err != nil {
		return fmt.Errorf("station address: %w", err)
	}
	d.programStation()
	d.applyMACOptions()
	d.configureMedia()

	d.state = StateSelectingDatapath
	d.selectDatapath()

	// Whatever the counters held before the reset is discarded, the read
	// only clears them.
	if d.profile.StatsWindow {
		_ = d.readStatsWindow()
	}

	d.regs.Command(regs.CmdSetStatusMask, d.intMask)
	d.regs.Command(regs.CmdSetIntrEnable, d.intMask)
	return nil
}

// reset issues a total reset and waits for the command to finish. The window
// tracking is invalidated because the adapter comes back in window 0.
func (d *Device) reset() error {
	d.regs.Command(regs.CmdTotalReset, 0)
	d.regs.Invalidate()

	t := d.opts.Timeouts
	ok := timing.Poll(d.clock, t.Reset, t.ResetPoll, func() bool {
		return d.regs.Status()&regs.StatusCmdInProgress == 0
	})
	if !ok {
		d.l.WithField("timeout", t.Reset).Warn("Adapter did not complete reset")
		return fmt.Errorf("total reset: %w", ErrHardwareTimeout)
	}
	return nil
}

// waitCommand waits for a command that sets the in-progress bit.
func (d *Device) waitCommand(cmd regs.Command, arg uint16) error {
	d.regs.Command(cmd, arg)
	ok := timing.Poll(d.clock, d.opts.Timeouts.Command, DefaultCommandPoll, func() bool {
		return d.regs.Status()&regs.StatusCmdInProgress == 0
	})
	if !ok {
		return fmt.Errorf("command %#04x: %w", uint16(cmd), ErrHardwareTimeout)
	}
	return nil
}

// readStation prefers the address the adapter loaded into window 2 and falls
// back to configuration memory when those registers are blank or invalid.
func (d *Device) readStation(det *detect.Detector) ([6]byte, error) {
	var addr [6]byte
	d.regs.SelectWindow(regs.WindowStation)
	for i := range addr {
		addr[i] = d.regs.Read8(regs.W2StationAddr + uint16(i))
	}

	if detect.ValidateStationAddress(addr) == nil {
		return addr, nil
	}

	addr, err := det.ReadStationAddress()
	if err != nil {
		d.l.WithError(err).Warn("Configuration memory holds no usable station address")
		return addr, err
	}
	return addr, nil
}

func (d *Device) programStation() {
	d.regs.SelectWindow(regs.WindowStation)
	for i, b := range d.station {
		d.regs.Write8(regs.W2StationAddr+uint16(i), b)
	}
}

// applyMACOptions enables the window 3 MAC features present in the
// capability set.
func (d *Device) applyMACOptions() {
	var mac uint16
	if d.caps.Has(detect.CapFullDuplex) {
		mac |= regs.MacFullDuplex
	}
	if d.caps.Has(detect.CapLargePackets) {
		mac |= regs.MacLargePackets
	}
	if d.caps.Has(detect.CapFlowControl) {
		mac |= regs.MacFlowControl
	}
	if mac == 0 {
		return
	}

	d.regs.SelectWindow(regs.WindowConfig)
	d.regs.Write16(regs.W3MacControl, d.regs.Read16(regs.W3MacControl)|mac)
}

// configureMedia enables link beat and jabber guard on the twisted pair
// transceiver of generations that negotiate their media. Models that lost
// the capability, such as fiber boards, keep the media register untouched.
func (d *Device) configureMedia() {
	if !d.profile.AutoNegotiation || !d.caps.Has(detect.CapAutoNegotiation) {
		return
	}

	d.regs.SelectWindow(regs.WindowMedia)
	d.regs.Write16(regs.W4Media, d.regs.Read16(regs.W4Media)|regs.Media10BaseT)
	d.link = d.regs.Read16(regs.W4Media)&regs.MediaLinkDetect != 0
	d.l.WithField("link", d.link).Debug("Media configured")
}

// selectDatapath brings up the bus master engine when the adapter has one.
// Any failure clears bus mastering for this instance only, counts the
// failure and continues with programmed I/O.
func (d *Device) selectDatapath() {
	if d.caps.Has(detect.CapBusMaster) {
		ctx, err := d.newDMAContext()
		if err == nil {
			d.dma = ctx
			d.path = &dmaPath{d: d}
			return
		}

		d.caps &^= detect.CapBusMaster
		d.intMask = detect.InterruptMask(d.caps)
		if !errors.Is(err, errDMADisabled) {
			d.dmaInitFailures.Inc(1)
			d.l.WithError(err).Warn("Bus master initialization failed, using programmed I/O")
		}
	}

	d.dma = dma.NewPIOContext(MaxFrameLen, d.opts.DMA.MaxFragments, d.dmaMetrics, d.l)
	d.path = &pioPath{d: d}
}

var errDMADisabled = errors.New("dma disabled by configuration")

func (d *Device) newDMAContext() (*dma.Context, error) {
	if d.opts.DisableDMA {
		return nil, errDMADisabled
	}
	if d.opts.Allocator == nil {
		return nil, ErrNoDMAMemory
	}
	return dma.NewContext(d.opts.Allocator, d.profile.DMA, d.opts.DMA, d.dmaMetrics, d.l)
}

func (d *Device) releaseDMA() {
	if d.dma == nil {
		return
	}
	if err := d.dma.Close(); err != nil {
		d.l.WithError(err).Warn("Failed to release dma pools")
	}
	d.dma = nil
}

// Start enables the receiver and transmitter, programs the receive filter and
// statistics, clears pending latches and enables interrupts.
func (d *Device) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.state {
	case StateStopped:
	case StateUninitialized, StateTornDown:
		return ErrNotInitialized
	default:
		return fmt.Errorf("start from %s: %w", d.state, ErrInvalidState)
	}

	d.regs.Command(regs.CmdRxEnable, 0)
	d.regs.Command(regs.CmdTxEnable, 0)
	d.regs.Command(regs.CmdSetRxFilter, d.filter.hardware())
	if d.profile.StatsWindow {
		d.regs.Command(regs.CmdStatsEnable, 0)
	}
	d.regs.Command(regs.CmdAckIntr, regs.StatusAckable)
	d.regs.Command(regs.CmdSetStatusMask, d.intMask)
	d.regs.Command(regs.CmdSetIntrEnable, d.intMask)

	// The operating window must be selected before the device counts as
	// running, a pinned generation skips the select afterwards.
	d.regs.SelectWindow(regs.WindowOperating)
	d.regs.SetRunning(true)

	d.state = StateRunning
	d.publish()
	d.l.WithField("filter", d.filter).Debug("Adapter started")
	return nil
}

// Stop disables interrupts, then the engines and statistics, and resets both
// engines.
func (d *Device) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.state {
	case StateRunning:
	case StateUninitialized, StateTornDown:
		return ErrNotInitialized
	default:
		return fmt.Errorf("stop from %s: %w", d.state, ErrInvalidState)
	}

	d.stop()
	return nil
}

func (d *Device) stop() {
	// Interrupts go first so a late interrupt never sees a half stopped
	// device.
	d.regs.Command(regs.CmdSetIntrEnable, 0)
	d.regs.Command(regs.CmdRxDisable, 0)
	d.regs.Command(regs.CmdTxDisable, 0)
	if d.profile.StatsWindow {
		d.regs.Command(regs.CmdStatsDisable, 0)
	}

	for _, cmd := range []regs.Command{regs.CmdTxReset, regs.CmdRxReset} {
		if err := d.waitCommand(cmd, 0); err != nil {
			d.l.WithError(err).Warn("Engine reset did not complete")
		}
	}

	d.regs.SetRunning(false)
	d.state = StateStopped
	d.l.Debug("Adapter stopped")
}

// Teardown shuts the adapter down and reclaims every dma buffer, including
// those of abandoned transfers. A torn down device cannot be used again.
func (d *Device) Teardown() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.state {
	case StateTornDown:
		return nil
	case StateRunning:
		d.stop()
	}

	if d.state == StateStopped {
		d.regs.Command(regs.CmdSetIntrEnable, 0)
		d.regs.Command(regs.CmdTxDisable, 0)
		d.regs.Command(regs.CmdRxDisable, 0)
		d.regs.Command(regs.CmdTotalReset, 0)
		d.regs.Invalidate()
	}

	d.releaseDMA()
	d.path = nil
	d.state = StateTornDown
	d.l.Info("Adapter torn down")
	return nil
}
