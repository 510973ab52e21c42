package etherlink

import (
	"github.com/rcrowley/go-metrics"
	"github.com/slackhq/etherlink/regs"
)

// Stats are the accumulated counters of a device. Frame and byte counts are
// kept by the datapath, the error counters come from the adapter statistics
// window.
type Stats struct {
	TxFrames uint64
	TxBytes  uint64
	TxErrors uint64
	RxFrames uint64
	RxBytes  uint64
	RxErrors uint64

	Collisions     uint64
	LateCollisions uint64
	CarrierLost    uint64
	SQEErrors      uint64
	RxOverruns     uint64
	TxDeferrals    uint64

	HardwareErrors uint64
	Interrupts     uint64
}

// Statistics returns a snapshot of the counters.
func (d *Device) Statistics() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// UpdateStatistics drains the adapter statistics window into the device
// counters and publishes them. Generations without a statistics window only
// publish.
func (d *Device) UpdateStatistics() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.profile == nil || d.state == StateTornDown {
		return ErrNotInitialized
	}

	if d.profile.StatsWindow {
		d.updateStatistics()
	}
	d.publish()
	return nil
}

func (d *Device) updateStatistics() {
	running := d.state == StateRunning
	if running {
		d.regs.Command(regs.CmdStatsDisable, 0)
	}

	d.stats.addWindow(d.readStatsWindow())

	if running {
		d.regs.Command(regs.CmdStatsEnable, 0)
	}
}

// readStatsWindow reads every statistics register, which clears it, and
// selects the previous window again. A running device always goes back to
// the operating window, even when its generation normally keeps that window
// pinned, because the excursion moved the adapter away from it. Only the
// error counters of the returned Stats are set.
func (d *Device) readStatsWindow() Stats {
	prev := d.regs.Current()
	if d.state == StateRunning {
		prev = regs.WindowOperating
	}

	d.regs.SelectWindow(regs.WindowStats)
	r8 := func(off uint16) uint64 { return uint64(d.regs.Read8(off)) }

	var w Stats
	w.CarrierLost = r8(regs.W6CarrierLost)
	w.SQEErrors = r8(regs.W6SQEErrors)
	w.Collisions = r8(regs.W6MultipleColls) + r8(regs.W6SingleColls)
	w.LateCollisions = r8(regs.W6LateColls)
	w.RxOverruns = r8(regs.W6RxOverruns)
	w.TxDeferrals = r8(regs.W6TxDeferrals)

	// Frame and byte counters are counted in software. They are read only to
	// clear them so they never raise StatsFull.
	r8(regs.W6TxFrames)
	r8(regs.W6RxFrames)
	d.regs.Read16(regs.W6RxBytes)
	d.regs.Read16(regs.W6TxBytes)

	d.regs.RestoreWindow(prev)
	return w
}

func (s *Stats) addWindow(w Stats) {
	s.CarrierLost += w.CarrierLost
	s.SQEErrors += w.SQEErrors
	s.Collisions += w.Collisions
	s.LateCollisions += w.LateCollisions
	s.RxOverruns += w.RxOverruns
	s.TxDeferrals += w.TxDeferrals
}

func (d *Device) publish() {
	s := d.stats
	for name, v := range map[string]uint64{
		"tx.frames":       s.TxFrames,
		"tx.bytes":        s.TxBytes,
		"tx.errors":       s.TxErrors,
		"rx.frames":       s.RxFrames,
		"rx.bytes":        s.RxBytes,
		"rx.errors":       s.RxErrors,
		"rx.overruns":     s.RxOverruns,
		"collisions":      s.Collisions,
		"collisions.late": s.LateCollisions,
		"carrier_lost":    s.CarrierLost,
		"sqe_errors":      s.SQEErrors,
		"tx.deferrals":    s.TxDeferrals,
		"hardware_errors": s.HardwareErrors,
		"interrupts":      s.Interrupts,
	} {
		metrics.GetOrRegisterGauge(name, d.metrics).Update(int64(v))
	}
}
