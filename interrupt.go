package etherlink

import (
	"fmt"

	"github.com/slackhq/etherlink/regs"
)

// HandleInterrupt services one interrupt. It reports whether the adapter
// raised it, so a shared line can be passed on.
//
// An adapter failure is counted and, on a running device, both engines are
// reset and enabled again. A full statistics window is drained, completed
// transmit status is popped and every latched event is acknowledged.
func (d *Device) HandleInterrupt() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.initialized() {
		return false
	}

	st := d.regs.Status()
	if st == 0xffff || st&regs.StatusIntLatch == 0 {
		return false
	}
	d.stats.Interrupts++

	if st&regs.StatusAdapterFailure != 0 {
		d.stats.HardwareErrors++
		d.l.WithField("status", st).Warn("Adapter failure")
		if d.state == StateRunning {
			if err := d.recoverEngines(); err != nil {
				d.l.WithError(err).Error("Engines did not recover from adapter failure")
			}
		}
	}

	if st&regs.StatusStatsFull != 0 && d.profile.StatsWindow {
		d.updateStatistics()
	}

	if st&regs.StatusTxComplete != 0 {
		d.regs.SelectWindow(regs.WindowOperating)
		if err := d.drainTxStatus(); err != nil {
			d.stats.TxErrors++
			d.l.WithError(err).Debug("Transmit error")
		}
	}

	d.regs.Command(regs.CmdAckIntr, st&regs.StatusAckable)
	return true
}

// recoverEngines resets both engines and restores what Start programmed. The
// diagnostics register confirms both came back.
func (d *Device) recoverEngines() error {
	for _, cmd := range []regs.Command{regs.CmdTxReset, regs.CmdRxReset} {
		if err := d.waitCommand(cmd, 0); err != nil {
			return err
		}
	}

	d.regs.Command(regs.CmdRxEnable, 0)
	d.regs.Command(regs.CmdTxEnable, 0)
	d.regs.Command(regs.CmdSetRxFilter, d.filter.hardware())
	d.regs.Command(regs.CmdSetStatusMask, d.intMask)
	d.regs.Command(regs.CmdSetIntrEnable, d.intMask)

	d.regs.SelectWindow(regs.WindowMedia)
	diag := d.regs.Read16(regs.W4NetDiag)
	d.regs.RestoreWindow(regs.WindowOperating)

	if want := regs.NetDiagRxEnabled | regs.NetDiagTxEnabled; diag&want != want {
		return fmt.Errorf("net diagnostics %#04x: %w", diag, ErrHardware)
	}
	d.l.Info("Engines recovered from adapter failure")
	return nil
}
