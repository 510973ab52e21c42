package etherlink

import (
	"fmt"

	"github.com/slackhq/etherlink/dma"
	"github.com/slackhq/etherlink/regs"
	"github.com/slackhq/etherlink/timing"
)

// dmaPath hands descriptor lists to the bus master engine. Each list holds a
// single descriptor built in a pool buffer, and completion is polled on the
// descriptor status word.
type dmaPath struct {
	d *Device
}

func (p *dmaPath) name() string { return "dma" }

func (p *dmaPath) transmit(t *dma.Transfer) error {
	d := p.d

	desc, err := p.descriptor(d.dma.TxPool(), uint32(t.Len()), t.Fragments())
	if err != nil {
		return err
	}
	defer p.free(d.dma.TxPool(), desc)

	if err := d.waitCommand(regs.CmdStall, regs.StallDown); err != nil {
		return err
	}
	d.regs.Write32(regs.RegDownListPtr, uint32(desc.Phys))
	d.regs.Command(regs.CmdStall, regs.UnstallDown)

	if !p.wait(desc, regs.DnComplete) {
		d.dma.RecordError()
		d.l.WithField("timeout", d.opts.Timeouts.DMA).Warn("Download did not complete")

		// The engine may still own the list, the reset takes it back before
		// the descriptor buffer is reused.
		if err := d.waitCommand(regs.CmdTxReset, 0); err != nil {
			d.l.WithError(err).Warn("Transmitter reset did not complete")
		}
		d.regs.Command(regs.CmdTxEnable, 0)
		return fmt.Errorf("download: %w", ErrHardwareTimeout)
	}
	return nil
}

func (p *dmaPath) receive() (*Frame, error) {
	d := p.d
	if d.regs.Status()&regs.StatusRxComplete == 0 {
		return nil, ErrNoData
	}

	out := make([]byte, min(MaxFrameLen, d.dma.BufferSize()))
	t, err := d.dma.SetupTransfer([]dma.Fragment{dma.Bytes(out)}, dma.FromDevice)
	if err != nil {
		return nil, transferError(err)
	}
	defer d.release(t)

	desc, err := p.descriptor(d.dma.RxPool(), 0, t.Fragments())
	if err != nil {
		return nil, err
	}
	defer p.free(d.dma.RxPool(), desc)

	d.regs.Write32(regs.RegUpListPtr, uint32(desc.Phys))
	if !p.wait(desc, regs.UpComplete) {
		d.dma.RecordError()
		d.regs.Write32(regs.RegUpListPtr, 0)
		d.l.WithField("timeout", d.opts.Timeouts.DMA).Warn("Upload did not complete")
		return nil, fmt.Errorf("upload: %w", ErrHardwareTimeout)
	}

	st := regs.DescriptorStatus(desc.Buf)
	if st&regs.UpError != 0 {
		return nil, fmt.Errorf("upload status %#08x: %w", st, ErrBufferTooSmall)
	}

	n := int(st & regs.UpLenMask)
	if n < MinFrameLen {
		return nil, fmt.Errorf("%d byte frame: %w", n, ErrFrameLength)
	}

	n, err = t.Complete(n)
	if err != nil {
		return nil, err
	}
	return &Frame{Data: out[:n]}, nil
}

// descriptor builds a one entry list in a buffer from pool. An exhausted
// pool is retryable.
func (p *dmaPath) descriptor(pool *dma.Pool, status uint32, frags []dma.Fragment) (*dma.Buffer, error) {
	desc, err := pool.Alloc()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBusy, err)
	}

	hw := make([]regs.Fragment, len(frags))
	for i, f := range frags {
		hw[i] = regs.Fragment{Addr: uint32(f.Phys), Len: uint32(len(f.Data))}
	}
	if _, err := regs.PutDescriptor(desc.Buf, 0, status, hw); err != nil {
		p.free(pool, desc)
		return nil, err
	}
	return desc, nil
}

func (p *dmaPath) free(pool *dma.Pool, b *dma.Buffer) {
	if err := pool.Free(b); err != nil {
		p.d.l.WithError(err).Warn("Failed to free descriptor buffer")
	}
}

func (p *dmaPath) wait(desc *dma.Buffer, done uint32) bool {
	return timing.Poll(p.d.clock, p.d.opts.Timeouts.DMA, DefaultDMAPoll, func() bool {
		return regs.DescriptorStatus(desc.Buf)&done != 0
	})
}
