package etherlink

import (
	"encoding/binary"
	"fmt"

	"github.com/slackhq/etherlink/dma"
	"github.com/slackhq/etherlink/regs"
)

// pioPath moves frames through the window 1 FIFOs with the CPU.
type pioPath struct {
	d *Device
}

func (p *pioPath) name() string { return "pio" }

// transmit writes a four byte length preamble followed by the frame padded to
// a dword. The adapter must have room for the whole frame up front. More free
// space than the FIFO holds means the adapter is not answering.
func (p *pioPath) transmit(t *dma.Transfer) error {
	d := p.d
	data := t.Bytes()
	need := 4 + (len(data)+3)&^3

	d.regs.SelectWindow(regs.WindowOperating)
	free := int(d.regs.Read16(regs.W1TxFree))
	if free > d.profile.FIFOSize {
		return fmt.Errorf("%d bytes free in a %d byte transmit fifo: %w", free, d.profile.FIFOSize, ErrHardware)
	}
	if free < need {
		return fmt.Errorf("%d bytes free in transmit fifo, need %d: %w", free, need, ErrBusy)
	}

	d.regs.Write32(regs.W1FIFO, uint32(len(data)))
	var word [4]byte
	for i := 0; i < len(data); i += 4 {
		word = [4]byte{}
		copy(word[:], data[i:])
		d.regs.Write32(regs.W1FIFO, binary.LittleEndian.Uint32(word[:]))
	}

	return d.drainTxStatus()
}

// drainTxStatus pops completed transmit status entries from window 1. Jabber
// and underrun stop the transmitter, which is reset and enabled again.
func (d *Device) drainTxStatus() error {
	var err error
	for i := 0; i < 32; i++ {
		st := d.regs.Read8(regs.W1TxStatus)
		if st&regs.TxStatusComplete == 0 {
			break
		}
		d.regs.Write8(regs.W1TxStatus, 0)

		if st&regs.TxStatusErrorMask == 0 {
			continue
		}

		if st&(regs.TxStatusJabber|regs.TxStatusUnderrun) != 0 {
			if rerr := d.waitCommand(regs.CmdTxReset, 0); rerr != nil {
				d.l.WithError(rerr).Warn("Transmitter reset did not complete")
			}
		}
		d.regs.Command(regs.CmdTxEnable, 0)
		err = fmt.Errorf("transmit status %#02x: %w", st, ErrHardware)
	}
	return err
}

func (p *pioPath) receive() (*Frame, error) {
	d := p.d
	d.regs.SelectWindow(regs.WindowOperating)

	st := d.regs.Read16(regs.W1RxStatus)
	if st&regs.RxStatusIncomplete != 0 {
		return nil, ErrNoData
	}

	n := int(st & regs.RxStatusLenMask)
	if st&regs.RxStatusError != 0 {
		p.discard()
		return nil, fmt.Errorf("receive status %#04x: %w", st, ErrHardware)
	}
	if n > MaxFrameLen {
		p.discard()
		return nil, fmt.Errorf("%d byte frame: %w", n, ErrBufferTooSmall)
	}
	if n < MinFrameLen {
		p.discard()
		return nil, fmt.Errorf("%d byte frame: %w", n, ErrFrameLength)
	}

	out := make([]byte, n)
	t, err := d.dma.SetupTransfer([]dma.Fragment{dma.Bytes(out)}, dma.FromDevice)
	if err != nil {
		p.discard()
		return nil, transferError(err)
	}
	defer d.release(t)

	buf := t.Bytes()
	for i := 0; i < n; i += 4 {
		var word [4]byte
		binary.LittleEndian.PutUint32(word[:], d.regs.Read32(regs.W1FIFO))
		copy(buf[i:], word[:])
	}
	p.discard()

	if _, err := t.Complete(n); err != nil {
		return nil, err
	}
	return &Frame{Data: out}, nil
}

// discard drops the frame at the head of the receive FIFO.
func (p *pioPath) discard() {
	if err := p.d.waitCommand(regs.CmdRxDiscard, 0); err != nil {
		p.d.l.WithError(err).Warn("Receive discard did not complete")
	}
}
