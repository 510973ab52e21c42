package etherlink

import (
	"errors"
	"fmt"

	"github.com/slackhq/etherlink/dma"
)

// datapath moves prepared transfers between host memory and the adapter. It
// is called with the device lock held.
type datapath interface {
	transmit(t *dma.Transfer) error

	// receive returns ErrNoData when the adapter holds no frame.
	receive() (*Frame, error)

	name() string
}

// Send transmits one frame.
func (d *Device) Send(frame []byte) error {
	return d.Transmit([]dma.Fragment{dma.Bytes(frame)})
}

// SendFragments transmits one frame gathered from parts in order.
func (d *Device) SendFragments(parts [][]byte) error {
	frags := make([]dma.Fragment, len(parts))
	for i, p := range parts {
		frags[i] = dma.Bytes(p)
	}
	return d.Transmit(frags)
}

// Transmit sends the frame described by frags. Fragments that carry a
// physical address can be handed to a bus master adapter in place.
func (d *Device) Transmit(frags []dma.Fragment) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != StateRunning {
		return ErrNotInitialized
	}

	n := 0
	for _, f := range frags {
		n += len(f.Data)
	}
	if n < MinFrameLen || n > MaxFrameLen {
		return fmt.Errorf("%d byte frame: %w", n, ErrFrameLength)
	}

	t, err := d.dma.SetupTransfer(frags, dma.ToDevice)
	if err != nil {
		return transferError(err)
	}
	defer d.release(t)

	if err := d.path.transmit(t); err != nil {
		d.stats.TxErrors++
		return err
	}

	d.stats.TxFrames++
	d.stats.TxBytes += uint64(n)
	return nil
}

// Receive returns the next frame, or nil when none is pending. A frame shorter
// than MinFrameLen is dropped and reported as ErrFrameLength.
func (d *Device) Receive() (*Frame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != StateRunning {
		return nil, ErrNotInitialized
	}

	f, err := d.path.receive()
	switch {
	case errors.Is(err, ErrNoData):
		return nil, nil
	case err != nil:
		d.stats.RxErrors++
		return nil, err
	}

	d.stats.RxFrames++
	d.stats.RxBytes += uint64(len(f.Data))
	return f, nil
}

// transferError turns a pool exhaustion into a retryable ErrBusy. Validation
// failures are returned as they are.
func transferError(err error) error {
	if errors.Is(err, dma.ErrOutOfMemory) {
		return fmt.Errorf("%w: %w", ErrBusy, err)
	}
	return err
}

func (d *Device) release(t *dma.Transfer) {
	if err := t.Release(); err != nil {
		d.l.WithError(err).Debug("Transfer already released")
	}
}
