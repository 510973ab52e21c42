package etherlink

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/etherlink/config"
	"github.com/slackhq/etherlink/dma"
	"github.com/slackhq/etherlink/sshd"
	"github.com/slackhq/etherlink/util"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultSelfTestTimeout = time.Second
	DefaultPollInterval    = 10 * time.Millisecond
)

// Control runs the adapters a Main call registered.
type Control struct {
	l       *logrus.Logger
	conf    *config.C
	reg     *Registry
	closers []io.Closer

	sshStart  func()
	sshd      *sshd.SSHServer
	infoStart func()
	info      *http.Server

	statsInterval time.Duration
	selfTest      bool
	selfTestWait  time.Duration
	debugFrames   bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type ControlDeviceInfo struct {
	Handle         Handle       `json:"handle"`
	Name           string       `json:"name"`
	State          string       `json:"state"`
	Generation     string       `json:"generation"`
	Capabilities   string       `json:"capabilities"`
	Datapath       string       `json:"datapath"`
	Station        string       `json:"station"`
	Filter         string       `json:"filter"`
	Stats          Stats        `json:"stats"`
	DMA            dma.Counters `json:"dma"`
	DMAInitFailure int64        `json:"dmaInitFailures"`
}

// Start brings every adapter up concurrently, then starts the receive and
// statistics loops. When any adapter fails to come up the others are stopped
// again before the error is returned. This is a nonblocking call. To block use
// Control.ShutdownBlock()
func (c *Control) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	var g errgroup.Group
	c.reg.Each(func(_ Handle, d *Device) {
		g.Go(func() error {
			return c.bringUp(d)
		})
	})
	if err := g.Wait(); err != nil {
		cancel()
		c.stopRunning()
		return err
	}

	if c.sshStart != nil {
		go c.sshStart()
	}
	if c.infoStart != nil {
		go c.infoStart()
	}
	if c.conf != nil {
		c.conf.CatchHUP(ctx)
	}

	c.reg.Each(func(_ Handle, d *Device) {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.receiveLoop(ctx, d)
		}()
	})

	if c.statsInterval > 0 {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			statsLoop(ctx, c.l, c.reg, c.statsInterval)
		}()
	}

	return nil
}

func (c *Control) bringUp(d *Device) error {
	if err := d.Init(); err != nil {
		return util.NewContextualError("Failed to initialize adapter", m{"device": d.Name()}, err)
	}
	if err := d.Start(); err != nil {
		return util.NewContextualError("Failed to start adapter", m{"device": d.Name()}, err)
	}

	if c.selfTest {
		if err := d.SelfTest(1, c.selfTestWait); err != nil {
			c.l.WithError(err).WithField("device", d.Name()).Warn("Loopback self test failed")
		}
	}
	return nil
}

func (c *Control) stopRunning() {
	c.reg.Each(func(_ Handle, d *Device) {
		if d.State() != StateRunning {
			return
		}
		if err := d.Stop(); err != nil {
			c.l.WithError(err).WithField("device", d.Name()).Warn("Failed to stop adapter")
			return
		}
		c.l.WithField("device", d.Name()).Info("Adapter stopped after a failed start")
	})
}

// receiveLoop services interrupts and drains received frames until ctx is
// done.
func (c *Control) receiveLoop(ctx context.Context, d *Device) {
	t := time.NewTicker(DefaultPollInterval)
	defer t.Stop()

	for {
		d.HandleInterrupt()
		for {
			f, err := d.Receive()
			if err != nil {
				c.l.WithError(err).WithField("device", d.Name()).Debug("Receive failed")
				break
			}
			if f == nil {
				break
			}
			if c.debugFrames {
				c.logFrame(d, f)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (c *Control) logFrame(d *Device, f *Frame) {
	p := gopacket.NewPacket(f.Data, layers.LayerTypeEthernet, gopacket.Lazy)
	fields := logrus.Fields{"device": d.Name(), "len": len(f.Data)}
	if eth, ok := p.Layer(layers.LayerTypeEthernet).(*layers.Ethernet); ok {
		fields["src"] = eth.SrcMAC
		fields["dst"] = eth.DstMAC
		fields["type"] = eth.EthernetType
	}
	c.l.WithFields(fields).Debug("Frame received")
}

// Stop signals every loop to exit and tears the adapters down, returns after
// the shutdown is complete
func (c *Control) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	if c.sshd != nil {
		c.sshd.Stop()
	}
	if c.info != nil {
		if err := c.info.Close(); err != nil {
			c.l.WithError(err).Warn("Failed to close the info listener")
		}
	}

	if err := c.reg.Close(); err != nil {
		c.l.WithError(err).Error("Teardown failed")
	}
	for _, cl := range c.closers {
		if err := cl.Close(); err != nil {
			c.l.WithError(err).Error("Failed to release a backend")
		}
	}
	c.closers = nil
	c.l.Info("Goodbye")
}

// ShutdownBlock will listen for and block on term and interrupt signals, calling Control.Stop() once signalled
func (c *Control) ShutdownBlock() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM)
	signal.Notify(sigChan, syscall.SIGINT)

	rawSig := <-sigChan
	sig := rawSig.String()
	c.l.WithField("signal", sig).Info("Caught signal, shutting down")
	c.Stop()
}

// Registry exposes the registered devices.
func (c *Control) Registry() *Registry {
	return c.reg
}

// ListDevices returns a snapshot of every registered device
func (c *Control) ListDevices() []ControlDeviceInfo {
	var out []ControlDeviceInfo
	c.reg.Each(func(h Handle, d *Device) {
		out = append(out, deviceInfoFor(h, d))
	})
	return out
}

func deviceInfoFor(h Handle, d *Device) ControlDeviceInfo {
	station := d.StationAddress()
	return ControlDeviceInfo{
		Handle:         h,
		Name:           d.Name(),
		State:          d.State().String(),
		Generation:     d.Generation().String(),
		Capabilities:   d.Capabilities().String(),
		Datapath:       d.Datapath(),
		Station:        net.HardwareAddr(station[:]).String(),
		Filter:         d.ReceiveFilter().String(),
		Stats:          d.Statistics(),
		DMA:            d.DMACounters(),
		DMAInitFailure: d.DMAInitFailures(),
	}
}
