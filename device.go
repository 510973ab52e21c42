package etherlink

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/etherlink/detect"
	"github.com/slackhq/etherlink/dma"
	"github.com/slackhq/etherlink/regs"
	"github.com/slackhq/etherlink/timing"
)

var (
	ErrHardwareTimeout = errors.New("hardware did not complete in time")
	ErrBusy            = errors.New("device busy")
	ErrNoData          = errors.New("no frame available")
	ErrBufferTooSmall  = errors.New("buffer too small")
	ErrHardware        = errors.New("hardware error")
	ErrNotInitialized  = errors.New("device not initialized")
	ErrInvalidState    = errors.New("operation not valid in the current state")
	ErrFrameLength     = errors.New("frame length out of range")
	ErrNoDMAMemory     = errors.New("no dma memory configured")
)

const (
	MinFrameLen = 64
	MaxFrameLen = 1518
)

// State is a step of the device lifecycle.
type State uint8

const (
	StateUninitialized State = iota
	StateResetting
	StateConfiguringWindows
	StateSelectingDatapath
	StateRunning
	StateStopped
	StateTornDown
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateResetting:
		return "resetting"
	case StateConfiguringWindows:
		return "configuring-windows"
	case StateSelectingDatapath:
		return "selecting-datapath"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateTornDown:
		return "torn-down"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

const (
	DefaultResetTimeout   = time.Second
	DefaultResetPoll      = 10 * time.Millisecond
	DefaultCommandTimeout = 100 * time.Millisecond
	DefaultCommandPoll    = time.Millisecond
	DefaultDMATimeout     = 100 * time.Millisecond
	DefaultDMAPoll        = 100 * time.Microsecond
)

// Timeouts bound every hardware busy wait of a device.
type Timeouts struct {
	Reset      time.Duration
	ResetPoll  time.Duration
	EEPROM     time.Duration
	EEPROMPoll time.Duration
	Command    time.Duration
	DMA        time.Duration
}

func (t Timeouts) withDefaults() Timeouts {
	if t.Reset <= 0 {
		t.Reset = DefaultResetTimeout
	}
	if t.ResetPoll <= 0 {
		t.ResetPoll = DefaultResetPoll
	}
	if t.EEPROM <= 0 {
		t.EEPROM = detect.DefaultEEPROMTimeout
	}
	if t.EEPROMPoll <= 0 {
		t.EEPROMPoll = detect.DefaultEEPROMPoll
	}
	if t.Command <= 0 {
		t.Command = DefaultCommandTimeout
	}
	if t.DMA <= 0 {
		t.DMA = DefaultDMATimeout
	}
	return t
}

// Options is everything the discovery layer knows about an adapter before
// Init.
type Options struct {
	Name  string
	Hints detect.Hints

	// Allocator backs the bus master pools. Without one the device always
	// uses programmed I/O.
	Allocator  dma.Allocator
	DMA        dma.Config
	DisableDMA bool

	// Filter is programmed on Start. Zero means station and broadcast.
	Filter RxFilter

	Timeouts Timeouts
	Clock    timing.Clock

	// Metrics is the parent registry, metrics.DefaultRegistry when nil.
	Metrics metrics.Registry
}

// Frame is a received frame.
type Frame struct {
	Data []byte
}

// Device is the context of one adapter. All methods are safe to call from
// the interrupt path and the datapath concurrently.
type Device struct {
	mu sync.Mutex

	name  string
	l     logrus.FieldLogger
	regs  *regs.Registers
	clock timing.Clock
	opts  Options

	state    State
	detected *detect.Result
	profile  *detect.Profile
	caps     detect.Capability
	station  [6]byte
	intMask  uint16
	filter   RxFilter
	link     bool

	dma  *dma.Context
	path datapath

	stats Stats

	metrics         metrics.Registry
	dmaMetrics      metrics.Registry
	dmaInitFailures metrics.Counter
}

// NewDevice returns an uninitialized device for the adapter at base on bus.
func NewDevice(bus regs.Bus, base uint16, opts Options, l logrus.FieldLogger) *Device {
	if opts.Name == "" {
		opts.Name = fmt.Sprintf("el%x", base)
	}
	if opts.Clock == nil {
		opts.Clock = timing.System{}
	}
	if opts.Filter == 0 {
		opts.Filter = DefaultFilter
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.DefaultRegistry
	}
	opts.Timeouts = opts.Timeouts.withDefaults()

	r := metrics.NewPrefixedChildRegistry(opts.Metrics, "etherlink."+opts.Name+".")
	d := &Device{
		name:            opts.Name,
		l:               l.WithField("device", opts.Name).WithField("io_base", fmt.Sprintf("%#x", base)),
		regs:            regs.New(bus, base),
		clock:           opts.Clock,
		opts:            opts,
		filter:          opts.Filter,
		metrics:         r,
		dmaMetrics:      metrics.NewPrefixedChildRegistry(r, "dma."),
		dmaInitFailures: metrics.GetOrRegisterCounter("dma_init_failures", r),
	}
	return d
}

func (d *Device) Name() string { return d.name }

func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Capabilities returns the capability set of this instance. Bus mastering is
// absent when the DMA engine failed to initialize.
func (d *Device) Capabilities() detect.Capability {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.caps
}

func (d *Device) StationAddress() [6]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.station
}

// Generation is unknown until Init has detected the adapter.
func (d *Device) Generation() detect.Generation {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.profile == nil {
		return detect.GenerationUnknown
	}
	return d.profile.Generation
}

// InterruptMask is the mask programmed while the device runs.
func (d *Device) InterruptMask() uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.intMask
}

// Link reports whether the link beat detector saw a partner when the media
// was configured. Generations that do not negotiate their media report false.
func (d *Device) Link() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.link
}

// Datapath names the selected datapath, empty before Init.
func (d *Device) Datapath() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.path == nil {
		return ""
	}
	return d.path.name()
}

// DMACounters returns the transfer engine counters.
func (d *Device) DMACounters() dma.Counters {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dma == nil {
		return dma.Counters{}
	}
	return d.dma.Counters()
}

// DMAInitFailures counts the times bus mastering had to be abandoned.
func (d *Device) DMAInitFailures() int64 {
	return d.dmaInitFailures.Count()
}

func (d *Device) initialized() bool {
	return d.state == StateRunning || d.state == StateStopped
}
