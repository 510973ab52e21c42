package dma

import (
	"fmt"
	"sync"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
)

// Mode is the bus master capability a Context drives.
type Mode uint8

const (
	// ModeNone means no bus mastering. Every transfer is copied into a
	// transient buffer for programmed I/O.
	ModeNone Mode = iota
	ModeBusMaster
)

func (m Mode) String() string {
	if m == ModeBusMaster {
		return "bus-master"
	}
	return "none"
}

// Direction of a transfer relative to the adapter.
type Direction uint8

const (
	ToDevice Direction = iota
	FromDevice
)

func (d Direction) String() string {
	if d == FromDevice {
		return "rx"
	}
	return "tx"
}

const (
	DefaultTxBuffers    = 16
	DefaultRxBuffers    = 16
	DefaultBufferSize   = 1536
	DefaultMaxFragments = 16
)

// Config sizes the pools of a bus master Context.
type Config struct {
	TxBuffers  int
	RxBuffers  int
	BufferSize int
	// MaxFragments caps the fragment count of a transfer below the
	// hardware's own limit. Zero keeps the hardware limit.
	MaxFragments int
}

func (c Config) withDefaults() Config {
	if c.TxBuffers <= 0 {
		c.TxBuffers = DefaultTxBuffers
	}
	if c.RxBuffers <= 0 {
		c.RxBuffers = DefaultRxBuffers
	}
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	return c
}

// Counters is a snapshot of the engine's counters.
type Counters struct {
	Consolidations int64
	ZeroCopy       int64
	Fallback       int64
	Errors         int64
}

// Context owns the pools of one adapter and decides how each transfer reaches
// the hardware.
type Context struct {
	mu sync.Mutex

	mode    Mode
	limits  Limits
	bufSize int

	tx *Pool
	rx *Pool

	inflight map[*Transfer]struct{}
	closed   bool

	consolidations metrics.Counter
	zeroCopy       metrics.Counter
	fallback       metrics.Counter
	errors         metrics.Counter

	l logrus.FieldLogger
}

// NewContext builds a bus master context. It fails when limits do not
// describe a usable engine or either pool cannot be built within them; the
// caller is expected to fall back to NewPIOContext.
func NewContext(alloc Allocator, limits Limits, cfg Config, r metrics.Registry, l logrus.FieldLogger) (*Context, error) {
	if !limits.Capable() {
		return nil, fmt.Errorf("limits %v: %w", limits, ErrMappingFailed)
	}

	cfg = cfg.withDefaults()
	if cfg.MaxFragments > 0 && cfg.MaxFragments < limits.MaxFragments {
		limits.MaxFragments = cfg.MaxFragments
	}
	limits.MaxTransfer = min(limits.MaxTransfer, cfg.BufferSize)

	tx, err := NewPool(alloc, cfg.TxBuffers, cfg.BufferSize, limits.Alignment, limits)
	if err != nil {
		return nil, fmt.Errorf("tx pool: %w", err)
	}

	rx, err := NewPool(alloc, cfg.RxBuffers, cfg.BufferSize, limits.Alignment, limits)
	if err != nil {
		_ = tx.Close()
		return nil, fmt.Errorf("rx pool: %w", err)
	}

	c := newContext(ModeBusMaster, limits, cfg.BufferSize, r, l)
	c.tx, c.rx = tx, rx
	return c, nil
}

// NewPIOContext builds a context for adapters that cannot master the bus.
func NewPIOContext(maxTransfer, maxFragments int, r metrics.Registry, l logrus.FieldLogger) *Context {
	if maxTransfer <= 0 {
		maxTransfer = DefaultBufferSize
	}
	if maxFragments <= 0 {
		maxFragments = DefaultMaxFragments
	}

	limits := Limits{MaxTransfer: maxTransfer, MaxFragments: maxFragments, Alignment: 1}
	return newContext(ModeNone, limits, maxTransfer, r, l)
}

func newContext(mode Mode, limits Limits, bufSize int, r metrics.Registry, l logrus.FieldLogger) *Context {
	if r == nil {
		r = metrics.NewRegistry()
	}

	return &Context{
		mode:           mode,
		limits:         limits,
		bufSize:        bufSize,
		inflight:       map[*Transfer]struct{}{},
		consolidations: metrics.GetOrRegisterCounter("consolidations", r),
		zeroCopy:       metrics.GetOrRegisterCounter("zero_copy", r),
		fallback:       metrics.GetOrRegisterCounter("fallback", r),
		errors:         metrics.GetOrRegisterCounter("errors", r),
		l:              l,
	}
}

func (c *Context) Mode() Mode      { return c.mode }
func (c *Context) Limits() Limits  { return c.limits }
func (c *Context) BufferSize() int { return c.bufSize }
func (c *Context) TxPool() *Pool   { return c.tx }
func (c *Context) RxPool() *Pool   { return c.rx }

func (c *Context) Counters() Counters {
	return Counters{
		Consolidations: c.consolidations.Count(),
		ZeroCopy:       c.zeroCopy.Count(),
		Fallback:       c.fallback.Count(),
		Errors:         c.errors.Count(),
	}
}

// RecordError counts a transfer the hardware failed to complete.
func (c *Context) RecordError() {
	c.errors.Inc(1)
}

// SetupTransfer validates frags against the context limits and prepares them
// for the hardware. Fragment count and sizes are checked before anything is
// allocated, so a rejected request never holds a pool buffer.
//
// A single fragment the hardware can reach is used in place, as is a list of
// such fragments on scatter-gather hardware. Everything else is consolidated
// into a pool buffer. Without bus mastering every transfer is copied into a
// transient buffer instead.
func (c *Context) SetupTransfer(frags []Fragment, dir Direction) (*Transfer, error) {
	if len(frags) == 0 {
		return nil, ErrNoFragments
	}
	if len(frags) > c.limits.MaxFragments {
		return nil, fmt.Errorf("%d fragments, limit %d: %w", len(frags), c.limits.MaxFragments, ErrTooManyFragments)
	}

	sg := NewSGList(len(frags))
	for i, f := range frags {
		if len(f.Data) > c.limits.MaxTransfer {
			return nil, fmt.Errorf("fragment %d is %d bytes, limit %d: %w",
				i, len(f.Data), c.limits.MaxTransfer, ErrFragmentTooLarge)
		}
		// Capacity is len(frags), Add cannot fail.
		_ = sg.Add(f)
	}
	if sg.Total() > c.limits.MaxTransfer {
		return nil, fmt.Errorf("transfer is %d bytes, limit %d: %w", sg.Total(), c.limits.MaxTransfer, ErrFragmentTooLarge)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}

	t := &Transfer{ctx: c, dir: dir, sg: sg, length: sg.Total()}

	switch {
	case c.mode == ModeNone:
		t.scratch = make([]byte, sg.Total())
		if dir == ToDevice {
			if _, err := Consolidate(sg, t.scratch); err != nil {
				return nil, err
			}
		}
		t.kind = kindFallback
		c.fallback.Inc(1)

	case c.direct(sg):
		t.kind = kindZeroCopy
		c.zeroCopy.Inc(1)

	default:
		pool := c.tx
		if dir == FromDevice {
			pool = c.rx
		}

		buf, err := pool.Alloc()
		if err != nil {
			c.errors.Inc(1)
			return nil, err
		}

		if dir == ToDevice {
			if _, err := Consolidate(sg, buf.Buf); err != nil {
				_ = pool.Free(buf)
				return nil, err
			}
		}
		t.buf = buf
		t.kind = kindConsolidated
		c.consolidations.Inc(1)
	}

	c.inflight[t] = struct{}{}
	return t, nil
}

// direct reports whether the hardware can use the fragments in place.
func (c *Context) direct(sg *SGList) bool {
	if sg.Len() > 1 && !c.limits.ScatterGather {
		return false
	}
	for _, e := range sg.Entries() {
		if !e.Mapped || !c.limits.Fits(e.Phys, len(e.Data)) {
			return false
		}
	}
	return true
}

func (c *Context) release(t *Transfer) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.inflight[t]; !ok {
		return ErrReleased
	}
	delete(c.inflight, t)

	if t.buf != nil {
		return t.buf.pool.Free(t.buf)
	}
	return nil
}

// InFlight is the number of transfers not yet released.
func (c *Context) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}

// Close abandons every in-flight transfer, reclaims their buffers and
// releases the pools. Completions arriving for abandoned transfers are
// ignored.
func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if n := len(c.inflight); n > 0 && c.l != nil {
		c.l.WithField("transfers", n).Warn("Reclaiming in-flight DMA transfers")
	}
	clear(c.inflight)

	var firstErr error
	for _, p := range []*Pool{c.tx, c.rx} {
		if p == nil {
			continue
		}
		p.reset()
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
