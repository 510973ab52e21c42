package etherlink

import (
	"errors"
	"testing"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/slackhq/etherlink/detect"
	"github.com/slackhq/etherlink/dma"
	"github.com/slackhq/etherlink/regs"
	"github.com/slackhq/etherlink/simnic"
	"github.com/slackhq/etherlink/test"
	"github.com/slackhq/etherlink/timing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testBase = 0x300

	productEtherLinkIII = 0x5090
	productCorkscrew    = 0x5051
	busBoomerang        = 0x9050
)

var (
	testStation = [6]byte{0x00, 0x60, 0x08, 0x12, 0x34, 0x56}
	broadcast   = [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
)

type rig struct {
	d       *Device
	sim     *simnic.Adapter
	mem     *dma.HostMemory
	clock   *timing.Fake
	metrics metrics.Registry
	logs    *logtest.Hook
}

func newRig(t *testing.T, sc simnic.Config, opts Options) *rig {
	t.Helper()

	mem, err := dma.NewHostMemory(640<<10, 1<<20)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mem.Close() })

	sc.Base = testBase
	sc.Memory = mem
	if sc.Station == ([6]byte{}) {
		sc.Station = testStation
	}
	sim := simnic.New(sc)

	clock := timing.NewFake()
	opts.Clock = clock
	if opts.Allocator == nil {
		opts.Allocator = mem
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewRegistry()
	}

	l, logs := test.NewCapture()
	d := NewDevice(sim, testBase, opts, l)
	t.Cleanup(func() { _ = d.Teardown() })

	return &rig{d: d, sim: sim, mem: mem, clock: clock, metrics: opts.Metrics, logs: logs}
}

func (r *rig) up(t *testing.T) {
	t.Helper()
	require.NoError(t, r.d.Init())
	require.NoError(t, r.d.Start())
}

func testFrame(dst [6]byte, n int) []byte {
	f := make([]byte, n)
	copy(f, dst[:])
	copy(f[6:], testStation[:])
	for i := 14; i < n; i++ {
		f[i] = byte(i)
	}
	return f
}

type failingAllocator struct{}

func (failingAllocator) Allocate(size, align int, ceiling dma.Phys) (dma.Region, error) {
	return dma.Region{}, dma.ErrOutOfMemory
}

func (failingAllocator) Release(dma.Region) error { return nil }

func TestDevice_Init(t *testing.T) {
	tests := []struct {
		name     string
		sim      simnic.Config
		hints    detect.Hints
		gen      detect.Generation
		datapath string
		caps     detect.Capability
	}{
		{
			name:     "isa pio",
			sim:      simnic.Config{ProductID: productEtherLinkIII},
			gen:      detect.GenerationEtherLinkIII,
			datapath: "pio",
			caps:     detect.CapPermanentWindow1 | detect.CapStatsWindow,
		},
		{
			name:     "isa bus master",
			sim:      simnic.Config{ProductID: productCorkscrew},
			gen:      detect.GenerationCorkscrew,
			datapath: "dma",
			caps:     detect.CapBusMaster | detect.CapFullDuplex | detect.CapStatsWindow,
		},
		{
			name:     "pci bus master",
			sim:      simnic.Config{ProductID: busBoomerang, AutoLoadStation: true},
			hints:    detect.Hints{BusID: busBoomerang},
			gen:      detect.GenerationBoomerang,
			datapath: "dma",
			caps:     detect.CapBusMaster | detect.CapFullDuplex | detect.CapLargePackets | detect.CapStatsWindow,
		},
		{
			name:     "unknown adapter",
			sim:      simnic.Config{ProductID: 0x1234},
			gen:      detect.GenerationUnknown,
			datapath: "pio",
			caps:     0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRig(t, tt.sim, Options{Hints: tt.hints})
			require.NoError(t, r.d.Init())

			assert.Equal(t, StateStopped, r.d.State())
			assert.Equal(t, tt.gen, r.d.Generation())
			assert.Equal(t, tt.datapath, r.d.Datapath())
			assert.Equal(t, tt.caps, r.d.Capabilities())
			assert.Equal(t, detect.InterruptMask(tt.caps), r.d.InterruptMask())
			assert.Equal(t, testStation, r.d.StationAddress())

			st := r.sim.State()
			assert.Equal(t, testStation, st.Station)
			assert.Equal(t, r.d.InterruptMask(), st.IntMask)
			assert.False(t, st.RxEnabled)
			assert.Zero(t, r.d.DMAInitFailures())
		})
	}
}

func TestDevice_InitMACOptions(t *testing.T) {
	r := newRig(t, simnic.Config{ProductID: busBoomerang}, Options{Hints: detect.Hints{BusID: busBoomerang}})
	require.NoError(t, r.d.Init())
	assert.Equal(t, regs.MacFullDuplex|regs.MacLargePackets, r.sim.State().MacControl)
}

func TestDevice_InitConfiguresMedia(t *testing.T) {
	tests := []struct {
		name    string
		product uint16
		hints   detect.Hints
		noLink  bool
		media   uint16
		link    bool
	}{
		{name: "cyclone", product: 0x9055, hints: detect.Hints{BusID: 0x9055}, media: regs.Media10BaseT, link: true},
		{name: "tornado", product: 0x9200, hints: detect.Hints{BusID: 0x9200}, media: regs.Media10BaseT, link: true},
		{name: "tornado without link", product: 0x9200, hints: detect.Hints{BusID: 0x9200}, noLink: true, media: regs.Media10BaseT},
		{name: "cyclone fiber", product: 0x905a, hints: detect.Hints{BusID: 0x905a}},
		{name: "boomerang", product: busBoomerang, hints: detect.Hints{BusID: busBoomerang}},
		{name: "3c509b", product: productEtherLinkIII},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRig(t, simnic.Config{ProductID: tt.product, NoLink: tt.noLink}, Options{Hints: tt.hints})
			require.NoError(t, r.d.Init())
			assert.Equal(t, tt.media, r.sim.State().Media)
			assert.Equal(t, tt.link, r.d.Link())
		})
	}
}

func TestDevice_InitDiscardsStaleStatistics(t *testing.T) {
	r := newRig(t, simnic.Config{ProductID: productEtherLinkIII}, Options{})
	r.sim.AddStatistic(regs.W6SingleColls, 5)
	r.sim.AddStatistic(regs.W6CarrierLost, 2)

	require.NoError(t, r.d.Init())
	assert.Equal(t, Stats{}, r.d.Statistics())

	// The hardware counters were cleared as well, not only ignored.
	require.NoError(t, r.d.Start())
	require.NoError(t, r.d.UpdateStatistics())
	s := r.d.Statistics()
	assert.Zero(t, s.Collisions)
	assert.Zero(t, s.CarrierLost)
}

func TestDevice_PIOTransmitChecksFIFO(t *testing.T) {
	tests := []struct {
		name string
		fifo int
		want error
	}{
		{name: "more free than the fifo holds", fifo: 0xffff, want: ErrHardware},
		{name: "no room", fifo: 64, want: ErrBusy},
		{name: "room", fifo: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRig(t, simnic.Config{ProductID: productEtherLinkIII, FIFOSize: tt.fifo}, Options{})
			r.up(t)

			err := r.d.Send(testFrame(broadcast, 100))
			if tt.want == nil {
				require.NoError(t, err)
				assert.Len(t, r.sim.Sent(), 1)
				return
			}
			assert.ErrorIs(t, err, tt.want)
			assert.Empty(t, r.sim.Sent())
			assert.Equal(t, uint64(1), r.d.Statistics().TxErrors)
		})
	}
}

func TestDevice_InitFailures(t *testing.T) {
	t.Run("reset timeout", func(t *testing.T) {
		r := newRig(t, simnic.Config{ProductID: productEtherLinkIII}, Options{})
		r.sim.SetResetStuck(true)

		start := r.clock.Now()
		err := r.d.Init()
		require.ErrorIs(t, err, ErrHardwareTimeout)
		assert.Equal(t, StateUninitialized, r.d.State())
		assert.GreaterOrEqual(t, r.clock.Now().Sub(start), DefaultResetTimeout)

		assert.ErrorIs(t, r.d.Send(testFrame(broadcast, 100)), ErrNotInitialized)
		f, err := r.d.Receive()
		assert.Nil(t, f)
		assert.ErrorIs(t, err, ErrNotInitialized)
		assert.ErrorIs(t, r.d.Start(), ErrNotInitialized)
	})

	t.Run("no device", func(t *testing.T) {
		r := newRig(t, simnic.Config{ProductID: 0xffff}, Options{})
		require.ErrorIs(t, r.d.Init(), detect.ErrNoDevice)
		assert.Equal(t, StateUninitialized, r.d.State())
	})

	t.Run("invalid station address", func(t *testing.T) {
		r := newRig(t, simnic.Config{ProductID: productEtherLinkIII, Station: [6]byte{0x01, 0, 0, 0, 0, 1}}, Options{})
		require.ErrorIs(t, r.d.Init(), detect.ErrInvalidAddress)
	})

	t.Run("init twice", func(t *testing.T) {
		r := newRig(t, simnic.Config{ProductID: productEtherLinkIII}, Options{})
		require.NoError(t, r.d.Init())
		require.ErrorIs(t, r.d.Init(), ErrInvalidState)
	})
}

// A failed bus master bring-up leaves a working programmed I/O device.
func TestDevice_DMAInitFailureFallsBack(t *testing.T) {
	r := newRig(t, simnic.Config{ProductID: productCorkscrew}, Options{Allocator: failingAllocator{}})
	r.up(t)

	assert.Equal(t, "pio", r.d.Datapath())
	assert.False(t, r.d.Capabilities().Has(detect.CapBusMaster))
	assert.Zero(t, r.d.InterruptMask()&regs.StatusDMADone)
	assert.Equal(t, int64(1), r.d.DMAInitFailures())
	assert.Contains(t, test.Messages(r.logs, logrus.WarnLevel), "Bus master initialization failed, using programmed I/O")

	require.NoError(t, r.d.Send(testFrame(broadcast, 100)))
	c := r.d.DMACounters()
	assert.Equal(t, int64(1), c.Fallback)
	assert.Zero(t, c.ZeroCopy)
	assert.Zero(t, c.Consolidations)

	sent := r.sim.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, testFrame(broadcast, 100), sent[0])

	// The generation profile keeps bus mastering, only this device lost it.
	assert.True(t, detect.ProfileFor(detect.GenerationCorkscrew).Capabilities.Has(detect.CapBusMaster))
}

func TestDevice_DisableDMA(t *testing.T) {
	r := newRig(t, simnic.Config{ProductID: productCorkscrew}, Options{DisableDMA: true})
	require.NoError(t, r.d.Init())
	assert.Equal(t, "pio", r.d.Datapath())
	assert.Zero(t, r.d.DMAInitFailures())
	assert.Empty(t, test.Messages(r.logs, logrus.WarnLevel))
}

func TestDevice_ISABusMasterConsolidates(t *testing.T) {
	r := newRig(t, simnic.Config{ProductID: productCorkscrew}, Options{})
	r.up(t)
	require.True(t, r.d.Capabilities().Has(detect.CapBusMaster))

	frame := testFrame(broadcast, 192)
	parts := [][]byte{frame[:64], frame[64:128], frame[128:]}
	require.NoError(t, r.d.SendFragments(parts))

	c := r.d.DMACounters()
	assert.Equal(t, int64(1), c.Consolidations)
	assert.Zero(t, c.ZeroCopy)

	sent := r.sim.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, frame, sent[0])

	assert.Equal(t, 0, r.d.dma.InFlight())
	assert.Equal(t, r.d.dma.TxPool().Len(), r.d.dma.TxPool().Available())
}

func TestDevice_NoDMAAlwaysFallsBack(t *testing.T) {
	r := newRig(t, simnic.Config{ProductID: productEtherLinkIII}, Options{})
	r.up(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, r.d.Send(testFrame(broadcast, 1500)))
	}

	c := r.d.DMACounters()
	assert.Equal(t, int64(3), c.Fallback)
	assert.Zero(t, c.ZeroCopy)
	assert.Zero(t, c.Consolidations)
	assert.Len(t, r.sim.Sent(), 3)
}

func TestDevice_PCIZeroCopy(t *testing.T) {
	r := newRig(t, simnic.Config{ProductID: busBoomerang}, Options{Hints: detect.Hints{BusID: busBoomerang}})
	r.up(t)

	region, err := r.mem.Allocate(128, 16, 0)
	require.NoError(t, err)
	copy(region.Buf, testFrame(broadcast, 128))

	require.NoError(t, r.d.Transmit([]dma.Fragment{region.Fragment()}))
	assert.Equal(t, int64(1), r.d.DMACounters().ZeroCopy)

	sent := r.sim.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, testFrame(broadcast, 128), sent[0])
}

func TestDevice_SendValidation(t *testing.T) {
	r := newRig(t, simnic.Config{ProductID: productCorkscrew}, Options{})
	r.up(t)

	tests := []struct {
		name  string
		parts [][]byte
		want  error
	}{
		{"runt", [][]byte{make([]byte, MinFrameLen-1)}, ErrFrameLength},
		{"giant", [][]byte{make([]byte, MaxFrameLen+1)}, ErrFrameLength},
		{"too many fragments", splitFrame(testFrame(broadcast, 180), 9), dma.ErrTooManyFragments},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, r.d.SendFragments(tt.parts), tt.want)
			assert.Equal(t, r.d.dma.TxPool().Len(), r.d.dma.TxPool().Available())
		})
	}
	assert.Empty(t, r.sim.Sent())
}

func splitFrame(f []byte, n int) [][]byte {
	size := len(f) / n
	parts := make([][]byte, 0, n)
	for i := 0; i < n-1; i++ {
		parts = append(parts, f[i*size:(i+1)*size])
	}
	return append(parts, f[(n-1)*size:])
}

func TestDevice_SendBusyWhenPoolExhausted(t *testing.T) {
	r := newRig(t, simnic.Config{ProductID: productCorkscrew}, Options{DMA: dma.Config{TxBuffers: 1}})
	r.up(t)

	// The only transmit buffer holds the consolidated frame, none is left
	// for the descriptor.
	err := r.d.SendFragments(splitFrame(testFrame(broadcast, 128), 2))
	require.ErrorIs(t, err, ErrBusy)
	assert.Equal(t, 1, r.d.dma.TxPool().Available())
	assert.Equal(t, uint64(1), r.d.Statistics().TxErrors)
}

func TestDevice_DMATimeout(t *testing.T) {
	r := newRig(t, simnic.Config{ProductID: productCorkscrew}, Options{})
	r.up(t)
	r.sim.SetDMAStuck(true)

	err := r.d.Send(testFrame(broadcast, 100))
	require.ErrorIs(t, err, ErrHardwareTimeout)
	assert.Equal(t, int64(1), r.d.DMACounters().Errors)
	assert.Equal(t, 0, r.d.dma.InFlight())

	r.sim.SetDMAStuck(false)
	require.NoError(t, r.d.Send(testFrame(broadcast, 100)))
	assert.Len(t, r.sim.Sent(), 1)
}

func TestDevice_Receive(t *testing.T) {
	tests := []struct {
		name  string
		sim   simnic.Config
		hints detect.Hints
	}{
		{"pio", simnic.Config{ProductID: productEtherLinkIII}, detect.Hints{}},
		{"isa dma", simnic.Config{ProductID: productCorkscrew}, detect.Hints{}},
		{"pci dma", simnic.Config{ProductID: busBoomerang}, detect.Hints{BusID: busBoomerang}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRig(t, tt.sim, Options{Hints: tt.hints})
			r.up(t)

			f, err := r.d.Receive()
			require.NoError(t, err)
			assert.Nil(t, f)

			want := testFrame(testStation, 333)
			require.True(t, r.sim.Deliver(want))
			require.True(t, r.sim.Deliver(testFrame(broadcast, 64)))

			f, err = r.d.Receive()
			require.NoError(t, err)
			require.NotNil(t, f)
			assert.Equal(t, want, f.Data)

			f, err = r.d.Receive()
			require.NoError(t, err)
			require.NotNil(t, f)
			assert.Len(t, f.Data, 64)

			f, err = r.d.Receive()
			require.NoError(t, err)
			assert.Nil(t, f)

			s := r.d.Statistics()
			assert.Equal(t, uint64(2), s.RxFrames)
			assert.Equal(t, uint64(333+64), s.RxBytes)
		})
	}
}

func TestDevice_ReceiveDropsRunts(t *testing.T) {
	tests := []struct {
		name  string
		sim   simnic.Config
		hints detect.Hints
	}{
		{"pio", simnic.Config{ProductID: productEtherLinkIII}, detect.Hints{}},
		{"isa dma", simnic.Config{ProductID: productCorkscrew}, detect.Hints{}},
		{"pci dma", simnic.Config{ProductID: busBoomerang}, detect.Hints{BusID: busBoomerang}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRig(t, tt.sim, Options{Hints: tt.hints})
			r.up(t)

			require.True(t, r.sim.Deliver(testFrame(broadcast, 20)))
			want := testFrame(broadcast, MinFrameLen)
			require.True(t, r.sim.Deliver(want))

			f, err := r.d.Receive()
			assert.ErrorIs(t, err, ErrFrameLength)
			assert.Nil(t, f)

			// The runt is gone, the next frame is intact.
			f, err = r.d.Receive()
			require.NoError(t, err)
			require.NotNil(t, f)
			assert.Equal(t, want, f.Data)

			s := r.d.Statistics()
			assert.Equal(t, uint64(1), s.RxErrors)
			assert.Equal(t, uint64(1), s.RxFrames)
			assert.Equal(t, uint64(MinFrameLen), s.RxBytes)
		})
	}
}

func TestDevice_StopStartRestoresConfiguration(t *testing.T) {
	r := newRig(t, simnic.Config{ProductID: busBoomerang}, Options{
		Hints:  detect.Hints{BusID: busBoomerang},
		Filter: FilterStation | FilterBroadcast | FilterMulticast,
	})
	r.up(t)

	before := r.sim.State()
	require.True(t, before.RxEnabled)

	require.NoError(t, r.d.Stop())
	assert.Equal(t, StateStopped, r.d.State())
	stopped := r.sim.State()
	assert.Zero(t, stopped.IntMask)
	assert.False(t, stopped.RxEnabled)
	assert.False(t, stopped.TxEnabled)
	assert.False(t, stopped.StatsEnabled)

	require.NoError(t, r.d.Start())
	after := r.sim.State()
	assert.Equal(t, before.Filter, after.Filter)
	assert.Equal(t, before.IntMask, after.IntMask)
	assert.True(t, after.RxEnabled)
	assert.True(t, after.TxEnabled)
}

func TestDevice_StopDisablesInterruptsFirst(t *testing.T) {
	r := newRig(t, simnic.Config{ProductID: productEtherLinkIII}, Options{})
	r.up(t)
	r.sim.ClearHistory()

	require.NoError(t, r.d.Stop())
	h := r.sim.History()
	require.NotEmpty(t, h)
	assert.Equal(t, simnic.Event{Cmd: regs.CmdSetIntrEnable, Arg: 0}, h[0])
}

func TestDevice_StateTransitions(t *testing.T) {
	r := newRig(t, simnic.Config{ProductID: productEtherLinkIII}, Options{})

	assert.ErrorIs(t, r.d.Stop(), ErrNotInitialized)
	require.NoError(t, r.d.Init())
	assert.ErrorIs(t, r.d.Stop(), ErrInvalidState)
	require.NoError(t, r.d.Start())
	assert.ErrorIs(t, r.d.Start(), ErrInvalidState)

	require.NoError(t, r.d.Teardown())
	assert.Equal(t, StateTornDown, r.d.State())
	assert.False(t, r.sim.State().RxEnabled)
	require.NoError(t, r.d.Teardown())

	assert.ErrorIs(t, r.d.Start(), ErrNotInitialized)
	assert.ErrorIs(t, r.d.Send(testFrame(broadcast, 100)), ErrNotInitialized)
	assert.ErrorIs(t, r.d.SetReceiveFilter(FilterPromiscuous), ErrNotInitialized)
}

func TestDevice_TeardownReclaimsTransfers(t *testing.T) {
	r := newRig(t, simnic.Config{ProductID: productCorkscrew}, Options{})
	r.up(t)

	// A transfer abandoned by its owner.
	_, err := r.d.dma.SetupTransfer([]dma.Fragment{dma.Bytes(make([]byte, 100))}, dma.ToDevice)
	require.NoError(t, err)

	ctx := r.d.dma
	require.NoError(t, r.d.Teardown())
	assert.Equal(t, 0, ctx.InFlight())
	assert.Equal(t, "", r.d.Datapath())
}

func TestDevice_ReceiveFilter(t *testing.T) {
	r := newRig(t, simnic.Config{ProductID: productEtherLinkIII}, Options{})
	r.up(t)

	multicast := [6]byte{0x01, 0x00, 0x5e, 0x00, 0x00, 0x01}
	other := [6]byte{0x00, 0x60, 0x08, 0x99, 0x99, 0x99}

	assert.Equal(t, DefaultFilter, r.d.ReceiveFilter())
	assert.False(t, r.sim.Deliver(testFrame(multicast, 64)))
	assert.False(t, r.sim.Deliver(testFrame(other, 64)))

	require.NoError(t, r.d.SetReceiveFilter(DefaultFilter|FilterAllMulticast))
	assert.Equal(t, regs.FilterStation|regs.FilterBroadcast|regs.FilterMulticast, r.sim.State().Filter)
	assert.True(t, r.sim.Deliver(testFrame(multicast, 64)))

	require.NoError(t, r.d.SetReceiveFilter(FilterPromiscuous))
	assert.True(t, r.sim.Deliver(testFrame(other, 64)))

	// A stopped device applies the filter on Start.
	require.NoError(t, r.d.Stop())
	require.NoError(t, r.d.SetReceiveFilter(FilterStation))
	assert.Equal(t, regs.FilterPromiscuous, r.sim.State().Filter)
	require.NoError(t, r.d.Start())
	assert.Equal(t, regs.FilterStation, r.sim.State().Filter)
}

func TestDevice_ErrorsAreDistinct(t *testing.T) {
	errs := []error{ErrHardwareTimeout, ErrBusy, ErrNoData, ErrBufferTooSmall, ErrHardware, ErrNotInitialized,
		ErrInvalidState, ErrFrameLength, ErrNoDMAMemory}
	for i, a := range errs {
		for j, b := range errs {
			assert.Equal(t, i == j, errors.Is(a, b))
		}
	}
}
