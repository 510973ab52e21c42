package etherlink

import (
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/etherlink/config"
	"github.com/slackhq/etherlink/detect"
	"github.com/slackhq/etherlink/dma"
	"github.com/slackhq/etherlink/regs"
	"github.com/slackhq/etherlink/simnic"
	"github.com/slackhq/etherlink/sshd"
	"github.com/slackhq/etherlink/util"
	"go.yaml.in/yaml/v3"
)

type m = map[string]any

const (
	DefaultConventionalMemory = 640 << 10
	DefaultExtendedMemory     = 4 << 20
)

// adapterConfig is one entry of the adapters list.
type adapterConfig struct {
	name    string
	base    uint16
	backend string
	hints   detect.Hints
	filter  RxFilter
	sim     simnic.Config
}

func Main(c *config.C, configTest bool, buildVersion string, logger *logrus.Logger) (*Control, error) {
	l := logger
	l.Formatter = &logrus.TextFormatter{
		FullTimestamp: true,
	}

	// Print the config if in test, the exit comes later
	if configTest {
		b, err := yaml.Marshal(c.Settings)
		if err != nil {
			return nil, err
		}

		// Print the final config
		l.Println(string(b))
	}

	err := configLogger(l, c)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to configure the logger", err)
	}

	c.RegisterReloadCallback(func(c *config.C) {
		err := configLogger(l, c)
		if err != nil {
			l.WithError(err).Error("Failed to configure the logger")
		}
	})

	adapters, err := parseAdapters(c, l)
	if err != nil {
		return nil, err
	}
	if len(adapters) == 0 {
		return nil, util.NewContextualError("No adapters configured", nil, nil)
	}

	mem, err := dma.NewHostMemory(
		c.GetByteSize("memory.conventional", DefaultConventionalMemory),
		c.GetByteSize("memory.extended", DefaultExtendedMemory),
	)
	if err != nil {
		return nil, util.NewContextualError("Failed to set up host memory", nil, err)
	}

	var closers []io.Closer
	closers = append(closers, mem)
	closeAll := func() {
		for _, cl := range closers {
			if err := cl.Close(); err != nil {
				l.WithError(err).Warn("Failed to release a backend")
			}
		}
	}

	reg := NewRegistry()
	var port *regs.PortBus
	for _, a := range adapters {
		opts := Options{
			Name:       a.name,
			Hints:      a.hints,
			DMA:        dmaConfig(c),
			DisableDMA: c.GetBool("dma.disable", false),
			Filter:     a.filter,
			Timeouts:   timeoutsConfig(c),
		}

		var bus regs.Bus
		switch a.backend {
		case "sim":
			a.sim.Memory = mem
			a.sim.L = l.WithField("simnic", a.name)
			bus = simnic.New(a.sim)
			opts.Allocator = mem

		case "port":
			if port == nil && !configTest {
				port, err = regs.OpenPortBus("")
				if err != nil {
					closeAll()
					return nil, util.NewContextualError("Failed to open the I/O port bus", m{"adapter": a.name}, err)
				}
				closers = append(closers, port)
			}
			bus = port
			// Host memory is not reachable by a real bus master.
			opts.DisableDMA = true
		}

		if _, _, err := reg.Discover(bus, a.base, opts, l); err != nil {
			closeAll()
			return nil, util.NewContextualError("Failed to register adapter", m{"adapter": a.name, "io_base": fmt.Sprintf("%#x", a.base)}, err)
		}
	}

	ssh, err := sshd.NewSSHServer(l.WithField("subsystem", "sshd"), "etherlink")
	if err != nil {
		closeAll()
		return nil, util.NewContextualError("Error while creating SSH server", nil, err)
	}
	wireSSHReload(l, ssh, c)
	var sshStart func()
	if c.GetBool("sshd.enabled", false) {
		sshStart, err = configSSH(l, ssh, c)
		if err != nil {
			closeAll()
			return nil, util.NewContextualError("Error while configuring the sshd", nil, err)
		}
	}
	attachCommands(l, c, ssh, reg, buildVersion)

	c.RegisterReloadCallback(func(c *config.C) {
		if !c.HasChanged("adapters") {
			return
		}
		reloadFilters(c, l, reg)
	})

	interval, err := startStats(l, c, buildVersion, configTest)
	if err != nil {
		closeAll()
		return nil, util.NewContextualError("Failed to start stats emitter", nil, err)
	}

	infoStart, infoServer, err := startInfo(l, c, configTest, reg)
	if err != nil {
		closeAll()
		return nil, util.NewContextualError("Failed to start the info api", nil, err)
	}

	if configTest {
		closeAll()
		return nil, nil
	}

	return &Control{
		l:             l,
		conf:          c,
		reg:           reg,
		closers:       closers,
		sshStart:      sshStart,
		sshd:          ssh,
		infoStart:     infoStart,
		info:          infoServer,
		statsInterval: interval,
		selfTest:      c.GetBool("selftest.enabled", false),
		selfTestWait:  c.GetDuration("selftest.timeout", DefaultSelfTestTimeout),
		debugFrames:   c.GetBool("logging.frames", false),
	}, nil
}

func dmaConfig(c *config.C) dma.Config {
	return dma.Config{
		TxBuffers:    c.GetInt("dma.tx_buffers", dma.DefaultTxBuffers),
		RxBuffers:    c.GetInt("dma.rx_buffers", dma.DefaultRxBuffers),
		BufferSize:   c.GetByteSize("dma.buffer_size", dma.DefaultBufferSize),
		MaxFragments: c.GetInt("dma.max_fragments", dma.DefaultMaxFragments),
	}
}

func timeoutsConfig(c *config.C) Timeouts {
	return Timeouts{
		Reset:      c.GetDuration("timing.reset_timeout", DefaultResetTimeout),
		ResetPoll:  c.GetDuration("timing.reset_poll", DefaultResetPoll),
		EEPROM:     c.GetDuration("timing.eeprom_timeout", detect.DefaultEEPROMTimeout),
		EEPROMPoll: c.GetDuration("timing.eeprom_poll", detect.DefaultEEPROMPoll),
		Command:    c.GetDuration("timing.command_timeout", DefaultCommandTimeout),
		DMA:        c.GetDuration("timing.dma_timeout", DefaultDMATimeout),
	}
}

// parseAdapters reads the adapters list. Each entry is read through its own
// config.C so the typed getters apply.
func parseAdapters(c *config.C, l *logrus.Logger) ([]adapterConfig, error) {
	raw := c.GetSlice("adapters", nil)
	out := make([]adapterConfig, 0, len(raw))
	names := map[string]bool{}

	for i, r := range raw {
		rm, ok := r.(map[string]any)
		if !ok {
			return nil, util.NewContextualError("Adapter entry is not a map", m{"entry": i + 1}, nil)
		}

		ac := config.NewC(l)
		ac.Settings = rm

		a := adapterConfig{
			base:    ac.GetUint16("io_base", 0),
			backend: strings.ToLower(ac.GetString("backend", "sim")),
			hints: detect.Hints{
				BusID:            ac.GetUint16("bus_id", 0),
				BusImpliesMaster: ac.GetBool("bus_implies_master", false),
			},
		}
		if a.base == 0 {
			return nil, util.NewContextualError("Adapter io_base is missing or invalid", m{"entry": i + 1, "io_base": ac.GetString("io_base", "")}, nil)
		}

		a.name = ac.GetString("name", fmt.Sprintf("el%x", a.base))
		if names[a.name] {
			return nil, util.NewContextualError("Adapter name is used twice", m{"entry": i + 1, "name": a.name}, nil)
		}
		names[a.name] = true

		f, err := ParseRxFilter(ac.GetStringSlice("filter", nil))
		if err != nil {
			return nil, util.NewContextualError("Invalid adapter filter", m{"adapter": a.name}, err)
		}
		a.filter = f

		switch a.backend {
		case "sim":
			a.sim, err = parseSim(ac, a.base)
			if err != nil {
				return nil, util.NewContextualError("Invalid simulated adapter", m{"adapter": a.name}, err)
			}
		case "port":
		default:
			return nil, util.NewContextualError("Unknown adapter backend", m{"adapter": a.name, "backend": a.backend}, nil)
		}

		out = append(out, a)
	}

	return out, nil
}

func parseSim(ac *config.C, base uint16) (simnic.Config, error) {
	sc := simnic.Config{
		Base:            base,
		ProductID:       ac.GetUint16("sim.product_id", 0x5090),
		Capabilities:    ac.GetUint16("sim.capabilities", 0),
		InternalConfig:  ac.GetUint16("sim.internal_config", 0),
		AutoLoadStation: ac.GetBool("sim.auto_load_station", true),
		Loopback:        ac.GetBool("sim.loopback", false),
		NoLink:          ac.GetBool("sim.no_link", false),
	}

	station := ac.GetString("sim.station", "00:60:08:00:00:01")
	mac, err := net.ParseMAC(station)
	if err != nil || len(mac) != 6 {
		return sc, fmt.Errorf("sim.station %q is not an ethernet address", station)
	}
	copy(sc.Station[:], mac)
	return sc, nil
}

// reloadFilters applies changed receive filters to the registered devices.
// Other adapter changes need a restart.
func reloadFilters(c *config.C, l logrus.FieldLogger, reg *Registry) {
	filters := map[string]RxFilter{}
	for i, r := range c.GetSlice("adapters", nil) {
		rm, ok := r.(map[string]any)
		if !ok {
			continue
		}

		ac := config.NewC(nil)
		ac.Settings = rm
		base := ac.GetUint16("io_base", 0)
		name := ac.GetString("name", fmt.Sprintf("el%x", base))

		f, err := ParseRxFilter(ac.GetStringSlice("filter", nil))
		if err != nil {
			l.WithError(err).WithField("entry", i+1).Error("Ignoring invalid filter on reload")
			continue
		}
		filters[name] = f
	}

	reg.Each(func(_ Handle, d *Device) {
		f, ok := filters[d.Name()]
		if !ok || f == d.ReceiveFilter() {
			return
		}
		if err := d.SetReceiveFilter(f); err != nil {
			l.WithError(err).WithField("device", d.Name()).Error("Failed to apply receive filter")
			return
		}
		l.WithField("device", d.Name()).WithField("filter", f).Info("Receive filter reloaded")
	})
}
