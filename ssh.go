package etherlink

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"reflect"
	"runtime/pprof"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/etherlink/config"
	"github.com/slackhq/etherlink/sshd"
)

type sshListDevicesFlags struct {
	Json   bool
	Pretty bool
}

type sshDeviceInfoFlags struct {
	Pretty bool
}

type sshStatsFlags struct {
	Update bool
}

type sshSelfTestFlags struct {
	Timeout time.Duration
	Seq     uint
}

func wireSSHReload(l *logrus.Logger, ssh *sshd.SSHServer, c *config.C) {
	c.RegisterReloadCallback(func(c *config.C) {
		if c.GetBool("sshd.enabled", false) {
			sshRun, err := configSSH(l, ssh, c)
			if err != nil {
				l.WithError(err).Error("Failed to reconfigure the sshd")
				ssh.Stop()
			}
			if sshRun != nil {
				go sshRun()
			}
		} else {
			ssh.Stop()
		}
	})
}

// configSSH reads and configures the sshd server settings. It returns a
// function that starts the listener, nil when sshd is disabled.
func configSSH(l *logrus.Logger, ssh *sshd.SSHServer, c *config.C) (func(), error) {
	listen := c.GetString("sshd.listen", "")
	if listen == "" {
		return nil, errors.New("sshd.listen must be provided")
	}

	port := strings.Split(listen, ":")
	if len(port) < 2 {
		return nil, errors.New("sshd.listen does not have a port")
	} else if port[len(port)-1] == "22" {
		return nil, errors.New("sshd.listen can not use port 22")
	}

	hostKeyPathOrKey := c.GetString("sshd.host_key", "")
	if hostKeyPathOrKey == "" {
		return nil, errors.New("sshd.host_key must be provided")
	}

	var hostKeyBytes []byte
	if strings.Contains(hostKeyPathOrKey, "-----BEGIN") {
		hostKeyBytes = []byte(hostKeyPathOrKey)
	} else {
		var err error
		hostKeyBytes, err = os.ReadFile(hostKeyPathOrKey)
		if err != nil {
			return nil, fmt.Errorf("error while loading sshd.host_key file: %w", err)
		}
	}

	if err := ssh.SetHostKey(hostKeyBytes); err != nil {
		return nil, fmt.Errorf("error while adding sshd.host_key: %w", err)
	}

	ssh.ClearTrustedCAs()
	for _, ca := range c.GetStringSlice("sshd.trusted_cas", nil) {
		if err := ssh.AddTrustedCA(ca); err != nil {
			l.WithError(err).WithField("sshCA", ca).Warn("SSH CA had an error, ignoring")
		}
	}

	ssh.ClearAuthorizedKeys()
	users := c.GetSlice("sshd.authorized_users", nil)
	if len(users) == 0 {
		l.Info("no ssh users to authorize")
	}
	for _, rk := range users {
		kDef, ok := rk.(map[string]any)
		if !ok {
			l.WithField("sshKeyConfig", rk).Warn("Authorized user had an error, ignoring")
			continue
		}

		uc := config.NewC(l)
		uc.Settings = kDef
		user := uc.GetString("user", "")
		if user == "" {
			l.WithField("sshKeyConfig", rk).Warn("Authorized user is missing the user field")
			continue
		}

		keys := uc.GetStringSlice("keys", nil)
		if len(keys) == 0 {
			l.WithField("sshKeyConfig", rk).Warn("Authorized user is missing the keys field or was not understood")
			continue
		}
		for _, k := range keys {
			if err := ssh.AddAuthorizedKey(user, k); err != nil {
				l.WithError(err).WithField("sshKeyConfig", rk).WithField("sshKey", k).Warn("Failed to authorize key")
			}
		}
	}

	if !c.GetBool("sshd.enabled", false) {
		ssh.Stop()
		return nil, nil
	}

	return func() {
		ssh.Stop()
		if err := ssh.Run(listen); err != nil {
			l.WithField("err", err).Warn("Failed to run the SSH server")
		}
	}, nil
}

func attachCommands(l *logrus.Logger, c *config.C, ssh *sshd.SSHServer, reg *Registry, buildVersion string) {
	ssh.RegisterCommand(&sshd.Command{
		Name:             "list-devices",
		ShortDescription: "List every registered adapter",
		Flags: func() (*flag.FlagSet, any) {
			fl := flag.NewFlagSet("", flag.ContinueOnError)
			s := sshListDevicesFlags{}
			fl.BoolVar(&s.Json, "json", false, "outputs as json with more information")
			fl.BoolVar(&s.Pretty, "pretty", false, "pretty prints json, assumes -json")
			return fl, &s
		},
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			return sshListDevices(reg, fs, w)
		},
	})

	var deviceInfo *sshd.Command
	deviceInfo = &sshd.Command{
		Name:             "device-info",
		ShortDescription: "Prints json details about one adapter",
		Help:             "<device>",
		Flags: func() (*flag.FlagSet, any) {
			fl := flag.NewFlagSet("", flag.ContinueOnError)
			s := sshDeviceInfoFlags{}
			fl.BoolVar(&s.Pretty, "pretty", false, "pretty prints json")
			return fl, &s
		},
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			h, d, err := sshLookupDevice(deviceInfo, reg, a, w)
			if err != nil {
				return err
			}
			return sshWriteJSON(w, deviceInfoFor(h, d), fs.(*sshDeviceInfoFlags).Pretty)
		},
	}
	ssh.RegisterCommand(deviceInfo)

	var stats *sshd.Command
	stats = &sshd.Command{
		Name:             "stats",
		ShortDescription: "Prints the counters of one adapter",
		Help:             "<device>",
		Flags: func() (*flag.FlagSet, any) {
			fl := flag.NewFlagSet("", flag.ContinueOnError)
			s := sshStatsFlags{}
			fl.BoolVar(&s.Update, "update", false, "drains the adapter statistics window first")
			return fl, &s
		},
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			_, d, err := sshLookupDevice(stats, reg, a, w)
			if err != nil {
				return err
			}
			return sshStats(d, fs.(*sshStatsFlags), w)
		},
	}
	ssh.RegisterCommand(stats)

	var setFilter *sshd.Command
	setFilter = &sshd.Command{
		Name:             "set-filter",
		ShortDescription: "Sets the receive filter of one adapter",
		Help:             "<device> <station|broadcast|multicast|allmulti|promiscuous>...",
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			_, d, err := sshLookupDevice(setFilter, reg, a, w)
			if err != nil {
				return err
			}
			return sshSetFilter(d, a[1:], w)
		},
	}
	ssh.RegisterCommand(setFilter)

	var selfTest *sshd.Command
	selfTest = &sshd.Command{
		Name:             "selftest",
		ShortDescription: "Runs the loopback self test on one adapter",
		Help:             "<device>",
		Flags: func() (*flag.FlagSet, any) {
			fl := flag.NewFlagSet("", flag.ContinueOnError)
			s := sshSelfTestFlags{}
			fl.DurationVar(&s.Timeout, "timeout", DefaultSelfTestTimeout, "how long to wait for the frame to come back")
			fl.UintVar(&s.Seq, "seq", 1, "sequence number carried by the test frame")
			return fl, &s
		},
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			_, d, err := sshLookupDevice(selfTest, reg, a, w)
			if err != nil {
				return err
			}
			f := fs.(*sshSelfTestFlags)
			if err := d.SelfTest(uint32(f.Seq), f.Timeout); err != nil {
				_ = w.WriteLinef("%s: %s", d.Name(), err)
				return err
			}
			return w.WriteLinef("%s: loopback self test passed", d.Name())
		},
	}
	ssh.RegisterCommand(selfTest)

	ssh.RegisterCommand(&sshd.Command{
		Name:             "reload",
		ShortDescription: "Reloads configuration from disk, same as sending HUP to the process",
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			return sshReload(c, w)
		},
	})

	ssh.RegisterCommand(&sshd.Command{
		Name:             "start-cpu-profile",
		ShortDescription: "Starts a cpu profile and write output to the provided file",
		Help:             "<path>",
		Callback:         sshStartCPUProfile,
	})

	ssh.RegisterCommand(&sshd.Command{
		Name:             "stop-cpu-profile",
		ShortDescription: "Stops a cpu profile and writes output to the previously provided file",
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			pprof.StopCPUProfile()
			return w.WriteLine("If a CPU profile was running it is now stopped")
		},
	})

	ssh.RegisterCommand(&sshd.Command{
		Name:             "save-heap-profile",
		ShortDescription: "Saves a heap profile to the provided path",
		Help:             "<path>",
		Callback:         sshGetHeapProfile,
	})

	ssh.RegisterCommand(&sshd.Command{
		Name:             "log-level",
		ShortDescription: "Gets or sets the current log level",
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			return sshLogLevel(l, a, w)
		},
	})

	ssh.RegisterCommand(&sshd.Command{
		Name:             "log-format",
		ShortDescription: "Gets or sets the current log format",
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			return sshLogFormat(l, a, w)
		},
	})

	ssh.RegisterCommand(&sshd.Command{
		Name:             "version",
		ShortDescription: "Prints the currently running version of etherlink",
		Callback: func(fs any, a []string, w sshd.StringWriter) error {
			return w.WriteLine(buildVersion)
		},
	})
}

// sshLookupDevice resolves the device named by the first argument.
func sshLookupDevice(cmd *sshd.Command, reg *Registry, a []string, w sshd.StringWriter) (Handle, *Device, error) {
	if len(a) == 0 {
		return 0, nil, cmd.Usage(w)
	}

	h, d, ok := reg.Lookup(a[0])
	if !ok {
		_ = w.WriteLinef("No device named %s", a[0])
		return 0, nil, fmt.Errorf("%s: %w", a[0], ErrUnknownHandle)
	}
	return h, d, nil
}

func sshListDevices(reg *Registry, a any, w sshd.StringWriter) error {
	fs, ok := a.(*sshListDevicesFlags)
	if !ok {
		return nil
	}

	var devices []ControlDeviceInfo
	reg.Each(func(h Handle, d *Device) {
		devices = append(devices, deviceInfoFor(h, d))
	})

	if fs.Json || fs.Pretty {
		return sshWriteJSON(w, devices, fs.Pretty)
	}

	for _, d := range devices {
		err := w.WriteLinef("%s: state=%s generation=%s datapath=%s station=%s filter=%s",
			d.Name, d.State, d.Generation, d.Datapath, d.Station, d.Filter)
		if err != nil {
			return err
		}
	}
	return nil
}

func sshStats(d *Device, fs *sshStatsFlags, w sshd.StringWriter) error {
	if fs.Update {
		if err := d.UpdateStatistics(); err != nil {
			_ = w.WriteLinef("Failed to update statistics: %s", err)
			return err
		}
	}

	s := d.Statistics()
	v := reflect.ValueOf(s)
	for i := 0; i < v.NumField(); i++ {
		err := w.WriteLinef("%s: %d", v.Type().Field(i).Name, v.Field(i).Uint())
		if err != nil {
			return err
		}
	}

	c := d.DMACounters()
	return w.WriteLinef("DMA: consolidations=%d zero_copy=%d fallback=%d errors=%d init_failures=%d",
		c.Consolidations, c.ZeroCopy, c.Fallback, c.Errors, d.DMAInitFailures())
}

func sshSetFilter(d *Device, modes []string, w sshd.StringWriter) error {
	f, err := ParseRxFilter(modes)
	if err != nil {
		_ = w.WriteLine(err.Error())
		return err
	}

	if err := d.SetReceiveFilter(f); err != nil {
		_ = w.WriteLinef("Failed to set the filter: %s", err)
		return err
	}
	return w.WriteLinef("%s: filter is %s", d.Name(), f)
}

func sshWriteJSON(w sshd.StringWriter, v any, pretty bool) error {
	js := json.NewEncoder(w.GetWriter())
	if pretty {
		js.SetIndent("", "    ")
	}
	return js.Encode(v)
}

func sshStartCPUProfile(fs any, a []string, w sshd.StringWriter) error {
	if len(a) == 0 {
		return w.WriteLine("No path to write profile provided")
	}

	f, err := os.Create(a[0])
	if err != nil {
		return w.WriteLinef("Unable to create profile file: %s", err)
	}

	if err := pprof.StartCPUProfile(f); err != nil {
		return w.WriteLinef("Unable to start cpu profile: %s", err)
	}

	return w.WriteLinef("Started cpu profile, issue stop-cpu-profile to write the output to %s", a[0])
}

func sshGetHeapProfile(fs any, a []string, w sshd.StringWriter) error {
	if len(a) == 0 {
		return w.WriteLine("No path to write profile provided")
	}

	f, err := os.Create(a[0])
	if err != nil {
		return w.WriteLinef("Unable to create profile file: %s", err)
	}
	defer f.Close()

	if err := pprof.WriteHeapProfile(f); err != nil {
		return w.WriteLinef("Unable to write profile: %s", err)
	}

	return w.WriteLinef("Mem profile created at %s", a[0])
}

func sshLogLevel(l *logrus.Logger, a []string, w sshd.StringWriter) error {
	if len(a) == 0 {
		return w.WriteLinef("Log level is: %s", l.Level)
	}

	level, err := logrus.ParseLevel(a[0])
	if err != nil {
		return w.WriteLinef("Unknown log level %s. Possible log levels: %s", a, logrus.AllLevels)
	}

	l.SetLevel(level)
	return w.WriteLinef("Log level is: %s", l.Level)
}

func sshLogFormat(l *logrus.Logger, a []string, w sshd.StringWriter) error {
	if len(a) == 0 {
		return w.WriteLinef("Log format is: %s", reflect.TypeOf(l.Formatter))
	}

	logFormat := strings.ToLower(a[0])
	switch logFormat {
	case "text":
		l.Formatter = &logrus.TextFormatter{}
	case "json":
		l.Formatter = &logrus.JSONFormatter{}
	default:
		return fmt.Errorf("unknown log format `%s`. possible formats: %s", logFormat, logFormats)
	}

	return w.WriteLinef("Log format is: %s", reflect.TypeOf(l.Formatter))
}

// sshReload re-reads the configuration files in place, the same as a HUP.
func sshReload(c *config.C, w sshd.StringWriter) error {
	if c.Path() == "" {
		return w.WriteLine("Configuration was not loaded from a file, nothing to reload")
	}

	c.ReloadConfig()
	return w.WriteLine("Configuration reloaded")
}
