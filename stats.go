package etherlink

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"runtime"
	"time"

	graphite "github.com/cyberdelia/go-metrics-graphite"
	mp "github.com/nbrownus/go-metrics-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/etherlink/config"
)

// startStats configures metrics export. The returned interval drives the
// device statistics loop and is zero when stats are disabled.
func startStats(l *logrus.Logger, c *config.C, buildVersion string, configTest bool) (time.Duration, error) {
	mType := c.GetString("stats.type", "")
	if mType == "" || mType == "none" {
		return 0, nil
	}

	interval := c.GetDuration("stats.interval", 0)
	if interval == 0 {
		return 0, fmt.Errorf("stats.interval was an invalid duration: %s", c.GetString("stats.interval", ""))
	}

	var err error
	switch mType {
	case "graphite":
		err = startGraphiteStats(l, interval, c, configTest)
	case "prometheus":
		err = startPrometheusStats(l, interval, c, buildVersion, configTest)
	default:
		return 0, fmt.Errorf("stats.type was not understood: %s", mType)
	}
	if err != nil {
		return 0, err
	}

	metrics.RegisterDebugGCStats(metrics.DefaultRegistry)
	metrics.RegisterRuntimeMemStats(metrics.DefaultRegistry)

	if !configTest {
		go metrics.CaptureDebugGCStats(metrics.DefaultRegistry, interval)
		go metrics.CaptureRuntimeMemStats(metrics.DefaultRegistry, interval)
	}

	return interval, nil
}

func startGraphiteStats(l *logrus.Logger, i time.Duration, c *config.C, configTest bool) error {
	proto := c.GetString("stats.protocol", "tcp")
	host := c.GetString("stats.host", "")
	if host == "" {
		return errors.New("stats.host can not be empty")
	}

	prefix := c.GetString("stats.prefix", "etherlink")
	addr, err := net.ResolveTCPAddr(proto, host)
	if err != nil {
		return fmt.Errorf("error while setting up graphite sink: %s", err)
	}

	l.Infof("Starting graphite. Interval: %s, prefix: %s, addr: %s", i, prefix, addr)
	if !configTest {
		go graphite.Graphite(metrics.DefaultRegistry, i, prefix, addr)
	}
	return nil
}

func startPrometheusStats(l *logrus.Logger, i time.Duration, c *config.C, buildVersion string, configTest bool) error {
	namespace := c.GetString("stats.namespace", "")
	subsystem := c.GetString("stats.subsystem", "")

	listen := c.GetString("stats.listen", "")
	if listen == "" {
		return fmt.Errorf("stats.listen should not be empty")
	}

	path := c.GetString("stats.path", "")
	if path == "" {
		return fmt.Errorf("stats.path should not be empty")
	}

	pr := prometheus.NewRegistry()
	pClient := mp.NewPrometheusProvider(metrics.DefaultRegistry, namespace, subsystem, pr, i)
	if !configTest {
		go pClient.UpdatePrometheusMetrics()
	}

	// Export our version information as labels on a static gauge
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "info",
		Help:      "Version information for the etherlink binary",
		ConstLabels: prometheus.Labels{
			"version":   buildVersion,
			"goversion": runtime.Version(),
		},
	})
	pr.MustRegister(g)
	g.Set(1)

	if !configTest {
		go func() {
			l.Infof("Prometheus stats listening on %s at %s", listen, path)
			http.Handle(path, promhttp.HandlerFor(pr, promhttp.HandlerOpts{ErrorLog: l}))
			log.Fatal(http.ListenAndServe(listen, nil))
		}()
	}

	return nil
}

// statsLoop drains every device statistics window once per interval until ctx
// is done.
func statsLoop(ctx context.Context, l logrus.FieldLogger, reg *Registry, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			reg.Each(func(h Handle, d *Device) {
				if err := d.UpdateStatistics(); err != nil && !errors.Is(err, ErrNotInitialized) {
					l.WithError(err).WithField("device", d.Name()).Warn("Failed to update statistics")
				}
			})
		}
	}
}
