package etherlink

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/etherlink/config"
)

func handleDeviceList(l *logrus.Logger, reg *Registry, w http.ResponseWriter, r *http.Request) {
	out := map[string]ControlDeviceInfo{}
	reg.Each(func(h Handle, d *Device) {
		out[d.Name()] = deviceInfoFor(h, d)
	})

	w.Header().Set("Content-Type", "application/json")
	js := json.NewEncoder(w)
	err := js.Encode(out)
	if err != nil {
		http.Error(w, "json error: "+err.Error(), http.StatusInternalServerError)
		return
	}
}

func handleDeviceLookup(l *logrus.Logger, reg *Registry, w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if name == "" {
		http.Error(w, "you must provide a device name", http.StatusNotFound)
		return
	}

	h, d, ok := reg.Lookup(name)
	if !ok {
		http.Error(w, fmt.Sprintf("Device not found: %s", name), http.StatusNotFound)
		return
	}

	out, err := json.Marshal(deviceInfoFor(h, d))
	if err != nil {
		l.WithError(err).Error("failed to marshal device info")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(out)
}

func setupInfoServer(l *logrus.Logger, reg *Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /devices", func(w http.ResponseWriter, r *http.Request) { handleDeviceList(l, reg, w, r) })
	mux.HandleFunc("GET /device/{name}", func(w http.ResponseWriter, r *http.Request) { handleDeviceLookup(l, reg, w, r) })
	return mux
}

// shouldAllowBinding refuses anything but loopback, the info api has no
// authentication.
func shouldAllowBinding(addr netip.Addr) error {
	if !addr.IsLoopback() {
		return fmt.Errorf("info.listen must be a loopback address, got %s", addr)
	}
	return nil
}

// startInfo stands up a REST API that serves the state of the registered
// adapters to other services. The returned server is nil when info.listen is
// not set.
func startInfo(l *logrus.Logger, c *config.C, configTest bool, reg *Registry) (func(), *http.Server, error) {
	listen := c.GetString("info.listen", "")
	if listen == "" {
		return nil, nil, nil
	}

	host, _, err := net.SplitHostPort(listen)
	if err != nil {
		return nil, nil, fmt.Errorf("info.listen is invalid: %w", err)
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return nil, nil, fmt.Errorf("info.listen host is not an ip address: %w", err)
	}
	if err := shouldAllowBinding(addr); err != nil {
		return nil, nil, err
	}

	if configTest {
		return nil, nil, nil
	}

	srv := &http.Server{Addr: listen, Handler: setupInfoServer(l, reg)}
	startFn := func() {
		l.WithField("bind", listen).Info("Info listener starting")
		err := srv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return
		}
		if err != nil {
			l.WithError(err).Error("Info listener failed")
		}
	}

	return startFn, srv, nil
}
