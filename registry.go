package etherlink

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/etherlink/regs"
)

var (
	ErrAlreadyRegistered = errors.New("an adapter is already registered at this io base")
	ErrUnknownHandle     = errors.New("unknown device handle")
)

// Handle is the stable name of a registered device. Handles are never reused.
type Handle uint32

// Registry owns every discovered device from discovery until Remove.
type Registry struct {
	mu      sync.RWMutex
	next    Handle
	devices map[Handle]*Device
	bases   map[uint16]Handle
}

func NewRegistry() *Registry {
	return &Registry{
		devices: make(map[Handle]*Device),
		bases:   make(map[uint16]Handle),
	}
}

// Discover creates the device context for the adapter at base. Two adapters
// cannot share an I/O base.
func (r *Registry) Discover(bus regs.Bus, base uint16, opts Options, l logrus.FieldLogger) (Handle, *Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.bases[base]; ok {
		return 0, nil, fmt.Errorf("io base %#x held by %s: %w", base, r.devices[h].Name(), ErrAlreadyRegistered)
	}

	r.next++
	h := r.next
	d := NewDevice(bus, base, opts, l)
	r.devices[h] = d
	r.bases[base] = h
	return h, d, nil
}

func (r *Registry) Get(h Handle) (*Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[h]
	return d, ok
}

// Lookup finds a device by name.
func (r *Registry) Lookup(name string) (Handle, *Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for h, d := range r.devices {
		if d.Name() == name {
			return h, d, true
		}
	}
	return 0, nil, false
}

// Remove tears the device down and forgets it.
func (r *Registry) Remove(h Handle) error {
	r.mu.Lock()
	d, ok := r.devices[h]
	if ok {
		delete(r.devices, h)
		delete(r.bases, d.regs.Base())
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("handle %d: %w", h, ErrUnknownHandle)
	}
	return d.Teardown()
}

// Each calls fn for every device in handle order. fn runs without the
// registry lock held.
func (r *Registry) Each(fn func(Handle, *Device)) {
	r.mu.RLock()
	handles := make([]Handle, 0, len(r.devices))
	for h := range r.devices {
		handles = append(handles, h)
	}
	devices := make(map[Handle]*Device, len(r.devices))
	for h, d := range r.devices {
		devices[h] = d
	}
	r.mu.RUnlock()

	slices.Sort(handles)
	for _, h := range handles {
		fn(h, devices[h])
	}
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// Close removes every device, returning the first teardown error.
func (r *Registry) Close() error {
	var handles []Handle
	r.Each(func(h Handle, _ *Device) { handles = append(handles, h) })

	var firstErr error
	for _, h := range handles {
		if err := r.Remove(h); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
