// Package timing provides the monotonic tick source used for hardware polling
// and inter-step delays. Every wait in the driver core is expressed as a
// deadline against a Clock so behavior does not depend on how fast a poll loop
// happens to spin.
package timing

import (
	"sync"
	"time"
)

// Clock is a monotonic time source that can also delay the caller.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

// System is the wall clock of the host.
type System struct{}

func (System) Now() time.Time        { return time.Now() }
func (System) Sleep(d time.Duration) { time.Sleep(d) }

// Poll calls done until it reports true or timeout has elapsed on c. Between
// attempts it sleeps for interval. done is always evaluated at least once, and
// once more after the deadline passes so a condition that became true during
// the final sleep is not reported as a timeout.
func Poll(c Clock, timeout, interval time.Duration, done func() bool) bool {
	deadline := c.Now().Add(timeout)
	for {
		if done() {
			return true
		}

		if !c.Now().Before(deadline) {
			return false
		}

		c.Sleep(interval)
	}
}

// Fake is a Clock for tests. Time only moves when Sleep or Advance is called.
type Fake struct {
	mu  sync.Mutex
	now time.Time

	// OnSleep, when set, is called after every Sleep with the new time. Tests use
	// it to make simulated hardware finish an operation after some delay.
	OnSleep func(now time.Time)
}

func NewFake() *Fake {
	return &Fake{now: time.Unix(0, 0)}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Sleep(d time.Duration) {
	now := f.Advance(d)
	if f.OnSleep != nil {
		f.OnSleep(now)
	}
}

// Advance moves the fake clock forward and returns the new time.
func (f *Fake) Advance(d time.Duration) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
	return f.now
}
