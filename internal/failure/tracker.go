// Package failure keeps per-device retry/backoff/enable state.
// Protocol failures and read timeouts are counted separately: a dead
// wire and a malformed reply are different fault classes with their
// own disable ceilings.
package failure

import (
	"sync"
	"time"

	"github.com/mlutra/fieldgate/helpers"
	"github.com/mlutra/fieldgate/log2"
)

type Config struct {
	MaxRetries  int // retry ceiling before auto-disable
	MaxTimeouts int // consecutive-timeout ceiling before auto-disable
}

const (
	DefaultMaxRetries  = 5
	DefaultMaxTimeouts = 8
)

// State is a diagnostics copy of one device's failure bookkeeping.
// Never persisted.
type State struct {
	ConsecutiveFailures int
	ConsecutiveTimeouts int
	RetryCount          int
	NextRetryAt         time.Time
	LastAttempt         time.Time
	Enabled             bool
	MaxRetries          int
}

type Tracker struct {
	mu      sync.Mutex
	devices map[string]*State
	cfg     Config
	backoff *helpers.Backoff
	log     *log2.Log
	now     func() time.Time
}

func NewTracker(cfg Config, b *helpers.Backoff, log *log2.Log) *Tracker {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.MaxTimeouts <= 0 {
		cfg.MaxTimeouts = DefaultMaxTimeouts
	}
	return &Tracker{
		devices: make(map[string]*State),
		cfg:     cfg,
		backoff: b,
		log:     log,
		now:     time.Now,
	}
}

// Track registers a device on list refresh. Existing state survives so a
// refresh does not reset a backed-off device.
func (t *Tracker) Track(deviceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.devices[deviceID]; !ok {
		t.devices[deviceID] = &State{Enabled: true, MaxRetries: t.cfg.MaxRetries}
	}
}

// Forget drops state for a removed device.
func (t *Tracker) Forget(deviceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.devices, deviceID)
}

func (t *Tracker) RecordSuccess(deviceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.state(deviceID)
	s.ConsecutiveFailures = 0
	s.ConsecutiveTimeouts = 0
	s.RetryCount = 0
	s.LastAttempt = t.now()
	// re-arm so a previously backed-off device polls again immediately
	s.NextRetryAt = s.LastAttempt
}

func (t *Tracker) RecordFailure(deviceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.state(deviceID)
	s.ConsecutiveTimeouts = 0
	t.fail(deviceID, s)
}

// RecordTimeout is RecordFailure plus the independent timeout counter.
func (t *Tracker) RecordTimeout(deviceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.state(deviceID)
	s.ConsecutiveTimeouts++
	if s.ConsecutiveTimeouts >= t.cfg.MaxTimeouts && s.Enabled {
		s.Enabled = false
		t.log.Errorf("failure device=%s disabled after timeouts=%d", deviceID, s.ConsecutiveTimeouts)
	}
	t.fail(deviceID, s)
}

func (t *Tracker) fail(deviceID string, s *State) {
	s.ConsecutiveFailures++
	s.RetryCount++
	s.LastAttempt = t.now()
	if s.RetryCount >= s.MaxRetries {
		if s.Enabled {
			s.Enabled = false
			t.log.Errorf("failure device=%s disabled after retries=%d", deviceID, s.RetryCount)
		}
		return
	}
	delay := t.backoff.Delay(s.RetryCount)
	s.NextRetryAt = s.LastAttempt.Add(delay)
	t.log.Debugf("failure device=%s retry=%d next in %s", deviceID, s.RetryCount, delay)
}

// IsEnabled is true for unknown devices: never polled means never failed.
func (t *Tracker) IsEnabled(deviceID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.devices[deviceID]; ok {
		return s.Enabled
	}
	return true
}

// Enable is the operator re-enable path: counters reset, polls resume.
func (t *Tracker) Enable(deviceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.state(deviceID)
	s.Enabled = true
	s.ConsecutiveFailures = 0
	s.ConsecutiveTimeouts = 0
	s.RetryCount = 0
	s.NextRetryAt = t.now()
}

// ShouldRetryNow is false while the device never failed and false until
// the backoff deadline elapses.
func (t *Tracker) ShouldRetryNow(deviceID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.devices[deviceID]
	if !ok || s.RetryCount == 0 {
		return false
	}
	return !t.now().Before(s.NextRetryAt)
}

// InBackoff reports whether polling must wait for the retry deadline.
func (t *Tracker) InBackoff(deviceID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.devices[deviceID]
	if !ok || s.RetryCount == 0 {
		return false
	}
	return t.now().Before(s.NextRetryAt)
}

// Snapshot returns a copy of the device state for diagnostics.
func (t *Tracker) Snapshot(deviceID string) (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.devices[deviceID]; ok {
		return *s, true
	}
	return State{}, false
}

func (t *Tracker) state(deviceID string) *State {
	s, ok := t.devices[deviceID]
	if !ok {
		s = &State{Enabled: true, MaxRetries: t.cfg.MaxRetries}
		t.devices[deviceID] = s
	}
	return s
}
