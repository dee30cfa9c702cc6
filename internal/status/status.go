// Package status provides a thread-safe status tracker for the pool monitor.
// The engine writes to it after every message and tick; HTTP handlers and
// system events read point-in-time snapshots.
package status

import (
	"sync"
	"time"

	"github.com/sweeney/pool-monitor/internal/monitor"
)

// Config contains daemon configuration for display.
type Config struct {
	Transport        string
	Broker           string
	TickInterval     time.Duration
	ThrottleWindow   time.Duration
	Heartbeat        time.Duration
	FailureCount     int
	Tolerance        float64
	PumpRPMThreshold float64
	GPIOFlowSwitch   bool
	HTTPAddr         string
}

// Snapshot is a point-in-time view of daemon state. It is a value type and
// safe to use after the lock is released.
type Snapshot struct {
	Engine    monitor.State
	StartTime time.Time
	Now       time.Time
	Connected bool
	Config    Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
	now  func() time.Time
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{StartTime: startTime, Config: cfg},
		now:  time.Now,
	}
}

// Update stores the latest engine state. It has the shape of the engine's
// state observer.
func (t *Tracker) Update(state monitor.State) {
	t.mu.Lock()
	t.snap.Engine = state
	t.mu.Unlock()
}

// SetConnected records the transport link status.
func (t *Tracker) SetConnected(connected bool) {
	t.mu.Lock()
	t.snap.Connected = connected
	t.mu.Unlock()
}

// Snapshot returns a copy of the daemon state with Now set to the current
// time.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	t.mu.RUnlock()
	s.Now = t.now()
	return s
}
