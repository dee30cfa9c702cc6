package monitor

import (
	"math"
	"time"
)

// HasChanged reports whether current differs from previous by more than tolerance.
func HasChanged(previous, current, tolerance float64) bool {
	return math.Abs(current-previous) > tolerance
}

// Compare applies HasChanged to possibly-unset readings. comparable is false
// when either side is unset and the policy is BaselineSkip.
func Compare(previous, current Value, tolerance float64, policy BaselinePolicy) (changed, comparable bool) {
	if !previous.Set || !current.Set {
		if policy == BaselineUnchanged {
			return false, true
		}
		return false, false
	}
	return HasChanged(previous.V, current.V, tolerance), true
}

// FailureCounter counts consecutive ticks in which neither ORP nor pH moved.
type FailureCounter struct {
	n uint
}

// Tick records one comparison result and returns the updated count.
func (c *FailureCounter) Tick(orpChanged, phChanged bool) uint {
	if orpChanged || phChanged {
		c.n = 0
	} else {
		c.n++
	}
	return c.n
}

// Count returns the current count.
func (c *FailureCounter) Count() uint { return c.n }

// Reset sets the count back to zero.
func (c *FailureCounter) Reset() { c.n = 0 }

// Allow reports whether at least min has elapsed since last. A zero last
// always allows.
func Allow(now, last time.Time, min time.Duration) bool {
	if last.IsZero() {
		return true
	}
	return now.Sub(last) >= min
}

// Throttle gates one class of dispatch to at most once per window.
type Throttle struct {
	window time.Duration
	last   time.Time
}

// NewThrottle creates a Throttle with the given window.
func NewThrottle(window time.Duration) *Throttle {
	return &Throttle{window: window}
}

// Allow reports whether a dispatch at now is permitted. It does not record.
func (t *Throttle) Allow(now time.Time) bool {
	return Allow(now, t.last, t.window)
}

// Record marks now as the time of the last dispatch.
func (t *Throttle) Record(now time.Time) { t.last = now }

// Last returns the time of the last recorded dispatch.
func (t *Throttle) Last() time.Time { return t.last }
