// Package monitor contains the pool monitoring engine: signal tracking, change
// detection, failure counting, alert throttling and the pump/flow consistency
// state machine.
//
// The engine performs no I/O of its own. Telemetry arrives as Messages,
// outbound alerts and corrective actions go through the Notifier and
// Controller interfaces, and time is injectable.
package monitor

import (
	"context"
	"time"
)

// Signal identifies one tracked telemetry channel.
type Signal string

const (
	SignalORP       Signal = "orp"
	SignalPH        Signal = "ph"
	SignalPumpRPM   Signal = "rpm"
	SignalWaterFlow Signal = "water_flow"
)

// FlowState is the normalized water-flow switch state.
type FlowState string

const (
	FlowUnset FlowState = ""
	FlowOn    FlowState = "on"
	FlowOff   FlowState = "off"
)

// Value is a numeric reading that may not have arrived yet.
type Value struct {
	V   float64
	Set bool
}

// Some returns a set Value.
func Some(v float64) Value {
	return Value{V: v, Set: true}
}

// String renders the value, or "unset".
func (v Value) String() string {
	if !v.Set {
		return "unset"
	}
	return formatFloat(v.V)
}

// Message is one inbound telemetry message as delivered by a transport.
type Message struct {
	Topic   string
	Payload []byte
}

// Topics maps each signal to the transport topic it arrives on.
type Topics struct {
	ORP       string
	PH        string
	RPM       string
	WaterFlow string
}

// BaselinePolicy decides how a comparison against an unset reading is treated.
type BaselinePolicy string

const (
	// BaselineSkip treats an unset reading as not comparable; the tick leaves
	// the failure counter untouched.
	BaselineSkip BaselinePolicy = "skip"
	// BaselineUnchanged counts an unset reading as unchanged.
	BaselineUnchanged BaselinePolicy = "unchanged"
)

// Config holds the engine settings. It is immutable once the engine is built.
type Config struct {
	TickInterval     time.Duration
	Tolerance        float64
	MaxFailures      uint
	ThrottleWindow   time.Duration
	PumpRPMThreshold float64
	UnsetBaseline    BaselinePolicy
	DispatchTimeout  time.Duration
	Topics           Topics
}

// Notifier delivers operator alert text.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// Controller issues corrective actions to the pool equipment controller.
type Controller interface {
	// ResetDevice requests a full controller reset.
	ResetDevice(ctx context.Context) error
	// ResetInputPin resets the flow switch input pin.
	ResetInputPin(ctx context.Context) error
}

// Ticker delivers monitoring ticks while a session is active.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type realTicker struct {
	t *time.Ticker
}

func newRealTicker(d time.Duration) Ticker {
	return &realTicker{t: time.NewTicker(d)}
}

func (r *realTicker) C() <-chan time.Time { return r.t.C }
func (r *realTicker) Stop()               { r.t.Stop() }

// State is a point-in-time view of the engine, handed to observers after
// every message and tick.
type State struct {
	Signals        Snapshot
	Active         bool
	SessionStart   time.Time
	FailureCount   uint
	LastAlert      time.Time
	LastFlowReset  time.Time
	LastIncidentID string
	Counts         Counts
}

// Counts tracks engine activity since startup.
type Counts struct {
	Ticks       int
	Alerts      int
	Resets      int
	FlowResets  int
	Sessions    int
	ParseErrors int
}
