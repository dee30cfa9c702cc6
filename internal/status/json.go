package status

import (
	"encoding/json"
	"time"

	"github.com/sweeney/pool-monitor/internal/monitor"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string         `json:"event,omitempty"`
	Reason        string         `json:"reason,omitempty"`
	Readings      ReadingsJSON   `json:"readings"`
	Monitoring    MonitoringJSON `json:"monitoring"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	StartTime     string         `json:"start_time"`
	Timestamp     string         `json:"timestamp"`
	Transport     TransportJSON  `json:"transport"`
	Counts        CountsJSON     `json:"counts"`
	Config        ConfigJSON     `json:"config"`
}

// ReadingsJSON holds the latest signal values. Unset readings are null.
type ReadingsJSON struct {
	ORP       *float64 `json:"orp"`
	PH        *float64 `json:"ph"`
	PumpRPM   *float64 `json:"pump_rpm"`
	WaterFlow string   `json:"water_flow"`
}

// MonitoringJSON describes the monitoring session.
type MonitoringJSON struct {
	Active        bool   `json:"active"`
	SessionStart  string `json:"session_start,omitempty"`
	FailureCount  uint   `json:"failure_count"`
	LastAlert     string `json:"last_alert,omitempty"`
	LastFlowReset string `json:"last_flow_reset,omitempty"`
	LastIncident  string `json:"last_incident,omitempty"`
}

// TransportJSON reports the telemetry link.
type TransportJSON struct {
	Type      string `json:"type"`
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// CountsJSON is the JSON representation of engine counters.
type CountsJSON struct {
	Ticks       int `json:"ticks"`
	Alerts      int `json:"alerts"`
	Resets      int `json:"resets"`
	FlowResets  int `json:"flow_resets"`
	Sessions    int `json:"sessions"`
	ParseErrors int `json:"parse_errors"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	TickMs           int64   `json:"tick_ms"`
	ThrottleMs       int64   `json:"throttle_ms"`
	HeartbeatMs      int64   `json:"heartbeat_ms"`
	FailureCount     int     `json:"failure_count"`
	Tolerance        float64 `json:"tolerance"`
	PumpRPMThreshold float64 `json:"pump_rpm_threshold"`
	GPIOFlowSwitch   bool    `json:"gpio_flow_switch"`
	HTTPAddr         string  `json:"http_addr,omitempty"`
}

func value(v monitor.Value) *float64 {
	if !v.Set {
		return nil
	}
	f := v.V
	return &f
}

func timestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// FlowLabel renders a flow state for display.
func FlowLabel(f monitor.FlowState) string {
	if f == monitor.FlowUnset {
		return "unknown"
	}
	return string(f)
}

func buildInner(snap Snapshot) StatusInner {
	e := snap.Engine
	c := snap.Config
	return StatusInner{
		Readings: ReadingsJSON{
			ORP:       value(e.Signals.ORP),
			PH:        value(e.Signals.PH),
			PumpRPM:   value(e.Signals.PumpRPM),
			WaterFlow: FlowLabel(e.Signals.WaterFlow),
		},
		Monitoring: MonitoringJSON{
			Active:        e.Active,
			SessionStart:  timestamp(e.SessionStart),
			FailureCount:  e.FailureCount,
			LastAlert:     timestamp(e.LastAlert),
			LastFlowReset: timestamp(e.LastFlowReset),
			LastIncident:  e.LastIncidentID,
		},
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     timestamp(snap.StartTime),
		Timestamp:     timestamp(snap.Now),
		Transport:     TransportJSON{Type: c.Transport, Connected: snap.Connected, Broker: c.Broker},
		Counts: CountsJSON{
			Ticks:       e.Counts.Ticks,
			Alerts:      e.Counts.Alerts,
			Resets:      e.Counts.Resets,
			FlowResets:  e.Counts.FlowResets,
			Sessions:    e.Counts.Sessions,
			ParseErrors: e.Counts.ParseErrors,
		},
		Config: ConfigJSON{
			TickMs:           c.TickInterval.Milliseconds(),
			ThrottleMs:       c.ThrottleWindow.Milliseconds(),
			HeartbeatMs:      c.Heartbeat.Milliseconds(),
			FailureCount:     c.FailureCount,
			Tolerance:        c.Tolerance,
			PumpRPMThreshold: c.PumpRPMThreshold,
			GPIOFlowSwitch:   c.GPIOFlowSwitch,
			HTTPAddr:         c.HTTPAddr,
		},
	}
}

// FormatJSON returns the indented JSON status for the web endpoint.
func FormatJSON(snap Snapshot) []byte {
	data, _ := json.MarshalIndent(StatusJSON{Status: buildInner(snap)}, "", "  ")
	return data
}

// FormatStatusEvent returns the compact JSON status for a system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason
	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
