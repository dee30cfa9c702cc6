// Package mqtt is the MQTT transport: it subscribes to the telemetry topics,
// delivers inbound messages to the engine and publishes system lifecycle
// events on the status topic.
package mqtt

import (
	"encoding/json"
	"time"

	"github.com/sweeney/pool-monitor/internal/monitor"
)

// System event names.
const (
	EventStartup     = "STARTUP"
	EventShutdown    = "SHUTDOWN"
	EventHeartbeat   = "HEARTBEAT"
	EventReconnected = "RECONNECTED"
)

// Client is a telemetry transport. It is implemented by RealClient,
// FakeClient and the NATS client.
type Client interface {
	// Messages delivers inbound telemetry. The channel is never closed;
	// consumers stop on their own context.
	Messages() <-chan monitor.Message

	// PublishSystem sends a lifecycle event. Failures are returned but must
	// not stop the process.
	PublishSystem(event SystemEvent) error

	// IsConnected reports whether the broker link is up.
	IsConnected() bool

	// Close disconnects from the broker.
	Close() error
}

// SystemEvent is a lifecycle event (startup, shutdown, heartbeat).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string
	Reason     string // shutdown only, e.g. "SIGTERM"
	RawPayload []byte // pre-formatted status snapshot; returned as-is by FormatSystemPayload
	Retained   bool
}

// SystemPayload is the payload for events that carry no status snapshot
// (the will message, RECONNECTED).
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp,omitempty"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload returns the JSON payload for event. A zero
// Timestamp is left out of the payload.
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}
	inner := SystemPayloadInner{Event: event.Event, Reason: event.Reason}
	if !event.Timestamp.IsZero() {
		inner.Timestamp = event.Timestamp.UTC().Format(time.RFC3339)
	}
	return json.Marshal(SystemPayload{System: inner})
}

// WillPayload is the SHUTDOWN event the broker publishes when the client
// drops without disconnecting. It is registered at connect time, so it
// carries no timestamp.
func WillPayload() ([]byte, error) {
	return FormatSystemPayload(SystemEvent{Event: EventShutdown, Reason: "MQTT_DISCONNECT"})
}

// SubscriptionTopics returns the non-empty topics in t.
func SubscriptionTopics(t monitor.Topics) []string {
	var out []string
	for _, topic := range []string{t.ORP, t.PH, t.RPM, t.WaterFlow} {
		if topic != "" {
			out = append(out, topic)
		}
	}
	return out
}
