package mqtt

import (
	"sync"

	"github.com/sweeney/pool-monitor/internal/monitor"
)

// FakeClient is an in-memory Client for tests. Inbound telemetry is
// injected with Deliver; published system events are recorded.
type FakeClient struct {
	msgs chan monitor.Message

	mu             sync.Mutex
	systemEvents   []SystemEvent
	systemPayloads [][]byte
	publishErr     error
	connected      bool
	closed         bool
}

// NewFakeClient returns a connected FakeClient whose message channel holds
// up to capacity undelivered messages.
func NewFakeClient(capacity int) *FakeClient {
	return &FakeClient{
		msgs:      make(chan monitor.Message, capacity),
		connected: true,
	}
}

// Deliver queues an inbound message. It blocks when the channel is full.
func (f *FakeClient) Deliver(topic, payload string) {
	f.msgs <- monitor.Message{Topic: topic, Payload: []byte(payload)}
}

// Messages implements Client.
func (f *FakeClient) Messages() <-chan monitor.Message {
	return f.msgs
}

// PublishSystem records event, or returns the configured error.
func (f *FakeClient) PublishSystem(event SystemEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return err
	}
	f.systemEvents = append(f.systemEvents, event)
	f.systemPayloads = append(f.systemPayloads, payload)
	return nil
}

// SystemEvents returns a copy of the recorded events.
func (f *FakeClient) SystemEvents() []SystemEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SystemEvent(nil), f.systemEvents...)
}

// SystemPayloads returns a copy of the recorded payloads.
func (f *FakeClient) SystemPayloads() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.systemPayloads...)
}

// SetPublishError makes PublishSystem fail with err (nil clears it).
func (f *FakeClient) SetPublishError(err error) {
	f.mu.Lock()
	f.publishErr = err
	f.mu.Unlock()
}

// SetConnected controls IsConnected.
func (f *FakeClient) SetConnected(v bool) {
	f.mu.Lock()
	f.connected = v
	f.mu.Unlock()
}

// IsConnected implements Client.
func (f *FakeClient) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// Close marks the client closed.
func (f *FakeClient) Close() error {
	f.mu.Lock()
	f.closed = true
	f.connected = false
	f.mu.Unlock()
	return nil
}

// Closed reports whether Close was called.
func (f *FakeClient) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

var (
	_ Client = (*FakeClient)(nil)
	_ Client = (*RealClient)(nil)
)
