package metrics

import (
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/sweeney/pool-monitor/internal/monitor"
)

func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m, reg
}

func TestRecorderCounters(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.MessageReceived(monitor.SignalORP)
	m.MessageReceived(monitor.SignalORP)
	m.MessageReceived(monitor.SignalPH)
	m.MessageDropped("pool/orp")

	if got := testutil.ToFloat64(m.received.WithLabelValues("orp")); got != 2 {
		t.Errorf("orp received: got %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.received.WithLabelValues("ph")); got != 1 {
		t.Errorf("ph received: got %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.dropped.WithLabelValues("pool/orp")); got != 1 {
		t.Errorf("dropped: got %v, want 1", got)
	}
}

func TestTickAndSession(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.SessionChanged(true)
	m.TickCompleted(1)
	m.TickCompleted(2)

	if got := testutil.ToFloat64(m.ticks); got != 2 {
		t.Errorf("ticks: got %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.failures); got != 2 {
		t.Errorf("failure_count: got %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.active); got != 1 {
		t.Errorf("session_active: got %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.sessions); got != 1 {
		t.Errorf("sessions: got %v, want 1", got)
	}

	m.SessionChanged(false)
	if got := testutil.ToFloat64(m.active); got != 0 {
		t.Errorf("session_active after stop: got %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.failures); got != 0 {
		t.Errorf("failure_count after stop: got %v, want 0", got)
	}
}

func TestDispatchResults(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.Dispatched(monitor.DispatchAlert, nil)
	m.Dispatched(monitor.DispatchDeviceReset, errors.New("connection refused"))
	m.Dispatched(monitor.DispatchDeviceReset, nil)

	if got := testutil.ToFloat64(m.dispatches.WithLabelValues("alert", "success")); got != 1 {
		t.Errorf("alert success: got %v", got)
	}
	if got := testutil.ToFloat64(m.dispatches.WithLabelValues("device_reset", "error")); got != 1 {
		t.Errorf("device_reset error: got %v", got)
	}
	if got := testutil.ToFloat64(m.dispatches.WithLabelValues("device_reset", "success")); got != 1 {
		t.Errorf("device_reset success: got %v", got)
	}
}

func TestGatherExposition(t *testing.T) {
	m, reg := newTestMetrics(t)
	m.TickCompleted(3)

	expected := `
# HELP pool_monitor_ticks_total Monitoring evaluations performed.
# TYPE pool_monitor_ticks_total counter
pool_monitor_ticks_total 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "pool_monitor_ticks_total"); err != nil {
		t.Error(err)
	}
}

func TestDoubleRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := New(reg); err != nil {
		t.Fatalf("first New: %v", err)
	}
	if _, err := New(reg); err == nil {
		t.Error("expected duplicate registration error")
	}
}

var _ monitor.Recorder = (*Metrics)(nil)
