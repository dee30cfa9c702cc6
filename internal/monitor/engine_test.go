package monitor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sweeney/pool-monitor/internal/controller"
	"github.com/sweeney/pool-monitor/internal/notify"
)

// fakeTicker is a Ticker whose channel the test drives directly.
type fakeTicker struct {
	c        chan time.Time
	interval time.Duration

	mu      sync.Mutex
	stopped int
}

func (f *fakeTicker) C() <-chan time.Time { return f.c }

func (f *fakeTicker) Stop() {
	f.mu.Lock()
	f.stopped++
	f.mu.Unlock()
}

func (f *fakeTicker) stops() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

// tickerFactory records every ticker the engine creates.
type tickerFactory struct {
	created chan *fakeTicker
}

func newTickerFactory() *tickerFactory {
	return &tickerFactory{created: make(chan *fakeTicker, 16)}
}

func (f *tickerFactory) New(d time.Duration) Ticker {
	t := &fakeTicker{c: make(chan time.Time), interval: d}
	f.created <- t
	return t
}

type harness struct {
	engine   *Engine
	notifier *notify.Fake
	ctrl     *controller.Fake
	tickers  *tickerFactory
	logs     *bytes.Buffer
	rec      *countingRecorder
}

// countingRecorder counts Recorder calls.
type countingRecorder struct {
	mu         sync.Mutex
	received   int
	dropped    int
	ticks      int
	dispatched map[string]int
	failed     map[string]int
	sessions   []bool
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{dispatched: map[string]int{}, failed: map[string]int{}}
}

func (r *countingRecorder) MessageReceived(Signal) {
	r.mu.Lock()
	r.received++
	r.mu.Unlock()
}

func (r *countingRecorder) MessageDropped(string) {
	r.mu.Lock()
	r.dropped++
	r.mu.Unlock()
}

func (r *countingRecorder) TickCompleted(uint) {
	r.mu.Lock()
	r.ticks++
	r.mu.Unlock()
}

func (r *countingRecorder) Dispatched(kind string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.failed[kind]++
		return
	}
	r.dispatched[kind]++
}

func (r *countingRecorder) SessionChanged(active bool) {
	r.mu.Lock()
	r.sessions = append(r.sessions, active)
	r.mu.Unlock()
}

func testConfig() Config {
	return Config{
		TickInterval:     time.Second,
		Tolerance:        0.5,
		MaxFailures:      3,
		ThrottleWindow:   10 * time.Second,
		PumpRPMThreshold: 1500,
		UnsetBaseline:    BaselineSkip,
		DispatchTimeout:  time.Second,
		Topics:           testTopics,
	}
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		notifier: notify.NewFake(),
		ctrl:     controller.NewFake(),
		tickers:  newTickerFactory(),
		logs:     &bytes.Buffer{},
		rec:      newCountingRecorder(),
	}
	logger := slog.New(slog.NewTextHandler(&lockedWriter{w: h.logs}, &slog.HandlerOptions{Level: slog.LevelDebug}))
	h.engine = New(cfg, Options{
		Notifier:   h.notifier,
		Controller: h.ctrl,
		Recorder:   h.rec,
		Logger:     logger,
		Now:        func() time.Time { return t0 },
		NewTicker:  h.tickers.New,
	})
	return h
}

// lockedWriter serialises writes from the engine and dispatch goroutines.
type lockedWriter struct {
	mu sync.Mutex
	w  *bytes.Buffer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func orpMsg(v float64) Message {
	return Message{Topic: testTopics.ORP, Payload: []byte(fmt.Sprintf(`{"orpLevel":%v}`, v))}
}

func phMsg(v float64) Message {
	return Message{Topic: testTopics.PH, Payload: []byte(fmt.Sprintf(`{"pHLevel":%v}`, v))}
}

func rpmMsg(v float64) Message {
	return Message{Topic: testTopics.RPM, Payload: []byte(fmt.Sprintf(`{"rpm":%v}`, v))}
}

func flowMsg(s string) Message {
	return Message{Topic: testTopics.WaterFlow, Payload: []byte(fmt.Sprintf(`{"waterFlow":%q}`, s))}
}

func TestStartsSessionAboveThreshold(t *testing.T) {
	h := newHarness(t, testConfig())

	h.engine.HandleMessage(rpmMsg(1000))
	if h.engine.Active() {
		t.Fatal("rpm below threshold should not start monitoring")
	}

	h.engine.HandleMessage(rpmMsg(1500))
	if h.engine.Active() {
		t.Fatal("rpm equal to threshold should not start monitoring")
	}

	h.engine.HandleMessage(rpmMsg(2000))
	if !h.engine.Active() {
		t.Fatal("rpm above threshold should start monitoring")
	}

	h.engine.HandleMessage(rpmMsg(2500))
	if len(h.tickers.created) != 1 {
		t.Errorf("expected exactly 1 session ticker, got %d", len(h.tickers.created))
	}
	tk := <-h.tickers.created
	if tk.interval != time.Second {
		t.Errorf("ticker interval: got %v, want 1s", tk.interval)
	}
	if got := h.engine.State().Counts.Sessions; got != 1 {
		t.Errorf("Sessions: got %d, want 1", got)
	}
}

func TestStopsSessionAtThreshold(t *testing.T) {
	h := newHarness(t, testConfig())

	h.engine.HandleMessage(rpmMsg(2000))
	tk := <-h.tickers.created

	h.engine.HandleMessage(rpmMsg(1500))
	if h.engine.Active() {
		t.Fatal("rpm equal to threshold should stop monitoring")
	}
	if tk.stops() != 1 {
		t.Errorf("ticker Stop calls: got %d, want 1", tk.stops())
	}

	// Restart creates a fresh session.
	h.engine.HandleMessage(rpmMsg(1600))
	if !h.engine.Active() {
		t.Fatal("expected monitoring restarted")
	}
	if len(h.tickers.created) != 1 {
		t.Errorf("expected a new ticker on restart")
	}
}

func TestStopMonitoringIdempotent(t *testing.T) {
	h := newHarness(t, testConfig())
	h.engine.StartMonitoring()
	tk := <-h.tickers.created

	h.engine.StopMonitoring("test")
	h.engine.StopMonitoring("test")

	if tk.stops() != 1 {
		t.Errorf("ticker Stop calls: got %d, want 1", tk.stops())
	}
	logs := h.logs.String()
	if n := strings.Count(logs, "monitor: stopped monitoring"); n != 1 {
		t.Errorf("stopped log lines: got %d, want 1", n)
	}
	if n := strings.Count(logs, "monitor: monitoring was not running"); n != 1 {
		t.Errorf("no-op log lines: got %d, want 1", n)
	}
}

func TestStartMonitoringTwiceIsNoop(t *testing.T) {
	h := newHarness(t, testConfig())
	h.engine.StartMonitoring()
	h.engine.StartMonitoring()

	if len(h.tickers.created) != 1 {
		t.Errorf("expected 1 ticker, got %d", len(h.tickers.created))
	}
	if !strings.Contains(h.logs.String(), "monitor: monitoring is already running") {
		t.Error("expected already-running log")
	}
}

func TestParseErrorDropsMessage(t *testing.T) {
	h := newHarness(t, testConfig())

	h.engine.HandleMessage(Message{Topic: testTopics.ORP, Payload: []byte("garbage")})
	h.engine.HandleMessage(Message{Topic: "pool/unknown", Payload: []byte("1")})

	st := h.engine.State()
	if st.Signals.ORP.Set {
		t.Error("ORP should remain unset after a parse error")
	}
	if st.Counts.ParseErrors != 2 {
		t.Errorf("ParseErrors: got %d, want 2", st.Counts.ParseErrors)
	}
	if h.rec.dropped != 2 {
		t.Errorf("recorder dropped: got %d, want 2", h.rec.dropped)
	}
	if !strings.Contains(h.logs.String(), "level=ERROR") {
		t.Error("parse errors should be logged at error level")
	}
}

func TestIngestDoesNotTouchPrevious(t *testing.T) {
	h := newHarness(t, testConfig())
	h.engine.HandleMessage(orpMsg(700))
	h.engine.HandleMessage(phMsg(7.2))

	snap := h.engine.State().Signals
	if !snap.ORP.Set || snap.ORP.V != 700 || !snap.PH.Set || snap.PH.V != 7.2 {
		t.Errorf("unexpected current values: %+v", snap)
	}
	if snap.PrevORP.Set || snap.PrevPH.Set {
		t.Error("previous values must only be written by a tick")
	}
}

// runStuckScenario feeds ORP=7.0 and pH=7.2 before each of n ticks, one
// second apart, with the pump running and water flowing. It returns the
// alert count observed after each tick.
func runStuckScenario(t *testing.T, h *harness, n int) []int {
	t.Helper()
	h.engine.HandleMessage(rpmMsg(2000))
	h.engine.HandleMessage(flowMsg("on"))

	var alerts []int
	for i := 1; i <= n; i++ {
		h.engine.HandleMessage(orpMsg(7.0))
		h.engine.HandleMessage(phMsg(7.2))
		h.engine.Tick(context.Background(), t0.Add(time.Duration(i)*time.Second))
		alerts = append(alerts, h.ctrl.DeviceResets())
	}
	return alerts
}

func TestStuckScenarioUnsetCountsAsUnchanged(t *testing.T) {
	cfg := testConfig()
	cfg.UnsetBaseline = BaselineUnchanged
	h := newHarness(t, cfg)

	resets := runStuckScenario(t, h, 4)

	want := []int{0, 0, 1, 1}
	for i := range want {
		if resets[i] != want[i] {
			t.Fatalf("after tick %d: device resets %d, want %d (all: %v)", i+1, resets[i], want[i], resets)
		}
	}

	texts := h.notifier.Texts()
	if len(texts) != 1 {
		t.Fatalf("expected exactly 1 alert, got %d: %v", len(texts), texts)
	}
	if texts[0] != "ORP and pH levels have not changed. ORP: 7, pH: 7.2" {
		t.Errorf("alert text: got %q", texts[0])
	}
	if h.engine.State().LastIncidentID == "" {
		t.Error("expected an incident id")
	}
}

func TestStuckScenarioSkipsUnsetBaseline(t *testing.T) {
	h := newHarness(t, testConfig())

	resets := runStuckScenario(t, h, 4)

	// The first tick only establishes the baseline.
	want := []int{0, 0, 0, 1}
	for i := range want {
		if resets[i] != want[i] {
			t.Fatalf("after tick %d: device resets %d, want %d (all: %v)", i+1, resets[i], want[i], resets)
		}
	}
	if len(h.notifier.Texts()) != 1 {
		t.Errorf("expected 1 alert, got %d", len(h.notifier.Texts()))
	}
}

func TestStuckAlertThrottled(t *testing.T) {
	cfg := testConfig()
	cfg.UnsetBaseline = BaselineUnchanged
	h := newHarness(t, cfg)

	// Ticks 1..9 are within 10s of the first alert at tick 3; the count
	// reaches 3 again at tick 6 and 9 but must not re-fire.
	runStuckScenario(t, h, 9)
	if got := h.ctrl.DeviceResets(); got != 1 {
		t.Fatalf("device resets within throttle window: got %d, want 1", got)
	}
	if got := h.engine.State().FailureCount; got < 3 {
		t.Errorf("failure count should keep climbing while throttled, got %d", got)
	}

	// Tick 13 is exactly 10s after tick 3.
	for i := 10; i <= 13; i++ {
		h.engine.Tick(context.Background(), t0.Add(time.Duration(i)*time.Second))
	}
	if got := h.ctrl.DeviceResets(); got != 2 {
		t.Errorf("device resets after throttle window: got %d, want 2", got)
	}
	if got := h.engine.State().FailureCount; got != 0 {
		t.Errorf("failure count after alert: got %d, want 0", got)
	}
}

func TestChangeResetsFailureCount(t *testing.T) {
	cfg := testConfig()
	cfg.UnsetBaseline = BaselineUnchanged
	h := newHarness(t, cfg)
	h.engine.HandleMessage(rpmMsg(2000))
	h.engine.HandleMessage(flowMsg("on"))

	values := []float64{7.0, 7.0, 7.6, 7.6, 7.6}
	for i, v := range values {
		h.engine.HandleMessage(orpMsg(v))
		h.engine.HandleMessage(phMsg(7.2))
		h.engine.Tick(context.Background(), t0.Add(time.Duration(i+1)*time.Second))
	}

	// ticks: 1 (unset->7.0), 2, reset by 7.6, 1, 2
	if got := h.engine.State().FailureCount; got != 2 {
		t.Errorf("FailureCount: got %d, want 2", got)
	}
	if h.ctrl.DeviceResets() != 0 {
		t.Error("no reset expected when readings changed")
	}
}

func TestTickRollsPrevious(t *testing.T) {
	h := newHarness(t, testConfig())
	h.engine.StartMonitoring()
	h.engine.HandleMessage(orpMsg(650))
	h.engine.HandleMessage(phMsg(7.4))
	h.engine.Tick(context.Background(), t0.Add(time.Second))

	snap := h.engine.State().Signals
	if snap.PrevORP != Some(650) || snap.PrevPH != Some(7.4) {
		t.Errorf("previous not rolled: %+v", snap)
	}
}

func TestTickIgnoredWhenStopped(t *testing.T) {
	h := newHarness(t, testConfig())
	h.engine.HandleMessage(orpMsg(650))
	h.engine.Tick(context.Background(), t0)

	if h.engine.State().Counts.Ticks != 0 {
		t.Error("tick without a session should be ignored")
	}
	if h.engine.State().Signals.PrevORP.Set {
		t.Error("tick without a session should not roll previous")
	}
}

func TestFlowInconsistencyResetsPin(t *testing.T) {
	h := newHarness(t, testConfig())
	h.engine.HandleMessage(rpmMsg(2000))
	h.engine.HandleMessage(flowMsg("off"))

	h.engine.Tick(context.Background(), t0.Add(time.Second))
	if got := h.ctrl.PinResets(); got != 1 {
		t.Fatalf("pin resets: got %d, want 1", got)
	}
	if h.ctrl.DeviceResets() != 0 {
		t.Error("flow inconsistency should not reset the device")
	}
	texts := h.notifier.Texts()
	if len(texts) != 1 || !strings.Contains(texts[0], "water flow: off") {
		t.Errorf("unexpected alerts: %v", texts)
	}
	if !h.engine.Active() {
		t.Error("flow reset alone should not stop monitoring")
	}

	// Throttled within the window.
	h.engine.Tick(context.Background(), t0.Add(5*time.Second))
	if got := h.ctrl.PinResets(); got != 1 {
		t.Errorf("pin resets within window: got %d, want 1", got)
	}

	h.engine.Tick(context.Background(), t0.Add(11*time.Second))
	if got := h.ctrl.PinResets(); got != 2 {
		t.Errorf("pin resets after window: got %d, want 2", got)
	}
}

func TestFlowThrottleIndependentOfStuckThrottle(t *testing.T) {
	cfg := testConfig()
	cfg.UnsetBaseline = BaselineUnchanged
	cfg.MaxFailures = 1
	h := newHarness(t, cfg)
	h.engine.HandleMessage(rpmMsg(2000))
	h.engine.HandleMessage(flowMsg("off"))
	h.engine.HandleMessage(orpMsg(7))
	h.engine.HandleMessage(phMsg(7.2))

	h.engine.Tick(context.Background(), t0.Add(time.Second))

	if h.ctrl.DeviceResets() != 1 {
		t.Errorf("device resets: got %d, want 1", h.ctrl.DeviceResets())
	}
	if h.ctrl.PinResets() != 1 {
		t.Errorf("pin resets: got %d, want 1", h.ctrl.PinResets())
	}
	if len(h.notifier.Texts()) != 2 {
		t.Errorf("expected stuck and flow alerts, got %v", h.notifier.Texts())
	}
}

func TestPumpStoppedNoFlowResetsThenStops(t *testing.T) {
	h := newHarness(t, testConfig())
	h.engine.StartMonitoring()
	tk := <-h.tickers.created

	// Readings that reach the tick without going through the RPM transition.
	h.engine.store.SetPumpRPM(0)
	h.engine.store.SetWaterFlow(FlowOff)

	h.engine.Tick(context.Background(), t0.Add(time.Second))

	if h.ctrl.PinResets() != 1 {
		t.Errorf("pin resets: got %d, want 1", h.ctrl.PinResets())
	}
	if h.engine.Active() {
		t.Error("expected monitoring stopped")
	}
	if tk.stops() != 1 {
		t.Errorf("ticker stops: got %d, want 1", tk.stops())
	}
}

func TestSlowPumpNoFlowStopsWithoutReset(t *testing.T) {
	h := newHarness(t, testConfig())
	h.engine.StartMonitoring()
	h.engine.store.SetPumpRPM(1000)
	h.engine.store.SetWaterFlow(FlowOff)

	h.engine.Tick(context.Background(), t0.Add(time.Second))

	if h.ctrl.PinResets() != 0 {
		t.Errorf("pin resets: got %d, want 0", h.ctrl.PinResets())
	}
	if h.engine.Active() {
		t.Error("expected monitoring stopped")
	}
}

func TestResetFailureEscalates(t *testing.T) {
	cfg := testConfig()
	cfg.UnsetBaseline = BaselineUnchanged
	cfg.MaxFailures = 1
	h := newHarness(t, cfg)
	h.ctrl.DeviceErr = errors.New("connection refused")

	h.engine.HandleMessage(rpmMsg(2000))
	h.engine.HandleMessage(flowMsg("on"))
	h.engine.Tick(context.Background(), t0.Add(time.Second))

	texts := h.notifier.Texts()
	if len(texts) != 2 {
		t.Fatalf("expected alert plus escalation, got %v", texts)
	}
	found := false
	for _, txt := range texts {
		if txt == "Failed to send reset command: connection refused" {
			found = true
		}
	}
	if !found {
		t.Errorf("missing escalation alert in %v", texts)
	}
	if !h.engine.Active() {
		t.Error("dispatch failure must not stop monitoring")
	}
	if h.rec.failed[DispatchDeviceReset] != 1 {
		t.Errorf("recorded device reset failures: got %d", h.rec.failed[DispatchDeviceReset])
	}
	// Throttle is recorded even though the reset failed.
	if h.engine.State().LastAlert.IsZero() {
		t.Error("expected stuck throttle recorded")
	}
}

func TestNotifierFailureIsAbsorbed(t *testing.T) {
	cfg := testConfig()
	cfg.UnsetBaseline = BaselineUnchanged
	cfg.MaxFailures = 1
	h := newHarness(t, cfg)
	h.notifier.SetErr(errors.New("webhook down"))
	h.ctrl.PinErr = errors.New("timeout")

	h.engine.HandleMessage(rpmMsg(2000))
	h.engine.HandleMessage(flowMsg("off"))
	h.engine.Tick(context.Background(), t0.Add(time.Second))

	if h.ctrl.DeviceResets() != 1 || h.ctrl.PinResets() != 1 {
		t.Errorf("resets should still be attempted: device=%d pin=%d", h.ctrl.DeviceResets(), h.ctrl.PinResets())
	}
	if h.rec.failed[DispatchEscalation] != 1 {
		t.Errorf("escalation failures: got %d, want 1", h.rec.failed[DispatchEscalation])
	}
	if h.engine.State().Counts.Ticks != 1 {
		t.Error("tick should complete despite dispatch failures")
	}
}

type panicController struct{}

func (panicController) ResetDevice(context.Context) error   { panic("boom") }
func (panicController) ResetInputPin(context.Context) error { return nil }

func TestDispatchPanicRecovered(t *testing.T) {
	cfg := testConfig()
	cfg.UnsetBaseline = BaselineUnchanged
	cfg.MaxFailures = 1
	n := notify.NewFake()
	e := New(cfg, Options{
		Notifier:   n,
		Controller: panicController{},
		Logger:     slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)),
		NewTicker:  newTickerFactory().New,
	})
	e.StartMonitoring()
	e.Tick(context.Background(), t0)

	if e.State().Counts.Ticks != 1 {
		t.Error("tick should complete after a dispatch panic")
	}
}

func TestOnStateCalled(t *testing.T) {
	var states []State
	cfg := testConfig()
	e := New(cfg, Options{
		Notifier:   notify.NewFake(),
		Controller: controller.NewFake(),
		Logger:     slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)),
		NewTicker:  newTickerFactory().New,
		Now:        func() time.Time { return t0 },
		OnState:    func(s State) { states = append(states, s) },
	})

	e.HandleMessage(rpmMsg(2000))
	if len(states) == 0 {
		t.Fatal("expected OnState calls")
	}
	last := states[len(states)-1]
	if !last.Active || !last.SessionStart.Equal(t0) {
		t.Errorf("unexpected state: %+v", last)
	}
	if !last.Signals.PumpRPM.Set || last.Signals.PumpRPM.V != 2000 {
		t.Errorf("expected rpm in state, got %v", last.Signals.PumpRPM)
	}
}

func TestRunSerialisesMessagesAndTicks(t *testing.T) {
	cfg := testConfig()
	cfg.UnsetBaseline = BaselineUnchanged
	h := newHarness(t, cfg)

	msgs := make(chan Message)
	errCh := make(chan error, 1)
	go func() {
		errCh <- h.engine.Run(context.Background(), msgs)
	}()

	msgs <- rpmMsg(2000)
	msgs <- flowMsg("on")
	tk := <-h.tickers.created

	for i := 1; i <= 3; i++ {
		msgs <- orpMsg(7.0)
		msgs <- phMsg(7.2)
		tk.c <- t0.Add(time.Duration(i) * time.Second)
	}
	close(msgs)

	if err := <-errCh; err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if h.ctrl.DeviceResets() != 1 {
		t.Errorf("device resets: got %d, want 1", h.ctrl.DeviceResets())
	}
	if h.engine.Active() {
		t.Error("Run should stop the session on return")
	}
	if tk.stops() != 1 {
		t.Errorf("ticker stops: got %d, want 1", tk.stops())
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())

	msgs := make(chan Message)
	errCh := make(chan error, 1)
	go func() {
		errCh <- h.engine.Run(ctx, msgs)
	}()

	msgs <- rpmMsg(2000)
	tk := <-h.tickers.created
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if tk.stops() != 1 {
		t.Errorf("ticker stops: got %d, want 1", tk.stops())
	}
	if n := strings.Count(h.logs.String(), "monitoring was not running"); n != 0 {
		t.Errorf("shutdown should not log a no-op stop, got %d", n)
	}
}
