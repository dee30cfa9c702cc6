package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Dispatch kinds, used in logs and metrics.
const (
	DispatchAlert       = "alert"
	DispatchDeviceReset = "device_reset"
	DispatchPinReset    = "pin_reset"
	DispatchEscalation  = "escalation"
)

const defaultDispatchTimeout = 10 * time.Second

// Recorder receives engine activity for metrics. Implementations must be
// safe for concurrent use; dispatch results are reported from dispatch
// goroutines.
type Recorder interface {
	MessageReceived(sig Signal)
	MessageDropped(topic string)
	TickCompleted(failures uint)
	Dispatched(kind string, err error)
	SessionChanged(active bool)
}

type nopRecorder struct{}

func (nopRecorder) MessageReceived(Signal)   {}
func (nopRecorder) MessageDropped(string)    {}
func (nopRecorder) TickCompleted(uint)       {}
func (nopRecorder) Dispatched(string, error) {}
func (nopRecorder) SessionChanged(bool)      {}

// Options wires the engine to its collaborators. Notifier and Controller
// are required; everything else has a default.
type Options struct {
	Notifier   Notifier
	Controller Controller
	Recorder   Recorder
	// OnState, if set, is called with the engine state after every message,
	// tick and session change. It runs on the engine goroutine.
	OnState   func(State)
	Logger    *slog.Logger
	Now       func() time.Time
	NewTicker func(time.Duration) Ticker
}

type session struct {
	ticker Ticker
	start  time.Time
}

// Engine is the monitoring state machine. It owns the signal store and the
// monitoring session. All methods must be called from one goroutine; Run
// provides that serialisation.
type Engine struct {
	cfg        Config
	router     *Router
	notifier   Notifier
	controller Controller
	rec        Recorder
	onState    func(State)
	log        *slog.Logger
	now        func() time.Time
	newTicker  func(time.Duration) Ticker

	store    Store
	session  *session
	failures FailureCounter
	stuck    *Throttle
	flow     *Throttle
	incident string
	counts   Counts
}

// New creates an Engine in the Stopped state.
func New(cfg Config, opts Options) *Engine {
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = defaultDispatchTimeout
	}
	if cfg.UnsetBaseline == "" {
		cfg.UnsetBaseline = BaselineSkip
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 1
	}

	e := &Engine{
		cfg:        cfg,
		router:     NewRouter(cfg.Topics),
		notifier:   opts.Notifier,
		controller: opts.Controller,
		rec:        opts.Recorder,
		onState:    opts.OnState,
		log:        opts.Logger,
		now:        opts.Now,
		newTicker:  opts.NewTicker,
		stuck:      NewThrottle(cfg.ThrottleWindow),
		flow:       NewThrottle(cfg.ThrottleWindow),
	}
	if e.rec == nil {
		e.rec = nopRecorder{}
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.newTicker == nil {
		e.newTicker = newRealTicker
	}
	return e
}

// Run consumes messages and session ticks until ctx is cancelled or msgs is
// closed. An active session is stopped on return.
func (e *Engine) Run(ctx context.Context, msgs <-chan Message) error {
	defer func() {
		if e.Active() {
			e.StopMonitoring("shutdown")
		}
	}()

	for {
		var tick <-chan time.Time
		if e.session != nil {
			tick = e.session.ticker.C()
		}

		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			e.HandleMessage(msg)
		case t := <-tick:
			e.Tick(ctx, t)
		}
	}
}

// Active reports whether a monitoring session is running.
func (e *Engine) Active() bool {
	return e.session != nil
}

// HandleMessage parses msg, updates the store and applies the pump
// start/stop transition for RPM readings. Malformed messages are logged
// and dropped.
func (e *Engine) HandleMessage(msg Message) {
	r, err := e.router.Parse(msg)
	if err != nil {
		e.counts.ParseErrors++
		e.rec.MessageDropped(msg.Topic)
		e.log.Error("ingest: dropping message", "topic", msg.Topic, "err", err)
		return
	}
	e.rec.MessageReceived(r.Signal)

	switch r.Signal {
	case SignalORP:
		e.store.SetORP(r.Value)
		e.log.Debug("ingest: received ORP level", "value", r.Value)
	case SignalPH:
		e.store.SetPH(r.Value)
		e.log.Debug("ingest: received pH level", "value", r.Value)
	case SignalWaterFlow:
		e.store.SetWaterFlow(r.Flow)
		e.log.Debug("ingest: received water flow status", "value", string(r.Flow))
	case SignalPumpRPM:
		e.store.SetPumpRPM(r.Value)
		e.log.Debug("ingest: received RPM", "value", r.Value)

		threshold := e.cfg.PumpRPMThreshold
		switch {
		case r.Value > threshold && !e.Active():
			e.log.Info("ingest: pump is running, starting monitoring", "rpm", r.Value)
			e.StartMonitoring()
		case r.Value <= threshold && e.Active():
			e.log.Info("ingest: pump stopped, stopping monitoring", "rpm", r.Value)
			e.StopMonitoring("pump stopped")
		}
	}
	e.publish()
}

// StartMonitoring opens a session. It is a logged no-op if one is active.
func (e *Engine) StartMonitoring() {
	if e.session != nil {
		e.log.Warn("monitor: monitoring is already running")
		return
	}
	e.session = &session{
		ticker: e.newTicker(e.cfg.TickInterval),
		start:  e.now(),
	}
	e.failures.Reset()
	e.counts.Sessions++
	e.rec.SessionChanged(true)
	e.log.Info("monitor: started monitoring", "interval", e.cfg.TickInterval.String())
	e.publish()
}

// StopMonitoring cancels the session ticker and resets the failure count.
// It is a logged no-op if no session is active.
func (e *Engine) StopMonitoring(reason string) {
	if e.session == nil {
		e.log.Info("monitor: monitoring was not running", "reason", reason)
		return
	}
	e.session.ticker.Stop()
	e.session = nil
	e.failures.Reset()
	e.rec.SessionChanged(false)
	e.log.Info("monitor: stopped monitoring", "reason", reason)
	e.publish()
}

// Tick runs one monitoring evaluation at now. Dispatches are awaited
// before Tick returns. Ticks delivered after the session ended are ignored.
func (e *Engine) Tick(ctx context.Context, now time.Time) {
	if e.session == nil {
		return
	}

	snap := e.store.Snapshot()
	tol, policy := e.cfg.Tolerance, e.cfg.UnsetBaseline
	orpChanged, orpOK := Compare(snap.PrevORP, snap.ORP, tol, policy)
	phChanged, phOK := Compare(snap.PrevPH, snap.PH, tol, policy)

	if (orpOK && phOK) || orpChanged || phChanged {
		e.failures.Tick(orpChanged, phChanged)
	} else {
		e.log.Debug("monitor: no baseline yet, skipping comparison",
			"orp", snap.ORP.String(), "prev_orp", snap.PrevORP.String(),
			"ph", snap.PH.String(), "prev_ph", snap.PrevPH.String())
	}

	count := e.failures.Count()
	if count >= e.cfg.MaxFailures {
		if e.stuck.Allow(now) {
			e.handleStuck(ctx, now, snap, count)
		} else {
			e.log.Debug("monitor: stuck alert throttled", "failures", count, "last", e.stuck.Last())
		}
	}

	e.log.Info("monitor: tick", "orp", snap.ORP.String(), "ph", snap.PH.String(), "failures", e.failures.Count())

	action := Evaluate(snap.PumpRPM, snap.WaterFlow, e.cfg.PumpRPMThreshold)
	if action.ResetsFlowSwitch() {
		if e.flow.Allow(now) {
			e.handleFlow(ctx, now, snap)
		} else {
			e.log.Debug("monitor: flow switch reset throttled", "last", e.flow.Last())
		}
	}

	e.store.rollPrevious()
	e.counts.Ticks++
	e.rec.TickCompleted(e.failures.Count())

	if action.StopsMonitoring() {
		e.StopMonitoring(fmt.Sprintf("pump/flow check: %s", action))
		return
	}
	e.publish()
}

func (e *Engine) handleStuck(ctx context.Context, now time.Time, snap Snapshot, count uint) {
	id := uuid.NewString()
	e.incident = id
	text := fmt.Sprintf("ORP and pH levels have not changed. ORP: %s, pH: %s", snap.ORP, snap.PH)
	e.log.Warn("monitor: levels not changing, sending alert and reset",
		"incident", id, "failures", count, "orp", snap.ORP.String(), "ph", snap.PH.String())

	alert := e.dispatch(ctx, id, DispatchAlert, func(ctx context.Context) error {
		return e.notifier.Notify(ctx, text)
	})
	reset := e.dispatch(ctx, id, DispatchDeviceReset, e.controller.ResetDevice)
	<-alert
	<-reset

	e.failures.Reset()
	e.stuck.Record(now)
	e.counts.Alerts++
	e.counts.Resets++
}

func (e *Engine) handleFlow(ctx context.Context, now time.Time, snap Snapshot) {
	id := uuid.NewString()
	e.incident = id
	text := fmt.Sprintf("Pump speed and water flow disagree. RPM: %s, water flow: %s. Resetting flow switch.",
		snap.PumpRPM, flowString(snap.WaterFlow))
	e.log.Warn("monitor: pump and water flow inconsistent, resetting flow switch",
		"incident", id, "rpm", snap.PumpRPM.String(), "water_flow", flowString(snap.WaterFlow))

	alert := e.dispatch(ctx, id, DispatchAlert, func(ctx context.Context) error {
		return e.notifier.Notify(ctx, text)
	})
	reset := e.dispatch(ctx, id, DispatchPinReset, e.controller.ResetInputPin)
	<-alert
	<-reset

	e.flow.Record(now)
	e.counts.Alerts++
	e.counts.FlowResets++
}

// dispatch runs fn in its own goroutine under the dispatch timeout. The
// returned channel receives fn's error once it has been logged and, for
// corrective actions, escalated as a secondary alert.
func (e *Engine) dispatch(ctx context.Context, incident, kind string, fn func(context.Context) error) <-chan error {
	done := make(chan error, 1)
	go func() {
		var err error
		defer func() { done <- err }()
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%s panicked: %v", kind, r)
				e.log.Error("dispatch: recovered panic", "kind", kind, "incident", incident, "err", err)
			}
		}()

		dctx, cancel := context.WithTimeout(ctx, e.cfg.DispatchTimeout)
		defer cancel()

		err = fn(dctx)
		e.rec.Dispatched(kind, err)
		if err == nil {
			e.log.Info("dispatch: sent", "kind", kind, "incident", incident)
			return
		}
		e.log.Error("dispatch: failed", "kind", kind, "incident", incident, "err", err)
		if kind == DispatchDeviceReset || kind == DispatchPinReset {
			e.escalate(ctx, incident, kind, err)
		}
	}()
	return done
}

// escalate reports a failed corrective action through the notifier. A
// failure here is logged and goes no further.
func (e *Engine) escalate(ctx context.Context, incident, kind string, cause error) {
	text := fmt.Sprintf("Failed to send reset command: %v", cause)
	if kind == DispatchPinReset {
		text = fmt.Sprintf("Failed to send flow switch reset command: %v", cause)
	}

	ectx, cancel := context.WithTimeout(ctx, e.cfg.DispatchTimeout)
	defer cancel()

	err := e.notifier.Notify(ectx, text)
	e.rec.Dispatched(DispatchEscalation, err)
	if err != nil {
		e.log.Error("dispatch: escalation failed", "incident", incident, "err", err)
		return
	}
	e.log.Warn("dispatch: escalated failure", "incident", incident, "text", text)
}

// State returns a copy of the engine state.
func (e *Engine) State() State {
	s := State{
		Signals:        e.store.Snapshot(),
		FailureCount:   e.failures.Count(),
		LastAlert:      e.stuck.Last(),
		LastFlowReset:  e.flow.Last(),
		LastIncidentID: e.incident,
		Counts:         e.counts,
	}
	if e.session != nil {
		s.Active = true
		s.SessionStart = e.session.start
	}
	return s
}

func (e *Engine) publish() {
	if e.onState != nil {
		e.onState(e.State())
	}
}

func flowString(f FlowState) string {
	if f == FlowUnset {
		return "unset"
	}
	return string(f)
}
