// Package metrics exposes engine activity as Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sweeney/pool-monitor/internal/monitor"
)

const (
	namespace = "pool_monitor"

	resultSuccess = "success"
	resultError   = "error"
)

// Metrics implements monitor.Recorder. All collectors are safe for
// concurrent use.
type Metrics struct {
	received   *prometheus.CounterVec
	dropped    *prometheus.CounterVec
	ticks      prometheus.Counter
	dispatches *prometheus.CounterVec
	failures   prometheus.Gauge
	active     prometheus.Gauge
	sessions   prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Telemetry messages accepted, by signal.",
		}, []string{"signal"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Telemetry messages dropped as unparseable, by topic.",
		}, []string{"topic"}),
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Monitoring evaluations performed.",
		}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Alerts and corrective actions sent, by kind and result.",
		}, []string{"kind", "result"}),
		failures: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "failure_count",
			Help:      "Consecutive ticks with unchanged ORP and pH.",
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_active",
			Help:      "1 while a monitoring session is running.",
		}),
		sessions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Monitoring sessions started.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.received, m.dropped, m.ticks, m.dispatches, m.failures, m.active, m.sessions,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) MessageReceived(sig monitor.Signal) {
	m.received.WithLabelValues(string(sig)).Inc()
}

func (m *Metrics) MessageDropped(topic string) {
	m.dropped.WithLabelValues(topic).Inc()
}

func (m *Metrics) TickCompleted(failures uint) {
	m.ticks.Inc()
	m.failures.Set(float64(failures))
}

func (m *Metrics) Dispatched(kind string, err error) {
	result := resultSuccess
	if err != nil {
		result = resultError
	}
	m.dispatches.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) SessionChanged(active bool) {
	if active {
		m.active.Set(1)
		m.sessions.Inc()
		return
	}
	m.active.Set(0)
	m.failures.Set(0)
}
