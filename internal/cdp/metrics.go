package cdp

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects engine counters. A nil *Metrics records nothing.
type Metrics struct {
	commands         *prometheus.CounterVec
	commandDuration  *prometheus.HistogramVec
	pending          prometheus.Gauge
	notifications    *prometheus.CounterVec
	droppedResponses prometheus.Counter
	handlerFailures  *prometheus.CounterVec

	// known holds methods the remote end has answered. Only these are used
	// as label values; method names come from user input.
	known sync.Map
}

// unknownMethod labels commands whose method was never acknowledged.
const unknownMethod = "unknown"

// NewMetrics creates the engine collectors and registers them with reg.
// A nil reg leaves them unregistered, which is useful in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "cdp",
				Subsystem: "dispatcher",
				Name:      "commands_total",
				Help:      "Commands sent, by method and outcome.",
			},
			[]string{"method", "outcome"},
		),
		commandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "cdp",
				Subsystem: "dispatcher",
				Name:      "command_duration_seconds",
				Help:      "Time from send to resolution.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cdp",
			Subsystem: "dispatcher",
			Name:      "pending_commands",
			Help:      "Commands awaiting a response.",
		}),
		notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "cdp",
				Subsystem: "router",
				Name:      "notifications_total",
				Help:      "Notifications routed, by scope (root or session).",
			},
			[]string{"scope"},
		),
		droppedResponses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cdp",
			Subsystem: "router",
			Name:      "dropped_responses_total",
			Help:      "Responses with no matching pending command.",
		}),
		handlerFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "cdp",
				Subsystem: "router",
				Name:      "handler_failures_total",
				Help:      "Notification handlers that returned an error or panicked.",
			},
			[]string{"method"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.commands, m.commandDuration, m.pending, m.notifications, m.droppedResponses, m.handlerFailures)
	}
	return m
}

func (m *Metrics) recordCommand(method, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	label := m.methodLabel(method, outcome)
	m.commands.WithLabelValues(label, outcome).Inc()
	m.commandDuration.WithLabelValues(label).Observe(d.Seconds())
}

func (m *Metrics) methodLabel(method, outcome string) string {
	if outcome == "ok" || outcome == "command_error" {
		m.known.Store(method, struct{}{})
		return method
	}
	if _, ok := m.known.Load(method); ok {
		return method
	}
	return unknownMethod
}

func (m *Metrics) setPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

func (m *Metrics) recordNotification(scope string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(scope).Inc()
}

func (m *Metrics) recordDropped() {
	if m == nil {
		return
	}
	m.droppedResponses.Inc()
}

func (m *Metrics) recordHandlerFailure(method string) {
	if m == nil {
		return
	}
	m.handlerFailures.WithLabelValues(method).Inc()
}
