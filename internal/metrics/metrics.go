// Package metrics exposes Prometheus collectors for the duel scheduler and judge traffic.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	registry  prometheus.Registerer
	gatherer  prometheus.Gatherer
	namespace string

	cycles        prometheus.Counter
	cycleDuration prometheus.Histogram
	evaluated     prometheus.Counter
	resolutions   prometheus.Counter
	expirations   prometheus.Counter
	reaped        prometheus.Counter
	panics        prometheus.Counter
	fetchFailures *prometheus.CounterVec
	registrySize  prometheus.Gauge

	commands      *prometheus.CounterVec
	dailyVerified prometheus.Counter
	streakEvents  *prometheus.CounterVec
	reminders     prometheus.Counter
}

type Option func(*Metrics)

// WithRegistry registers on reg instead of a private registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(m *Metrics) {
		m.registry = reg
		m.gatherer = reg
	}
}

func WithNamespace(ns string) Option { return func(m *Metrics) { m.namespace = ns } }

func New(opts ...Option) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{registry: reg, gatherer: reg, namespace: "cpbot"}
	for _, opt := range opts {
		opt(m)
	}
	m.init()
	return m
}

func (m *Metrics) init() {
	auto := promauto.With(m.registry)

	m.cycles = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "scheduler",
		Name:      "cycles_total",
		Help:      "Poll cycles run",
	})
	m.cycleDuration = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: "scheduler",
		Name:      "cycle_duration_seconds",
		Help:      "Wall time of one poll cycle",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
	})
	m.evaluated = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "scheduler",
		Name:      "duels_evaluated_total",
		Help:      "Active duels checked against judge submissions",
	})
	m.resolutions = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "scheduler",
		Name:      "resolutions_total",
		Help:      "Duels resolved by a verified solve",
	})
	m.expirations = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "scheduler",
		Name:      "expirations_total",
		Help:      "Duels expired at the deadline",
	})
	m.reaped = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "scheduler",
		Name:      "reaped_total",
		Help:      "Stale registrations dropped",
	})
	m.panics = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "scheduler",
		Name:      "panics_total",
		Help:      "Recovered panics while evaluating a duel",
	})
	m.fetchFailures = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "judge",
		Name:      "fetch_failures_total",
		Help:      "Submission fetches that failed or timed out",
	}, []string{"platform"})
	m.registrySize = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: "scheduler",
		Name:      "registry_size",
		Help:      "Active duels currently registered",
	})
	m.commands = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "command",
		Name:      "handled_total",
		Help:      "Chat commands handled, by command and error kind",
	}, []string{"command", "result"})
	m.dailyVerified = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "daily",
		Name:      "verified_total",
		Help:      "Daily assignments verified as solved",
	})
	m.streakEvents = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "streak",
		Name:      "events_total",
		Help:      "Streak events by resulting change",
	}, []string{"change"})
	m.reminders = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "contest",
		Name:      "reminders_sent_total",
		Help:      "Contest reminders delivered to subscribed chats",
	})
}

// Gatherer is what /metrics serves.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.gatherer
}

func (m *Metrics) ObserveCycle(d time.Duration, evaluated, resolved, expired, reaped, panics int) {
	if m == nil {
		return
	}
	m.cycles.Inc()
	m.cycleDuration.Observe(d.Seconds())
	m.evaluated.Add(float64(evaluated))
	m.resolutions.Add(float64(resolved))
	m.expirations.Add(float64(expired))
	m.reaped.Add(float64(reaped))
	m.panics.Add(float64(panics))
}

func (m *Metrics) FetchFailed(platform string) {
	if m == nil {
		return
	}
	m.fetchFailures.WithLabelValues(platform).Inc()
}

func (m *Metrics) SetRegistrySize(n int) {
	if m == nil {
		return
	}
	m.registrySize.Set(float64(n))
}

func (m *Metrics) CommandHandled(command, result string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(command, result).Inc()
}

func (m *Metrics) DailyVerified(n int) {
	if m == nil {
		return
	}
	m.dailyVerified.Add(float64(n))
}

func (m *Metrics) StreakEvent(change string) {
	if m == nil {
		return
	}
	m.streakEvents.WithLabelValues(change).Inc()
}

func (m *Metrics) RemindersSent(n int) {
	if m == nil {
		return
	}
	m.reminders.Add(float64(n))
}
