// Package metrics exposes Prometheus collectors for the automation engine.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	executionDuration *prometheus.HistogramVec
	executionsTotal   *prometheus.CounterVec
	pollTicks         *prometheus.CounterVec
	pollErrors        *prometheus.CounterVec
	activeExecutions  prometheus.Gauge
	queuedExecutions  prometheus.Gauge
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// Default returns the package-level metrics instance registered with the
// global Prometheus registry. Collectors are created once so repeated engine
// construction (tests, restarts in-process) can't trip duplicate
// registration panics.
func Default() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNew(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNew constructs a Metrics instance on the provided registerer. Callers
// needing isolated metric names (tests) pass a fresh registry. Registration
// errors other than AlreadyRegistered panic, surfacing configuration bugs
// early.
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	executionDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "staqflow",
			Subsystem: "engine",
			Name:      "execution_duration_seconds",
			Help:      "Duration of rule program executions.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"status"},
	)
	executionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "staqflow",
			Subsystem: "engine",
			Name:      "executions_total",
			Help:      "Total executions by terminal status.",
		},
		[]string{"status"},
	)
	pollTicks := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "staqflow",
			Subsystem: "triggers",
			Name:      "poll_ticks_total",
			Help:      "Poll cycles completed, by trigger type.",
		},
		[]string{"trigger_type"},
	)
	pollErrors := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "staqflow",
			Subsystem: "triggers",
			Name:      "poll_errors_total",
			Help:      "Poll cycles that failed, by trigger type.",
		},
		[]string{"trigger_type"},
	)
	activeExecutions := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "staqflow",
			Subsystem: "engine",
			Name:      "active_executions",
			Help:      "Executions currently running.",
		},
	)
	queuedExecutions := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "staqflow",
			Subsystem: "engine",
			Name:      "queued_executions",
			Help:      "Executions waiting on the concurrency gate.",
		},
	)

	collectors := []prometheus.Collector{
		executionDuration, executionsTotal, pollTicks, pollErrors,
		activeExecutions, queuedExecutions,
	}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				switch collector {
				case executionDuration:
					executionDuration = already.ExistingCollector.(*prometheus.HistogramVec)
				case executionsTotal:
					executionsTotal = already.ExistingCollector.(*prometheus.CounterVec)
				case pollTicks:
					pollTicks = already.ExistingCollector.(*prometheus.CounterVec)
				case pollErrors:
					pollErrors = already.ExistingCollector.(*prometheus.CounterVec)
				case activeExecutions:
					activeExecutions = already.ExistingCollector.(prometheus.Gauge)
				case queuedExecutions:
					queuedExecutions = already.ExistingCollector.(prometheus.Gauge)
				}
				continue
			}
			panic(err)
		}
	}

	return &Metrics{
		executionDuration: executionDuration,
		executionsTotal:   executionsTotal,
		pollTicks:         pollTicks,
		pollErrors:        pollErrors,
		activeExecutions:  activeExecutions,
		queuedExecutions:  queuedExecutions,
	}
}

// ObserveExecution records one finished execution.
func (m *Metrics) ObserveExecution(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.executionsTotal.WithLabelValues(status).Inc()
	m.executionDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// IncPollTick counts one completed poll cycle.
func (m *Metrics) IncPollTick(triggerType string) {
	if m == nil {
		return
	}
	m.pollTicks.WithLabelValues(triggerType).Inc()
}

// IncPollError counts one failed poll cycle.
func (m *Metrics) IncPollError(triggerType string) {
	if m == nil {
		return
	}
	m.pollErrors.WithLabelValues(triggerType).Inc()
}

// ExecutionStarted marks a run as active.
func (m *Metrics) ExecutionStarted() {
	if m == nil {
		return
	}
	m.activeExecutions.Inc()
}

// ExecutionFinished marks a run as done.
func (m *Metrics) ExecutionFinished() {
	if m == nil {
		return
	}
	m.activeExecutions.Dec()
}

// ExecutionQueued marks a run as waiting on the concurrency gate.
func (m *Metrics) ExecutionQueued() {
	if m == nil {
		return
	}
	m.queuedExecutions.Inc()
}

// ExecutionDequeued marks a queued run as admitted or abandoned.
func (m *Metrics) ExecutionDequeued() {
	if m == nil {
		return
	}
	m.queuedExecutions.Dec()
}
