// Package metrics exposes Prometheus collectors for the navigation agent.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Port labels for PortCall.
const (
	PortPerception = "perception"
	PortDecision   = "decision"
	PortExecution  = "execution"
)

// Collector groups every metric the service records. A nil *Collector is
// valid and records nothing, which is how metrics are switched off.
type Collector struct {
	sessionsStarted  prometheus.Counter
	sessionsFinished *prometheus.CounterVec
	sessionsActive   prometheus.Gauge
	sessionDuration  *prometheus.HistogramVec

	stepsTotal    *prometheus.CounterVec
	parseFailures *prometheus.CounterVec

	portDuration *prometheus.HistogramVec
	portFaults   *prometheus.CounterVec

	eventsDropped prometheus.Counter

	logger *zap.Logger
}

// NewCollector creates and registers the collectors on reg.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	factory := promauto.With(reg)
	c := &Collector{logger: logger.Named("metrics")}

	c.sessionsStarted = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_started_total",
		Help:      "Total number of navigation sessions started",
	})

	c.sessionsFinished = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_finished_total",
			Help:      "Total number of navigation sessions by terminal status",
		},
		[]string{"status"},
	)

	c.sessionsActive = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Number of sessions currently running",
	})

	c.sessionDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Wall clock duration of sessions by terminal status",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"status"},
	)

	c.stepsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Total number of recorded steps by action and outcome",
		},
		[]string{"action", "success"},
	)

	c.parseFailures = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parse_failures_total",
			Help:      "Model responses rejected by the action parser, by reason",
		},
		[]string{"reason"},
	)

	c.portDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "port_call_duration_seconds",
			Help:      "Latency of perception, decision and execution calls",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"port"},
	)

	c.portFaults = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "port_faults_total",
			Help:      "Failed port calls, including timeouts",
		},
		[]string{"port"},
	)

	c.eventsDropped = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_dropped_total",
		Help:      "Step events dropped because a listener fell behind",
	})

	c.logger.Debug("Metrics collectors registered", zap.String("namespace", namespace))
	return c
}

// SessionStarted records a new running session.
func (c *Collector) SessionStarted() {
	if c == nil {
		return
	}
	c.sessionsStarted.Inc()
	c.sessionsActive.Inc()
}

// SessionFinished records a session reaching a terminal status.
func (c *Collector) SessionFinished(status string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.sessionsActive.Dec()
	c.sessionsFinished.WithLabelValues(status).Inc()
	c.sessionDuration.WithLabelValues(status).Observe(elapsed.Seconds())
}

// StepRecorded counts one step. action is "none" when parsing failed.
func (c *Collector) StepRecorded(action string, success bool) {
	if c == nil {
		return
	}
	outcome := "false"
	if success {
		outcome = "true"
	}
	c.stepsTotal.WithLabelValues(action, outcome).Inc()
}

// ParseFailure counts one rejected model response.
func (c *Collector) ParseFailure(reason string) {
	if c == nil {
		return
	}
	c.parseFailures.WithLabelValues(reason).Inc()
}

// PortCall records the latency of one port call and whether it failed.
func (c *Collector) PortCall(port string, elapsed time.Duration, err error) {
	if c == nil {
		return
	}
	c.portDuration.WithLabelValues(port).Observe(elapsed.Seconds())
	if err != nil {
		c.portFaults.WithLabelValues(port).Inc()
	}
}

// EventDropped counts one event discarded by the emitter.
func (c *Collector) EventDropped() {
	if c == nil {
		return
	}
	c.eventsDropped.Inc()
}
