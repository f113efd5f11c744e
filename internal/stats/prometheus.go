// Package stats provides the default StatsCollector implementation,
// ground on the teacher's promauto-based Galera metrics: the same
// counter/histogram construction style, remapped onto the four counters
// the core core calls on every terminal outcome.
package stats

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector satisfies the root package's StatsCollector interface
// structurally (no import of the root package is required or possible,
// since the root package imports this one).
type Collector struct {
	succeededQueries   prometheus.Counter
	failedQueries      *prometheus.CounterVec
	failedConnections  *prometheus.CounterVec
	callbackDelay      prometheus.Histogram
	invariantViolation *prometheus.CounterVec
}

var registerOnce sync.Once

// New builds a Collector registered under namespace (default
// "asyncmy" when empty). Safe to call more than once per process: the
// underlying promauto registration against the default registry is
// guarded so a second Client in the same process reuses the first
// Collector's metrics rather than panicking on duplicate registration.
func New(namespace string) *Collector {
	if namespace == "" {
		namespace = "asyncmy"
	}

	var c *Collector
	registerOnce.Do(func() {
		c = build(namespace)
		shared = c
	})
	if c == nil {
		return shared
	}
	return c
}

var shared *Collector

func build(namespace string) *Collector {
	return &Collector{
		succeededQueries: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "queries_succeeded_total",
			Help:      "Total number of queries that completed successfully.",
		}),
		failedQueries: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "queries_failed_total",
			Help:      "Total number of queries that completed with a protocol error.",
		}, []string{"errno"}),
		failedConnections: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "connections_failed_total",
			Help:      "Total number of Connect operations that completed with a protocol error.",
		}, []string{"errno"}),
		callbackDelay: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "callback_delay_microseconds",
			Help:      "Scheduling latency between run_in_thread enqueue and execution.",
			Buckets:   prometheus.ExponentialBuckets(10, 4, 10),
		}),
		invariantViolation: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "internal_invariant_violations_total",
			Help:      "Programming-bug-kind errors (OperationState, ClientError) observed.",
		}, []string{"kind"}),
	}
}

func (c *Collector) IncrSucceededQueries() { c.succeededQueries.Inc() }

func (c *Collector) IncrFailedQueries(errno uint16) {
	c.failedQueries.WithLabelValues(errnoLabel(errno)).Inc()
}

func (c *Collector) IncrFailedConnections(errno uint16) {
	c.failedConnections.WithLabelValues(errnoLabel(errno)).Inc()
}

func (c *Collector) ObserveCallbackDelay(d time.Duration) {
	c.callbackDelay.Observe(float64(d.Microseconds()))
}

// IncrInvariantViolation is not part of the public StatsCollector
// interface; it is used only by the root package's
// reportInvariantViolation helper.
func (c *Collector) IncrInvariantViolation(kind string) {
	c.invariantViolation.WithLabelValues(kind).Inc()
}

func errnoLabel(errno uint16) string {
	if errno == 0 {
		return "none"
	}
	return strconv.Itoa(int(errno))
}
