// Package observability exposes the server's Prometheus metrics.
package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/searchktools/async-server/core/pools"
)

const namespace = "async_server"

// Metrics holds the server metrics. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	receivesPosted prometheus.Counter
	completions    *prometheus.CounterVec
	submitFailures *prometheus.CounterVec
	responses      *prometheus.CounterVec
	inFlight       *prometheus.GaugeVec
	buildLatency   prometheus.Histogram
}

// NewMetrics creates the metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		receivesPosted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "receives_posted_total",
			Help:      "Total number of receive operations submitted to the request queue",
		}),
		completions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completions_total",
			Help:      "Total number of dispatched completions by operation kind and result",
		}, []string{"kind", "result"}),
		submitFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submit_failures_total",
			Help:      "Total number of operations that failed synchronously on submission",
		}, []string{"op"}),
		responses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_total",
			Help:      "Total number of responses built by status code",
		}, []string{"code"}),
		inFlight: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "contexts_in_flight",
			Help:      "Operation contexts currently allocated",
		}, []string{"kind"}),
		buildLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "response_build_seconds",
			Help:      "Time from receive completion to response submission",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
		}),
	}
}

// ReceivePosted counts a submitted receive
func (m *Metrics) ReceivePosted() {
	if m == nil {
		return
	}
	m.receivesPosted.Inc()
}

// Completion counts a dispatched completion. result is "ok", "more_data"
// or "error".
func (m *Metrics) Completion(kind, result string) {
	if m == nil {
		return
	}
	m.completions.WithLabelValues(kind, result).Inc()
}

// SubmitFailure counts an operation rejected synchronously
func (m *Metrics) SubmitFailure(op string) {
	if m == nil {
		return
	}
	m.submitFailures.WithLabelValues(op).Inc()
}

// Response counts a built response and observes how long it took
func (m *Metrics) Response(code int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.responses.WithLabelValues(strconv.Itoa(code)).Inc()
	m.buildLatency.Observe(elapsed.Seconds())
}

// ContextAllocated tracks a new operation context
func (m *Metrics) ContextAllocated(kind string) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(kind).Inc()
}

// ContextReleased tracks a released operation context
func (m *Metrics) ContextReleased(kind string) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(kind).Dec()
}

// RegisterBytePool exports byte pool counters under the buffer_pool subsystem
func RegisterBytePool(reg prometheus.Registerer, name string, bp *pools.BytePool) {
	f := promauto.With(reg)
	labels := prometheus.Labels{"pool": name}

	f.NewCounterFunc(prometheus.CounterOpts{
		Namespace:   namespace,
		Subsystem:   "buffer_pool",
		Name:        "gets_total",
		Help:        "Total number of buffer Get operations",
		ConstLabels: labels,
	}, func() float64 { return float64(bp.Stats().TotalGets) })

	f.NewCounterFunc(prometheus.CounterOpts{
		Namespace:   namespace,
		Subsystem:   "buffer_pool",
		Name:        "puts_total",
		Help:        "Total number of buffer Put operations",
		ConstLabels: labels,
	}, func() float64 { return float64(bp.Stats().TotalPuts) })

	f.NewCounterFunc(prometheus.CounterOpts{
		Namespace:   namespace,
		Subsystem:   "buffer_pool",
		Name:        "misses_total",
		Help:        "Total number of requests larger than every tier",
		ConstLabels: labels,
	}, func() float64 { return float64(bp.Stats().TotalMisses) })
}

// RegisterWorkerPool exports worker pool counters
func RegisterWorkerPool(reg prometheus.Registerer, wp *pools.WorkerPool) {
	f := promauto.With(reg)

	f.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker_pool",
		Name:      "tasks_completed_total",
		Help:      "Total number of completion callbacks run",
	}, func() float64 { return float64(wp.Stats().TasksCompleted) })

	f.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker_pool",
		Name:      "tasks_inline_total",
		Help:      "Total number of callbacks run inline because every queue was full",
	}, func() float64 { return float64(wp.Stats().TasksInline) })

	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "worker_pool",
		Name:      "tasks_pending",
		Help:      "Callbacks submitted but not yet finished",
	}, func() float64 { return float64(wp.Stats().TasksPending) })
}
