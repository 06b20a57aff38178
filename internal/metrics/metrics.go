// Package metrics records Prometheus metrics from eventbus lifecycle events.
//
// Metrics are registered on the Registerer passed to New, so tests can use an
// isolated registry. Handler serves whatever Gatherer the caller chooses.
package metrics

import (
	"context"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	eventbus "github.com/hanpama/graphstream/internal/eventbus"
	events "github.com/hanpama/graphstream/internal/events"
)

const namespace = "graphstream"

// Metrics holds the collectors fed by Register.
type Metrics struct {
	// HTTPRequests counts handled requests by method and status code.
	HTTPRequests *prometheus.CounterVec
	// HTTPDuration observes request handling time, including streaming.
	HTTPDuration *prometheus.HistogramVec

	// Batches counts finished batches by outcome (complete, cancelled, rejected).
	Batches *prometheus.CounterVec
	// BatchSize observes the number of operations per batch.
	BatchSize prometheus.Histogram
	// ActiveBatches is the number of batches currently streaming.
	ActiveBatches prometheus.Gauge

	// Operations counts operations by type and outcome (ok, reported, failed).
	Operations *prometheus.CounterVec
	// OperationDuration observes per-operation latency by type.
	OperationDuration *prometheus.HistogramVec

	// EngineCalls counts remote engine calls by kind and status.
	EngineCalls *prometheus.CounterVec
	// EngineDuration observes remote engine latency by kind.
	EngineDuration *prometheus.HistogramVec

	// GRPCClientCalls counts transport RPCs by method and code.
	GRPCClientCalls *prometheus.CounterVec

	// ObjectsStored counts objects first sent in a store delta.
	ObjectsStored prometheus.Counter
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "HTTP requests by method and status code.",
		}, []string{"method", "code"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		Batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "batch", Name: "total",
			Help: "Finished batches by outcome.",
		}, []string{"outcome"}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "batch", Name: "operations",
			Help:    "Operations per batch.",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100},
		}),
		ActiveBatches: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "batch", Name: "active",
			Help: "Batches currently streaming.",
		}),
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "operation", Name: "total",
			Help: "Operations by type and outcome.",
		}, []string{"type", "outcome"}),
		OperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "operation", Name: "duration_seconds",
			Help:    "Operation execution time in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"type"}),
		EngineCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "engine", Name: "calls_total",
			Help: "Remote engine calls by kind and status.",
		}, []string{"kind", "status"}),
		EngineDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "engine", Name: "call_duration_seconds",
			Help:    "Remote engine call duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		GRPCClientCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "grpc_client", Name: "calls_total",
			Help: "gRPC transport calls by method and code.",
		}, []string{"method", "code"}),
		ObjectsStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "objstore", Name: "objects_total",
			Help: "Objects sent in store deltas.",
		}),
	}
	reg.MustRegister(
		m.HTTPRequests, m.HTTPDuration,
		m.Batches, m.BatchSize, m.ActiveBatches,
		m.Operations, m.OperationDuration,
		m.EngineCalls, m.EngineDuration,
		m.GRPCClientCalls,
		m.ObjectsStored,
	)
	return m
}

// Register subscribes m to bus.
func (m *Metrics) Register(bus *eventbus.Bus) (unsubscribe func()) {
	unsubs := []func(){
		eventbus.On(bus, func(_ context.Context, e events.HTTPFinish) {
			m.HTTPRequests.WithLabelValues(e.Request.Method, strconv.Itoa(e.Status)).Inc()
			m.HTTPDuration.WithLabelValues(e.Request.Method).Observe(e.Duration.Seconds())
		}),
		eventbus.On(bus, func(_ context.Context, e events.BatchStart) {
			m.ActiveBatches.Inc()
			m.BatchSize.Observe(float64(e.Operations))
		}),
		eventbus.On(bus, func(context.Context, events.BatchRejected) {
			m.Batches.WithLabelValues("rejected").Inc()
		}),
		eventbus.On(bus, func(_ context.Context, e events.BatchFinish) {
			m.ActiveBatches.Dec()
			if e.Cancelled {
				m.Batches.WithLabelValues("cancelled").Inc()
			} else {
				m.Batches.WithLabelValues("complete").Inc()
			}
		}),
		eventbus.On(bus, func(_ context.Context, e events.OperationFinish) {
			outcome := "ok"
			switch {
			case e.Failed:
				outcome = "failed"
			case e.Errors > 0:
				outcome = "reported"
			}
			m.Operations.WithLabelValues(e.OperationType, outcome).Inc()
			m.OperationDuration.WithLabelValues(e.OperationType).Observe(e.Duration.Seconds())
		}),
		eventbus.On(bus, func(_ context.Context, e events.EngineCallFinish) {
			m.EngineCalls.WithLabelValues(e.Kind, e.Status).Inc()
			m.EngineDuration.WithLabelValues(e.Kind).Observe(e.Duration.Seconds())
		}),
		eventbus.On(bus, func(_ context.Context, e events.GRPCClientFinish) {
			m.GRPCClientCalls.WithLabelValues(e.Service+"/"+e.Method, e.Code.String()).Inc()
		}),
		eventbus.On(bus, func(_ context.Context, e events.ObjectsStored) {
			m.ObjectsStored.Add(float64(e.New))
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
