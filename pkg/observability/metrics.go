package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus instruments for the knowledge node services.
// Each instance owns its registry so tests can create as many as they like.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	operations        *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec

	nodeMutations *prometheus.CounterVec
	activeNodes   prometheus.Gauge

	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec
	cacheErrors *prometheus.CounterVec

	indexFailures *prometheus.CounterVec
	eventFailures *prometheus.CounterVec
}

// NewMetrics creates and registers all instruments under namespace.
func NewMetrics(namespace string) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "service_operations_total",
			Help:      "Guarded service operations by outcome",
		}, []string{"service", "operation", "status"}),
		operationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "service_operation_duration_seconds",
			Help:      "Guarded service operation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service", "operation"}),
		nodeMutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_mutations_total",
			Help:      "Knowledge node mutations by kind",
		}, []string{"kind"}),
		activeNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_nodes",
			Help:      "Knowledge nodes not soft-deleted",
		}),
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Cache hits by key family",
		}, []string{"family"}),
		cacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Cache misses by key family",
		}, []string{"family"}),
		cacheErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_errors_total",
			Help:      "Cache backend errors by operation",
		}, []string{"operation"}),
		indexFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "search_index_failures_total",
			Help:      "Background search index tasks that failed",
		}, []string{"operation"}),
		eventFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_publish_failures_total",
			Help:      "Events that could not be published",
		}, []string{"event"}),
	}

	registry.MustRegister(
		m.operations,
		m.operationDuration,
		m.nodeMutations,
		m.activeNodes,
		m.cacheHits,
		m.cacheMisses,
		m.cacheErrors,
		m.indexFailures,
		m.eventFailures,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveOperation records one guarded service call.
func (m *Metrics) ObserveOperation(service, operation string, d time.Duration, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.operations.WithLabelValues(service, operation, status).Inc()
	m.operationDuration.WithLabelValues(service, operation).Observe(d.Seconds())
}

// NodeMutation counts a created, updated, deleted, linked or unlinked node.
func (m *Metrics) NodeMutation(kind string) {
	if m == nil {
		return
	}
	m.nodeMutations.WithLabelValues(kind).Inc()
}

func (m *Metrics) SetActiveNodes(n int64) {
	if m == nil {
		return
	}
	m.activeNodes.Set(float64(n))
}

func (m *Metrics) AddActiveNodes(delta int64) {
	if m == nil {
		return
	}
	m.activeNodes.Add(float64(delta))
}

func (m *Metrics) CacheHit(family string) {
	if m == nil {
		return
	}
	m.cacheHits.WithLabelValues(family).Inc()
}

func (m *Metrics) CacheMiss(family string) {
	if m == nil {
		return
	}
	m.cacheMisses.WithLabelValues(family).Inc()
}

func (m *Metrics) CacheError(operation string) {
	if m == nil {
		return
	}
	m.cacheErrors.WithLabelValues(operation).Inc()
}

func (m *Metrics) IndexFailure(operation string) {
	if m == nil {
		return
	}
	m.indexFailures.WithLabelValues(operation).Inc()
}

func (m *Metrics) EventFailure(event string) {
	if m == nil {
		return
	}
	m.eventFailures.WithLabelValues(event).Inc()
}
