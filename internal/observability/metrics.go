// Package observability holds the process-wide metrics, tracing and
// logging setup shared by the server and the workers.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds all Prometheus metrics for the application. A nil
// *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	JobsEnqueued    *prometheus.CounterVec
	EnqueueFailures *prometheus.CounterVec
	JobsProcessed   *prometheus.CounterVec

	TaskDuration *prometheus.HistogramVec
	TaskRetries  *prometheus.CounterVec

	CacheRequests *prometheus.CounterVec

	NodesCreated    *prometheus.CounterVec
	NodeTransitions *prometheus.CounterVec
}

// NewCollector creates a collector with its own registry so tests can build
// as many as they like.
func NewCollector(namespace string) *Collector {
	registry := prometheus.NewRegistry()
	c := &Collector{
		registry: registry,
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		JobsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_enqueued_total",
			Help:      "Jobs accepted by the queue",
		}, []string{"handler"}),
		EnqueueFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enqueue_failures_total",
			Help:      "Jobs the queue refused or timed out on",
		}, []string{"handler"}),
		JobsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_processed_total",
			Help:      "Job deliveries by outcome",
		}, []string{"handler", "outcome"}),
		TaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Handler execution time per attempt",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"handler", "status"}),
		TaskRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_retries_total",
			Help:      "Retries scheduled after a failed attempt",
		}, []string{"handler"}),
		CacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_requests_total",
			Help:      "Result cache lookups by result",
		}, []string{"result"}),
		NodesCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nodes_created_total",
			Help:      "Graph nodes created by type",
		}, []string{"type"}),
		NodeTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_transitions_total",
			Help:      "Node status transitions by target status",
		}, []string{"to"}),
	}
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.HTTPRequests, c.HTTPDuration,
		c.JobsEnqueued, c.EnqueueFailures, c.JobsProcessed,
		c.TaskDuration, c.TaskRetries,
		c.CacheRequests,
		c.NodesCreated, c.NodeTransitions,
	)
	return c
}

// Registry exposes the underlying registry for tests.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) RecordHTTP(method, route, status string, d time.Duration) {
	if c == nil {
		return
	}
	c.HTTPRequests.WithLabelValues(method, route, status).Inc()
	c.HTTPDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func (c *Collector) RecordEnqueue(handler string, err error) {
	if c == nil {
		return
	}
	if err != nil {
		c.EnqueueFailures.WithLabelValues(handler).Inc()
		return
	}
	c.JobsEnqueued.WithLabelValues(handler).Inc()
}

func (c *Collector) RecordJob(handler, outcome string) {
	if c == nil {
		return
	}
	c.JobsProcessed.WithLabelValues(handler, outcome).Inc()
}

func (c *Collector) RecordTask(handler, status string, d time.Duration) {
	if c == nil {
		return
	}
	c.TaskDuration.WithLabelValues(handler, status).Observe(d.Seconds())
}

func (c *Collector) RecordRetry(handler string) {
	if c == nil {
		return
	}
	c.TaskRetries.WithLabelValues(handler).Inc()
}

// RecordCache counts a lookup; result is "hit", "miss" or "error".
func (c *Collector) RecordCache(result string) {
	if c == nil {
		return
	}
	c.CacheRequests.WithLabelValues(result).Inc()
}

func (c *Collector) RecordNodeCreated(nodeType string) {
	if c == nil {
		return
	}
	c.NodesCreated.WithLabelValues(nodeType).Inc()
}

func (c *Collector) RecordTransition(to string) {
	if c == nil {
		return
	}
	c.NodeTransitions.WithLabelValues(to).Inc()
}
