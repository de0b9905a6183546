package observability

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetricsClient implements MetricsClient using Prometheus collectors.
// Collectors are created lazily per metric name and cached; label sets must be
// stable per name, which holds for all engine call sites.
type PrometheusMetricsClient struct {
	namespace string
	subsystem string

	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec

	mu sync.RWMutex
}

// NewPrometheusMetricsClient creates a new Prometheus metrics client
func NewPrometheusMetricsClient(namespace, subsystem string) *PrometheusMetricsClient {
	return &PrometheusMetricsClient{
		namespace:  namespace,
		subsystem:  subsystem,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

// sanitizeMetricName converts dotted metric names to Prometheus form
func sanitizeMetricName(name string) string {
	return strings.NewReplacer(".", "_", "-", "_").Replace(name)
}

func labelKeys(labels map[string]string) []string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (p *PrometheusMetricsClient) counter(name string, labels map[string]string) *prometheus.CounterVec {
	sanitized := sanitizeMetricName(name)

	p.mu.RLock()
	c, ok := p.counters[sanitized]
	p.mu.RUnlock()
	if ok {
		return c
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.counters[sanitized]; ok {
		return c
	}

	c = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: p.namespace,
		Subsystem: p.subsystem,
		Name:      sanitized,
		Help:      fmt.Sprintf("Counter for %s", name),
	}, labelKeys(labels))
	p.counters[sanitized] = c
	return c
}

func (p *PrometheusMetricsClient) gauge(name string, labels map[string]string) *prometheus.GaugeVec {
	sanitized := sanitizeMetricName(name)

	p.mu.RLock()
	g, ok := p.gauges[sanitized]
	p.mu.RUnlock()
	if ok {
		return g
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if g, ok := p.gauges[sanitized]; ok {
		return g
	}

	g = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: p.namespace,
		Subsystem: p.subsystem,
		Name:      sanitized,
		Help:      fmt.Sprintf("Gauge for %s", name),
	}, labelKeys(labels))
	p.gauges[sanitized] = g
	return g
}

func (p *PrometheusMetricsClient) histogram(name string, labels map[string]string) *prometheus.HistogramVec {
	sanitized := sanitizeMetricName(name)

	p.mu.RLock()
	h, ok := p.histograms[sanitized]
	p.mu.RUnlock()
	if ok {
		return h
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.histograms[sanitized]; ok {
		return h
	}

	h = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: p.namespace,
		Subsystem: p.subsystem,
		Name:      sanitized,
		Help:      fmt.Sprintf("Histogram for %s", name),
		Buckets:   prometheus.DefBuckets,
	}, labelKeys(labels))
	p.histograms[sanitized] = h
	return h
}

// RecordLatency records operation latency as a histogram observation
func (p *PrometheusMetricsClient) RecordLatency(operation string, duration time.Duration) {
	labels := map[string]string{"operation": operation}
	p.histogram("operation_latency_seconds", labels).With(labels).Observe(duration.Seconds())
}

// RecordGauge sets a gauge value
func (p *PrometheusMetricsClient) RecordGauge(name string, value float64, labels map[string]string) {
	p.gauge(name, labels).With(labels).Set(value)
}

// RecordHistogram records a histogram observation
func (p *PrometheusMetricsClient) RecordHistogram(name string, value float64, labels map[string]string) {
	p.histogram(name, labels).With(labels).Observe(value)
}

// IncrementCounter increments a counter without labels
func (p *PrometheusMetricsClient) IncrementCounter(name string, value float64) {
	p.IncrementCounterWithLabels(name, value, nil)
}

// IncrementCounterWithLabels increments a labeled counter
func (p *PrometheusMetricsClient) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
	p.counter(name, labels).With(labels).Add(value)
}

// RecordCacheOperation records the outcome and duration of a cache operation
func (p *PrometheusMetricsClient) RecordCacheOperation(operation string, success bool, durationSeconds float64) {
	status := "success"
	if !success {
		status = "failure"
	}
	labels := map[string]string{"operation": operation, "status": status}
	p.counter("cache_operations_total", labels).With(labels).Inc()

	durLabels := map[string]string{"operation": operation}
	p.histogram("cache_operation_duration_seconds", durLabels).With(durLabels).Observe(durationSeconds)
}

// Close implements MetricsClient.Close
func (p *PrometheusMetricsClient) Close() error {
	return nil
}
