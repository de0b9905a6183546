package observability

import (
	"sort"
	"sync"
	"time"
)

// NewMetricsClient creates the default metrics client. It keeps counters and
// gauges in memory so callers can always record without wiring a backend;
// production deployments use NewPrometheusMetricsClient instead.
func NewMetricsClient() MetricsClient {
	return &inMemoryMetricsClient{
		counters: make(map[string]float64),
		gauges:   make(map[string]float64),
	}
}

// inMemoryMetricsClient is a thread-safe in-process metrics sink
type inMemoryMetricsClient struct {
	mu       sync.Mutex
	counters map[string]float64
	gauges   map[string]float64
}

func (m *inMemoryMetricsClient) RecordLatency(operation string, duration time.Duration) {
	m.RecordHistogram(operation+".latency_seconds", duration.Seconds(), nil)
}

func (m *inMemoryMetricsClient) RecordGauge(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges[flattenName(name, labels)] = value
}

func (m *inMemoryMetricsClient) RecordHistogram(name string, value float64, labels map[string]string) {
	// Histograms degrade to a sum + count pair in the in-memory client
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[flattenName(name+".sum", labels)] += value
	m.counters[flattenName(name+".count", labels)]++
}

func (m *inMemoryMetricsClient) IncrementCounter(name string, value float64) {
	m.IncrementCounterWithLabels(name, value, nil)
}

func (m *inMemoryMetricsClient) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[flattenName(name, labels)] += value
}

func (m *inMemoryMetricsClient) RecordCacheOperation(operation string, success bool, durationSeconds float64) {
	status := "success"
	if !success {
		status = "failure"
	}
	m.IncrementCounterWithLabels("cache.operation", 1, map[string]string{
		"operation": operation,
		"status":    status,
	})
	m.RecordHistogram("cache.operation.duration_seconds", durationSeconds, map[string]string{
		"operation": operation,
	})
}

func (m *inMemoryMetricsClient) Close() error {
	return nil
}

// Counters returns a snapshot of recorded counters, used by tests
func (m *inMemoryMetricsClient) Counters() map[string]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := make(map[string]float64, len(m.counters))
	for k, v := range m.counters {
		snapshot[k] = v
	}
	return snapshot
}

func flattenName(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	flat := name
	for _, k := range keys {
		flat += "|" + k + "=" + labels[k]
	}
	return flat
}

// NoopMetricsClient discards all metrics
type NoopMetricsClient struct{}

// NewNoopMetricsClient creates a metrics client that does nothing
func NewNoopMetricsClient() MetricsClient {
	return &NoopMetricsClient{}
}

func (m *NoopMetricsClient) RecordLatency(operation string, duration time.Duration)           {}
func (m *NoopMetricsClient) RecordGauge(name string, value float64, labels map[string]string) {}
func (m *NoopMetricsClient) RecordHistogram(name string, value float64, labels map[string]string) {
}
func (m *NoopMetricsClient) IncrementCounter(name string, value float64) {}
func (m *NoopMetricsClient) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
}
func (m *NoopMetricsClient) RecordCacheOperation(operation string, success bool, durationSeconds float64) {
}
func (m *NoopMetricsClient) Close() error { return nil }
