package observability

import "sync"

// Metrics provides counters, gauges, and histogram recording primitives.
type Metrics interface {
	IncCounter(name string, value float64, labels map[string]string)
	ObserveHistogram(name string, value float64, labels map[string]string)
	SetGauge(name string, value float64, labels map[string]string)
}

var defaultMetrics Metrics = noopMetrics{}

// SetMetrics overrides the global metrics implementation used by the system.
func SetMetrics(metrics Metrics) {
	if metrics == nil {
		defaultMetrics = noopMetrics{}
		return
	}
	defaultMetrics = metrics
}

// Telemetry returns the current global metrics collector.
func Telemetry() Metrics {
	return defaultMetrics
}

type noopMetrics struct{}

func (noopMetrics) IncCounter(string, float64, map[string]string)       {}
func (noopMetrics) ObserveHistogram(string, float64, map[string]string) {}
func (noopMetrics) SetGauge(string, float64, map[string]string)         {}

// HubMetricsSnapshot captures hub-focused runtime counters.
type HubMetricsSnapshot struct {
	GroupConnections map[string]int   `json:"group_connections"`
	DroppedFrames    map[string]int   `json:"dropped_frames"`
	SentFrames       map[string]int64 `json:"sent_frames"`
}

// RuntimeMetrics accumulates hub metrics in-memory for periodic export.
type RuntimeMetrics struct {
	mu  sync.Mutex
	hub HubMetricsSnapshot
}

// NewRuntimeMetrics constructs a metrics accumulator with empty maps.
func NewRuntimeMetrics() *RuntimeMetrics {
	metrics := new(RuntimeMetrics)
	metrics.hub = HubMetricsSnapshot{
		GroupConnections: make(map[string]int),
		DroppedFrames:    make(map[string]int),
		SentFrames:       make(map[string]int64),
	}
	return metrics
}

// RecordGroupConnections tracks the latest connection count for a stream group.
func (m *RuntimeMetrics) RecordGroupConnections(group string, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if count <= 0 {
		delete(m.hub.GroupConnections, group)
		return
	}
	m.hub.GroupConnections[group] = count
}

// IncrementDroppedFrames increments the backpressure drop counter for a channel.
func (m *RuntimeMetrics) IncrementDroppedFrames(channel string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hub.DroppedFrames[channel]++
}

// AddSentFrames accumulates delivered frame counts for a channel.
func (m *RuntimeMetrics) AddSentFrames(channel string, delta int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hub.SentFrames[channel] += delta
}

// Snapshot copies the current hub metrics state for reporting.
func (m *RuntimeMetrics) Snapshot() HubMetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := HubMetricsSnapshot{
		GroupConnections: make(map[string]int, len(m.hub.GroupConnections)),
		DroppedFrames:    make(map[string]int, len(m.hub.DroppedFrames)),
		SentFrames:       make(map[string]int64, len(m.hub.SentFrames)),
	}
	for k, v := range m.hub.GroupConnections {
		snapshot.GroupConnections[k] = v
	}
	for k, v := range m.hub.DroppedFrames {
		snapshot.DroppedFrames[k] = v
	}
	for k, v := range m.hub.SentFrames {
		snapshot.SentFrames[k] = v
	}
	return snapshot
}
