package lighting

import "sync"

// Metrics tracks the counters of an Engine.
type Metrics struct {
	mu sync.Mutex

	updates      uint64
	recomputes   uint64
	backpressure uint64
}

// MetricsSnapshot is a copy of the counters of Metrics.
type MetricsSnapshot struct {
	Updates, Recomputes, Backpressure uint64
}

// NewMetrics creates an empty metrics registry.
func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) addUpdates(v uint64) {
	if m == nil || v == 0 {
		return
	}
	m.mu.Lock()
	m.updates += v
	m.mu.Unlock()
}

func (m *Metrics) addRecomputes(v uint64) {
	if m == nil || v == 0 {
		return
	}
	m.mu.Lock()
	m.recomputes += v
	m.mu.Unlock()
}

func (m *Metrics) incBackpressure() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.backpressure++
	m.mu.Unlock()
}

// Snapshot returns a copy of the counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return MetricsSnapshot{Updates: m.updates, Recomputes: m.recomputes, Backpressure: m.backpressure}
}
