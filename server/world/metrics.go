package world

import (
	"sync"
)

// Metrics tracks counters of the column lifecycle for observability. A nil
// *Metrics is valid and discards every update.
type Metrics struct {
	mu sync.Mutex

	passes       uint64
	failedPasses uint64
	promotions   uint64
	requeues     uint64
	loads        uint64
	evictions    uint64
	packs        uint64
	peeks        uint64
	flushes      uint64
	flushFails   uint64
	invariants   uint64
	saturation   uint64
}

// MetricsSnapshot is a copy of the counters of a Metrics.
type MetricsSnapshot struct {
	Passes, FailedPasses   uint64
	Promotions, Requeues   uint64
	Loads, Evictions       uint64
	Packs, Peeks           uint64
	Flushes, FlushFailures uint64
	Invariants             uint64
	QueueSaturation        uint64
}

// NewMetrics creates an empty metrics registry.
func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) add(field *uint64, v uint64) {
	if m == nil || v == 0 {
		return
	}
	m.mu.Lock()
	*field += v
	m.mu.Unlock()
}

// addPasses increments the counter of passes run successfully.
func (m *Metrics) addPasses(v uint64) {
	if m == nil {
		return
	}
	m.add(&m.passes, v)
}

func (m *Metrics) incFailedPasses() {
	if m == nil {
		return
	}
	m.add(&m.failedPasses, 1)
}

func (m *Metrics) incPromotions() {
	if m == nil {
		return
	}
	m.add(&m.promotions, 1)
}

func (m *Metrics) incRequeues() {
	if m == nil {
		return
	}
	m.add(&m.requeues, 1)
}

func (m *Metrics) incLoads() {
	if m == nil {
		return
	}
	m.add(&m.loads, 1)
}

func (m *Metrics) addEvictions(v int) {
	if m == nil {
		return
	}
	m.add(&m.evictions, uint64(v))
}

func (m *Metrics) addPacks(v int) {
	if m == nil {
		return
	}
	m.add(&m.packs, uint64(v))
}

func (m *Metrics) incPeeks() {
	if m == nil {
		return
	}
	m.add(&m.peeks, 1)
}

func (m *Metrics) incFlushes() {
	if m == nil {
		return
	}
	m.add(&m.flushes, 1)
}

func (m *Metrics) incFlushFailures() {
	if m == nil {
		return
	}
	m.add(&m.flushFails, 1)
}

func (m *Metrics) incInvariants() {
	if m == nil {
		return
	}
	m.add(&m.invariants, 1)
}

func (m *Metrics) incSaturation() uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saturation++
	return m.saturation
}

// Snapshot returns a copy of the current counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return MetricsSnapshot{
		Passes:          m.passes,
		FailedPasses:    m.failedPasses,
		Promotions:      m.promotions,
		Requeues:        m.requeues,
		Loads:           m.loads,
		Evictions:       m.evictions,
		Packs:           m.packs,
		Peeks:           m.peeks,
		Flushes:         m.flushes,
		FlushFailures:   m.flushFails,
		Invariants:      m.invariants,
		QueueSaturation: m.saturation,
	}
}
