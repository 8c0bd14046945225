package world

import (
	"github.com/df-mc/chunkd/server/world/chunk"
)

// UnloadStats holds the result of an unload sweep.
type UnloadStats struct {
	Columns       int
	Chunks        int
	Entities      int
	BlockEntities int
	// Written is the amount of dirty chunks queued for the Provider.
	Written int
}

// retainedColumns returns the indices of every column within the retention
// radius of a connected client.
func (w *World) retainedColumns() map[uint64]struct{} {
	set := make(map[uint64]struct{})
	r := w.conf.Retention
	if r == nil {
		return set
	}
	for _, id := range r.Clients() {
		for _, pos := range r.ForClient(id) {
			if pos.Valid() {
				set[pos.Index()] = struct{}{}
			}
		}
	}
	return set
}

// sweep ages the resident columns and evicts those that expired. Columns near
// a client or pinned are refreshed instead. If force is set, every column
// that is not retained is evicted regardless of its age. The table lock is
// only held per evicted column: the keys are snapshotted first.
func (w *World) sweep(force bool) UnloadStats {
	w.sweepMu.Lock()
	defer w.sweepMu.Unlock()

	var stats UnloadStats
	if w.halted.Load() {
		return stats
	}
	retained := w.retainedColumns()
	floor := w.conf.UnloadAgeFloor

	var candidates []ColumnPos
	for _, pos := range w.resident.snapshotColumns() {
		m, ok := w.resident.meta(pos)
		if !ok {
			continue
		}
		if _, ok := retained[pos.Index()]; ok || w.Pinned(pos) {
			m.Refresh(w.conf.UnloadAgeMax)
			continue
		}
		if age := m.Age(floor); force || age <= floor {
			candidates = append(candidates, pos)
		}
	}
	for _, pos := range candidates {
		w.evict(pos, &stats)
	}
	w.conf.Metrics.addEvictions(stats.Columns)
	if stats.Columns > 0 {
		w.conf.Log.Debug("unloaded columns", "columns", stats.Columns, "chunks", stats.Chunks, "written", stats.Written, "entities", stats.Entities, "block_entities", stats.BlockEntities)
	}
	return stats
}

// evict removes a column from the resident table. Columns with a request in
// flight or pinned columns are skipped. The unload hooks of entities and
// block entities run and dirty data is queued for the Provider before the
// column is released, all while holding the table write lock, so that a
// request for the column made afterwards reads the queued data.
func (w *World) evict(pos ColumnPos, stats *UnloadStats) bool {
	height := w.conf.ColumnHeight
	idx := pos.Index()

	w.resident.mu.Lock()
	defer w.resident.mu.Unlock()
	if w.halted.Load() || w.active.contains(idx) || w.Pinned(pos) {
		return false
	}
	meta, chunks, ok := w.resident.columnLocked(pos, height)
	if !ok {
		return false
	}
	for _, c := range chunks {
		if c == nil {
			continue
		}
		e, be := c.BeforeUnload()
		stats.Entities += e
		stats.BlockEntities += be
	}
	stats.Written += w.queueColumn(meta, chunks)

	removed, released := w.resident.removeLocked(pos, height)
	if removed != meta {
		w.invariant("evicted column changed while holding the table lock", "X", pos.X, "Z", pos.Z, "dim", pos.Dim)
		return false
	}
	stats.Columns++
	for _, c := range released {
		if c != nil {
			stats.Chunks++
		}
	}
	return true
}

// queueColumn queues the dirty chunks and the metadata of a column in the
// write-back buffer and returns the amount of chunks queued. The caller holds
// the table lock, so that saves and evictions of the same column queue their
// data in order.
func (w *World) queueColumn(meta *ColumnMeta, chunks []*chunk.Chunk) int {
	pos := meta.Pos()
	n := 0
	for y, c := range chunks {
		if c == nil || !c.Dirty() {
			continue
		}
		data, v := c.Encode()
		w.wb.queueChunk(pos.Chunk(int32(y)), data, c, v)
		n++
	}
	if meta.Dirty() {
		data, v, err := meta.Encode()
		if err != nil {
			w.conf.Log.Error("encode column meta", "X", pos.X, "Z", pos.Z, "dim", pos.Dim, "error", err)
			return n
		}
		w.wb.queueColumn(pos, data, meta, v)
	}
	return n
}

// CollectGarbage evicts every resident column that is neither retained by a
// client nor pinned, regardless of its age, and returns what was unloaded.
func (w *World) CollectGarbage() UnloadStats {
	return w.sweep(true)
}

// Unload runs a single unload sweep, as done every Config.UnloadInterval.
func (w *World) Unload() UnloadStats {
	return w.sweep(false)
}

// Save queues every dirty resident column in the write-back buffer and
// flushes it to the Provider. Columns stay resident.
func (w *World) Save() error {
	w.saveMu.Lock()
	defer w.saveMu.Unlock()

	height := w.conf.ColumnHeight
	for _, pos := range w.resident.snapshotColumns() {
		w.resident.mu.RLock()
		if meta, chunks, ok := w.resident.columnLocked(pos, height); ok {
			w.queueColumn(meta, chunks)
		}
		w.resident.mu.RUnlock()
	}
	return w.wb.flush()
}
