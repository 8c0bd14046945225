package world

import (
	"github.com/segmentio/fasthash/fnv1a"
)

// compact packs the idle chunks of one stripe of the resident columns. The
// columns are split into Config.PackStripes stripes by the hash of their
// index, and each call scans the next stripe, so that a full scan is spread
// over several sweeps. Columns near a client and columns with a request in
// flight are skipped. It returns the amount of chunks packed.
func (w *World) compact() int {
	stripes := uint64(w.conf.PackStripes)
	stripe := w.packStripe.Add(1) % stripes
	retained := w.retainedColumns()
	tick := w.CurrentTick()

	packed := 0
	for _, pos := range w.resident.snapshotColumns() {
		idx := pos.Index()
		if fnv1a.HashUint64(idx)%stripes != stripe {
			continue
		}
		if _, ok := retained[idx]; ok || w.active.contains(idx) {
			continue
		}
		for y := range w.conf.ColumnHeight {
			c, ok := w.resident.chunk(pos.Chunk(int32(y)))
			if !ok || c.Packed() || tick-c.LastTouched() < w.conf.PackTTL {
				continue
			}
			if err := c.Pack(); err != nil {
				w.conf.Log.Error("pack chunk", "X", pos.X, "Y", y, "Z", pos.Z, "dim", pos.Dim, "error", err)
				continue
			}
			packed++
		}
	}
	w.conf.Metrics.addPacks(packed)
	return packed
}

// Compact runs the compactor over every stripe of the resident columns and
// returns the amount of chunks packed.
func (w *World) Compact() int {
	n := 0
	for range w.conf.PackStripes {
		n += w.compact()
	}
	return n
}
