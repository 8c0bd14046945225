package world

import (
	"sync"

	"github.com/df-mc/chunkd/server/world/chunk"
)

// residentTable holds the columns currently loaded in memory. A single
// read/write lock guards both maps. Every write to the table goes through the
// methods below so that the locking discipline lives in one place.
type residentTable struct {
	mu     sync.RWMutex
	metas  map[uint64]*ColumnMeta
	chunks map[uint64]*chunk.Chunk
}

func newResidentTable() *residentTable {
	return &residentTable{
		metas:  make(map[uint64]*ColumnMeta),
		chunks: make(map[uint64]*chunk.Chunk),
	}
}

// meta returns the metadata of a resident column.
func (t *residentTable) meta(pos ColumnPos) (*ColumnMeta, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.metas[pos.Index()]
	return m, ok
}

// chunk returns a resident chunk.
func (t *residentTable) chunk(pos ChunkPos) (*chunk.Chunk, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.chunks[pos.Index()]
	return c, ok
}

// withChunk calls fn with a resident chunk while holding the read lock of the
// table, so that the chunk cannot be evicted while fn runs. It reports false
// if the chunk is not resident.
func (t *residentTable) withChunk(pos ChunkPos, fn func(c *chunk.Chunk)) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.chunks[pos.Index()]
	if !ok {
		return false
	}
	fn(c)
	return true
}

// column returns the metadata and chunks of a resident column. The chunk
// slice holds nil for chunks that are not resident.
func (t *residentTable) column(pos ColumnPos, height int) (*ColumnMeta, []*chunk.Chunk, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.columnLocked(pos, height)
}

func (t *residentTable) columnLocked(pos ColumnPos, height int) (*ColumnMeta, []*chunk.Chunk, bool) {
	m, ok := t.metas[pos.Index()]
	if !ok {
		return nil, nil, false
	}
	chunks := make([]*chunk.Chunk, height)
	for y := range chunks {
		chunks[y] = t.chunks[pos.Chunk(int32(y)).Index()]
	}
	return m, chunks, true
}

// insertLocked adds a column to the table. If the column is already
// resident, its chunks are kept for every slot where chunks holds nil and the
// pass of the existing metadata is advanced instead of replaced. The caller
// must hold the write lock.
func (t *residentTable) insertLocked(meta *ColumnMeta, chunks []*chunk.Chunk) *ColumnMeta {
	pos := meta.Pos()
	idx := pos.Index()
	if existing, ok := t.metas[idx]; ok && existing != meta {
		existing.Advance(meta.Pass())
		meta = existing
	} else {
		t.metas[idx] = meta
	}
	for y, c := range chunks {
		if c != nil {
			t.chunks[pos.Chunk(int32(y)).Index()] = c
		}
	}
	return meta
}

// removeLocked deletes a column and returns the chunks removed. The caller
// must hold the write lock.
func (t *residentTable) removeLocked(pos ColumnPos, height int) (*ColumnMeta, []*chunk.Chunk) {
	idx := pos.Index()
	m := t.metas[idx]
	delete(t.metas, idx)
	chunks := make([]*chunk.Chunk, height)
	for y := range chunks {
		ci := pos.Chunk(int32(y)).Index()
		chunks[y] = t.chunks[ci]
		delete(t.chunks, ci)
	}
	return m, chunks
}

// snapshotColumns returns the positions of every resident column. Callers
// iterate the snapshot and look entries up individually, so that the table
// lock is never held for a full scan.
func (t *residentTable) snapshotColumns() []ColumnPos {
	t.mu.RLock()
	defer t.mu.RUnlock()
	cols := make([]ColumnPos, 0, len(t.metas))
	for idx := range t.metas {
		cols = append(cols, ColumnFromIndex(idx))
	}
	return cols
}

// size returns the amount of resident columns and chunks.
func (t *residentTable) size() (columns, chunks int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.metas), len(t.chunks)
}
