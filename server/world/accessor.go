package world

import (
	"log/slog"

	"github.com/df-mc/chunkd/server/world/chunk"
)

// BlockAccessor reads and writes blocks of the world. Reads of positions that
// are not loaded return chunk.Air: missing chunks are a normal condition at
// the edges of generated terrain.
type BlockAccessor interface {
	// Block returns the block at pos on the layer passed.
	Block(pos BlockPos, layer chunk.Layer) chunk.BlockID
	// Loaded reports if the chunk holding pos can be read.
	Loaded(pos BlockPos) bool
	// SetBlock sets the block at pos on the layer passed. Writes to the fluid
	// layer are routed to SetFluid. It reports if the block was written
	// immediately: writes that cannot be applied yet are deferred or dropped.
	SetBlock(pos BlockPos, layer chunk.Layer, b chunk.BlockID) bool
	// SetFluid sets the fluid at pos.
	SetFluid(pos BlockPos, b chunk.BlockID) bool
	// ScheduleLight records that light must be recomputed at pos.
	ScheduleLight(pos BlockPos, old, new chunk.BlockID)
	// AddBlockEntity attaches a block entity to the block at pos. Passing a
	// nil block entity removes it.
	AddBlockEntity(pos BlockPos, be chunk.UnloadHook) bool
	// Meta returns the metadata of a column, or nil if it is not available.
	Meta(pos ColumnPos) *ColumnMeta
}

// ThreadCache caches the last chunk and column metadata looked up by a
// generation worker. A ThreadCache is owned by a single goroutine and must
// never be shared.
type ThreadCache struct {
	chunkIdx uint64
	chunkOK  bool
	chunk    *chunk.Chunk

	metaIdx uint64
	metaOK  bool
	meta    *ColumnMeta

	hits, misses uint64
}

// NewThreadCache returns an empty ThreadCache.
func NewThreadCache() *ThreadCache {
	return &ThreadCache{}
}

// BeginColumn invalidates the cache. It must be called before a new column
// is processed.
func (c *ThreadCache) BeginColumn() {
	c.chunkOK, c.chunk = false, nil
	c.metaOK, c.meta = false, nil
}

// Reset clears the cache entirely, including its statistics. It is called
// when the owning worker stops.
func (c *ThreadCache) Reset() {
	*c = ThreadCache{}
}

// Stats returns the amount of lookups served from and missed by the cache.
func (c *ThreadCache) Stats() (hits, misses uint64) {
	return c.hits, c.misses
}

func (c *ThreadCache) lookupChunk(idx uint64) (*chunk.Chunk, bool) {
	if c.chunkOK && c.chunkIdx == idx {
		c.hits++
		return c.chunk, true
	}
	c.misses++
	return nil, false
}

func (c *ThreadCache) storeChunk(idx uint64, ch *chunk.Chunk) {
	c.chunkIdx, c.chunk, c.chunkOK = idx, ch, true
}

func (c *ThreadCache) lookupMeta(idx uint64) (*ColumnMeta, bool) {
	if c.metaOK && c.metaIdx == idx {
		c.hits++
		return c.meta, true
	}
	c.misses++
	return nil, false
}

func (c *ThreadCache) storeMeta(idx uint64, m *ColumnMeta) {
	c.metaIdx, c.meta, c.metaOK = idx, m, true
}

// worldgenAccessor is the BlockAccessor passed to pass executors. It is bound
// to the request owned by the worker: blocks of that column are read from the
// in-flight data, other columns are read from the resident table. Writes to
// other columns are deferred until the request is promoted.
type worldgenAccessor struct {
	w     *World
	req   *Request
	cache *ThreadCache
}

func (a *worldgenAccessor) own(cp ChunkPos) bool {
	return cp.X == a.req.pos.X && cp.Z == a.req.pos.Z && cp.Dim == a.req.pos.Dim
}

func (a *worldgenAccessor) chunkAt(pos BlockPos) *chunk.Chunk {
	cp := pos.Chunk()
	if a.own(cp) {
		if cp.Y < 0 || int(cp.Y) >= len(a.req.chunks) {
			return nil
		}
		return a.req.chunks[cp.Y]
	}
	if !cp.Valid() {
		return nil
	}
	idx := cp.Index()
	if c, ok := a.cache.lookupChunk(idx); ok {
		return c
	}
	c, _ := a.w.resident.chunk(cp)
	a.cache.storeChunk(idx, c)
	return c
}

// Block ...
func (a *worldgenAccessor) Block(pos BlockPos, layer chunk.Layer) chunk.BlockID {
	c := a.chunkAt(pos)
	if c == nil {
		return chunk.Air
	}
	x, y, z := pos.Local()
	return c.Block(x, y, z, layer)
}

// Loaded ...
func (a *worldgenAccessor) Loaded(pos BlockPos) bool {
	return a.chunkAt(pos) != nil
}

// SetBlock ...
func (a *worldgenAccessor) SetBlock(pos BlockPos, layer chunk.Layer, b chunk.BlockID) bool {
	cp := pos.Chunk()
	if !a.own(cp) {
		if cp.Valid() && a.req.meta != nil {
			a.req.meta.ScheduleBlockUpdate(ScheduledBlockUpdate{Pos: pos, Block: b, Layer: layer})
		}
		return false
	}
	c := a.chunkAt(pos)
	if c == nil {
		return false
	}
	x, y, z := pos.Local()
	if old := c.SetBlock(x, y, z, layer, b); old != b {
		a.ScheduleLight(pos, old, b)
	}
	return true
}

// SetFluid ...
func (a *worldgenAccessor) SetFluid(pos BlockPos, b chunk.BlockID) bool {
	return a.SetBlock(pos, chunk.LayerFluid, b)
}

// ScheduleLight ...
func (a *worldgenAccessor) ScheduleLight(pos BlockPos, old, new chunk.BlockID) {
	if a.req.meta != nil {
		a.req.meta.ScheduleLightUpdate(LightUpdate{Pos: pos, Old: old, New: new})
	}
}

// AddBlockEntity ...
func (a *worldgenAccessor) AddBlockEntity(pos BlockPos, be chunk.UnloadHook) bool {
	if !a.own(pos.Chunk()) {
		return false
	}
	c := a.chunkAt(pos)
	if c == nil {
		return false
	}
	x, y, z := pos.Local()
	c.SetBlockEntity(chunk.Pos{x, y, z}, be)
	return true
}

// Meta ...
func (a *worldgenAccessor) Meta(pos ColumnPos) *ColumnMeta {
	if pos == a.req.pos {
		return a.req.meta
	}
	if !pos.Valid() {
		return nil
	}
	idx := pos.Index()
	if m, ok := a.cache.lookupMeta(idx); ok {
		return m
	}
	m, _ := a.w.resident.meta(pos)
	a.cache.storeMeta(idx, m)
	return m
}

// residentAccessor is the BlockAccessor over resident columns used outside of
// world generation. Writes hold the read side of the resident table lock, so
// that a column cannot be evicted between the lookup and the write.
type residentAccessor struct {
	w *World
}

func (a residentAccessor) inRange(pos BlockPos) bool {
	return pos.Y >= 0 && pos.Y < a.w.conf.ColumnHeight*chunk.Size && pos.Column().Valid()
}

// Block ...
func (a residentAccessor) Block(pos BlockPos, layer chunk.Layer) chunk.BlockID {
	if !a.inRange(pos) {
		return chunk.Air
	}
	c, ok := a.w.resident.chunk(pos.Chunk())
	if !ok {
		return chunk.Air
	}
	x, y, z := pos.Local()
	return c.Block(x, y, z, layer)
}

// Loaded ...
func (a residentAccessor) Loaded(pos BlockPos) bool {
	if !a.inRange(pos) {
		return false
	}
	_, ok := a.w.resident.chunk(pos.Chunk())
	return ok
}

// SetBlock ...
func (a residentAccessor) SetBlock(pos BlockPos, layer chunk.Layer, b chunk.BlockID) bool {
	if !a.inRange(pos) {
		return false
	}
	x, y, z := pos.Local()
	var old chunk.BlockID
	ok := a.w.resident.withChunk(pos.Chunk(), func(c *chunk.Chunk) {
		old = c.SetBlock(x, y, z, layer, b)
		c.Touch(a.w.CurrentTick())
	})
	if ok && old != b {
		a.ScheduleLight(pos, old, b)
	}
	return ok
}

// SetFluid ...
func (a residentAccessor) SetFluid(pos BlockPos, b chunk.BlockID) bool {
	return a.SetBlock(pos, chunk.LayerFluid, b)
}

// ScheduleLight ...
func (a residentAccessor) ScheduleLight(pos BlockPos, old, new chunk.BlockID) {
	if l := a.w.conf.Lighting; l != nil {
		l.Schedule(pos, old, new)
	}
}

// AddBlockEntity ...
func (a residentAccessor) AddBlockEntity(pos BlockPos, be chunk.UnloadHook) bool {
	if !a.inRange(pos) {
		return false
	}
	x, y, z := pos.Local()
	return a.w.resident.withChunk(pos.Chunk(), func(c *chunk.Chunk) {
		c.SetBlockEntity(chunk.Pos{x, y, z}, be)
	})
}

// Meta ...
func (a residentAccessor) Meta(pos ColumnPos) *ColumnMeta {
	m, _ := a.w.resident.meta(pos)
	return m
}

// heightmapAccessor wraps a BlockAccessor and keeps the height maps of the
// column written to up to date. Terrain heights are only maintained when
// terrain is set, which is the case during world generation.
type heightmapAccessor struct {
	BlockAccessor
	terrain bool
}

// SetBlock ...
func (a heightmapAccessor) SetBlock(pos BlockPos, layer chunk.Layer, b chunk.BlockID) bool {
	if !a.BlockAccessor.SetBlock(pos, layer, b) {
		return false
	}
	m := a.Meta(pos.Column())
	if m == nil {
		return true
	}
	x, _, z := pos.Local()
	m.updateHeights(x, z, int32(pos.Y), b != chunk.Air, a.terrain && layer == chunk.LayerSolid, func(y int32) int32 {
		for yy := int(y) - 1; yy >= 0; yy-- {
			below := BlockPos{X: pos.X, Y: yy, Z: pos.Z, Dim: pos.Dim}
			if a.Block(below, chunk.LayerSolid) != chunk.Air || a.Block(below, chunk.LayerFluid) != chunk.Air {
				return int32(yy)
			}
		}
		return 0
	})
	return true
}

// SetFluid ...
func (a heightmapAccessor) SetFluid(pos BlockPos, b chunk.BlockID) bool {
	return a.SetBlock(pos, chunk.LayerFluid, b)
}

// debugAccessor wraps a BlockAccessor and logs reads and writes that miss.
type debugAccessor struct {
	BlockAccessor
	log *slog.Logger
}

// Block ...
func (a debugAccessor) Block(pos BlockPos, layer chunk.Layer) chunk.BlockID {
	if !a.Loaded(pos) {
		a.log.Debug("block read outside loaded chunks", "X", pos.X, "Y", pos.Y, "Z", pos.Z, "dim", pos.Dim, "layer", layer)
	}
	return a.BlockAccessor.Block(pos, layer)
}

// SetBlock ...
func (a debugAccessor) SetBlock(pos BlockPos, layer chunk.Layer, b chunk.BlockID) bool {
	ok := a.BlockAccessor.SetBlock(pos, layer, b)
	if !ok {
		a.log.Debug("block write deferred or dropped", "X", pos.X, "Y", pos.Y, "Z", pos.Z, "dim", pos.Dim, "layer", layer)
	}
	return ok
}

// SetFluid ...
func (a debugAccessor) SetFluid(pos BlockPos, b chunk.BlockID) bool {
	return a.SetBlock(pos, chunk.LayerFluid, b)
}

// accessorFor returns the decorated BlockAccessor used to generate the
// column of req.
func (w *World) accessorFor(req *Request, cache *ThreadCache) BlockAccessor {
	var acc BlockAccessor = &worldgenAccessor{w: w, req: req, cache: cache}
	if w.conf.DebugAccess {
		acc = debugAccessor{BlockAccessor: acc, log: w.conf.Log.With("column", req.pos.String())}
	}
	return heightmapAccessor{BlockAccessor: acc, terrain: true}
}
