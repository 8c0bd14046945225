package world

import (
	"testing"

	"github.com/df-mc/chunkd/server/world/chunk"
	"github.com/google/uuid"
)

func TestThreadCache(t *testing.T) {
	c := NewThreadCache()
	ch := chunk.New()
	if _, ok := c.lookupChunk(1); ok {
		t.Fatalf("empty cache reported a hit")
	}
	c.storeChunk(1, ch)
	if got, ok := c.lookupChunk(1); !ok || got != ch {
		t.Fatalf("stored chunk was not returned")
	}
	c.storeChunk(2, nil)
	if got, ok := c.lookupChunk(2); !ok || got != nil {
		t.Fatalf("missing chunk was not cached")
	}
	if hits, misses := c.Stats(); hits != 2 || misses != 1 {
		t.Fatalf("expected 2 hits and 1 miss, got %v and %v", hits, misses)
	}
	c.BeginColumn()
	if _, ok := c.lookupChunk(2); ok {
		t.Fatalf("cache survived BeginColumn")
	}
}

func TestWorldgenAccessor(t *testing.T) {
	w := newTestWorld(t, Config{SyncGeneration: true})
	neighbour := ColumnPos{X: 1}
	w.RequestColumn(neighbour, PassDone, uuid.Nil)
	w.Tick()
	if err := w.SetBlock(BlockPos{X: 33, Y: 2, Z: 3}, chunk.LayerSolid, 8); err != nil {
		t.Fatalf("set block: %v", err)
	}

	req := newRequest(ColumnPos{}, 0, LoadOptions{})
	req.meta = NewColumnMeta(req.pos)
	req.chunks = []*chunk.Chunk{chunk.New(), chunk.New()}
	acc := w.accessorFor(req, NewThreadCache())

	if !acc.SetBlock(BlockPos{X: 1, Y: 33, Z: 1}, chunk.LayerSolid, 4) {
		t.Fatalf("write to the own column failed")
	}
	if req.chunks[1].Block(1, 1, 1, chunk.LayerSolid) != 4 {
		t.Fatalf("write did not reach the in-flight chunk")
	}
	if h := req.meta.TerrainHeight(1, 1); h != 33 {
		t.Fatalf("expected terrain height 33, got %v", h)
	}
	if got := acc.Block(BlockPos{X: 33, Y: 2, Z: 3}, chunk.LayerSolid); got != 8 {
		t.Fatalf("expected neighbour block 8, got %v", got)
	}
	if acc.Loaded(BlockPos{X: 70}) {
		t.Fatalf("column that is not resident reported loaded")
	}
	if acc.SetBlock(BlockPos{X: 34, Y: 2, Z: 3}, chunk.LayerSolid, 9) {
		t.Fatalf("write to a neighbour was applied during generation")
	}
	if w.Block(BlockPos{X: 34, Y: 2, Z: 3}, chunk.LayerSolid) != chunk.Air {
		t.Fatalf("neighbour was modified during generation")
	}
	if blocks, light := req.meta.PendingUpdates(); blocks != 1 || light != 1 {
		t.Fatalf("expected 1 scheduled block and light update, got %v and %v", blocks, light)
	}
	if acc.Meta(neighbour) == nil || acc.Meta(ColumnPos{}) != req.meta {
		t.Fatalf("unexpected column metadata returned")
	}
}
