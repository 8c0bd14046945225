package lighting

import (
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/df-mc/chunkd/server/world"
	"github.com/df-mc/chunkd/server/world/chunk"
)

// mapSource is a BlockSource backed by a map. Every column in resident is
// reported as resident.
type mapSource struct {
	mu       sync.Mutex
	blocks   map[world.BlockPos]chunk.BlockID
	resident map[world.ColumnPos]bool
}

func newMapSource(cols ...world.ColumnPos) *mapSource {
	s := &mapSource{blocks: make(map[world.BlockPos]chunk.BlockID), resident: make(map[world.ColumnPos]bool)}
	for _, pos := range cols {
		s.resident[pos] = true
	}
	return s
}

func (s *mapSource) set(pos world.BlockPos, b chunk.BlockID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks[pos] = b
}

func (s *mapSource) Block(pos world.BlockPos, _ chunk.Layer) chunk.BlockID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blocks[pos]
}

func (s *mapSource) ResidentColumnMeta(pos world.ColumnPos) (*world.ColumnMeta, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.resident[pos] {
		return nil, false
	}
	return nil, true
}

func newTestEngine(conf Config) *Engine {
	conf.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	conf.Height = 64
	return conf.New()
}

func TestFirstUpdateComputesColumn(t *testing.T) {
	src := newMapSource(world.ColumnPos{})
	for x := range chunk.Size {
		for z := range chunk.Size {
			src.set(world.BlockPos{X: x, Y: 10, Z: z}, 1)
		}
	}
	e := newTestEngine(Config{})
	e.Attach(src)

	e.Schedule(world.BlockPos{Y: 10}, chunk.Air, 1)
	if n := e.Step(); n != chunk.Area {
		t.Fatalf("expected a full column to be computed, got %v", n)
	}
	if h, ok := e.SkyHeight(world.BlockPos{X: 5, Z: 31}); !ok || h != 11 {
		t.Fatalf("expected sky height 11, got %v (%v)", h, ok)
	}
	if l, _ := e.SkyLight(world.BlockPos{X: 3, Y: 11, Z: 3}); l != 15 {
		t.Fatalf("expected full sky light above the surface, got %v", l)
	}
	if l, _ := e.SkyLight(world.BlockPos{X: 3, Y: 9, Z: 3}); l != 0 {
		t.Fatalf("expected no sky light below the surface, got %v", l)
	}
	if _, ok := e.SkyLight(world.BlockPos{X: 40}); ok {
		t.Fatalf("expected no light for a column never updated")
	}
}

func TestUpdatesRaiseAndLowerHeight(t *testing.T) {
	src := newMapSource(world.ColumnPos{})
	e := newTestEngine(Config{})
	e.Attach(src)
	e.Schedule(world.BlockPos{}, chunk.Air, 1)
	e.Step()

	top := world.BlockPos{X: 1, Y: 20, Z: 2}
	src.set(top, 1)
	e.Schedule(top, chunk.Air, 1)
	if n := e.Step(); n != 1 {
		t.Fatalf("expected one block column recomputed, got %v", n)
	}
	if h, _ := e.SkyHeight(top); h != 21 {
		t.Fatalf("expected sky height 21, got %v", h)
	}

	src.set(top, chunk.Air)
	e.Schedule(top, 1, chunk.Air)
	e.Step()
	if h, _ := e.SkyHeight(top); h != 0 {
		t.Fatalf("expected sky height 0 after removing the block, got %v", h)
	}
}

func TestSameOpacityIsIgnored(t *testing.T) {
	e := newTestEngine(Config{})
	e.Schedule(world.BlockPos{}, 1, 2)
	if n := e.Pending(); n != 0 {
		t.Fatalf("expected no pending updates, got %v", n)
	}
	// Updates are kept until a source is attached.
	e.Schedule(world.BlockPos{}, chunk.Air, 2)
	if e.Step() != 0 || e.Pending() != 1 {
		t.Fatalf("expected update to stay pending without a source")
	}
}

func TestBackpressureCoalesces(t *testing.T) {
	m := NewMetrics()
	e := newTestEngine(Config{InboxSize: 2, Metrics: m})
	for y := range 10 {
		e.Schedule(world.BlockPos{X: 4, Y: y, Z: 4}, chunk.Air, 1)
	}
	// Two updates fit in the inbox, the other eight collapse into one.
	if n := e.Pending(); n != 3 {
		t.Fatalf("expected 3 pending updates, got %v", n)
	}
	if s := m.Snapshot(); s.Backpressure != 8 {
		t.Fatalf("expected 8 coalesced sends, got %v", s.Backpressure)
	}

	e.Attach(newMapSource(world.ColumnPos{}))
	e.Step()
	if n := e.Pending(); n != 0 {
		t.Fatalf("expected every update to be processed, got %v", n)
	}
	if s := m.Snapshot(); s.Updates != 3 {
		t.Fatalf("expected 3 updates processed, got %v", s.Updates)
	}
}

func TestBudgetAndEviction(t *testing.T) {
	src := newMapSource(world.ColumnPos{}, world.ColumnPos{X: 1})
	e := newTestEngine(Config{BudgetPerStep: 2})
	e.Attach(src)
	for i := range 5 {
		e.Schedule(world.BlockPos{X: i, Y: 1, Z: 0}, chunk.Air, 1)
	}
	e.Schedule(world.BlockPos{X: 32, Y: 1}, chunk.Air, 1)
	e.Step()
	if n := e.Pending(); n != 3 {
		t.Fatalf("expected 3 updates left after one step, got %v", n)
	}

	src.mu.Lock()
	delete(src.resident, world.ColumnPos{})
	src.mu.Unlock()
	e.Step()
	if n := e.Pending(); n != 0 {
		t.Fatalf("expected updates of evicted column to be dropped, got %v", n)
	}
	if _, ok := e.SkyHeight(world.BlockPos{}); ok {
		t.Fatalf("expected light of evicted column to be dropped")
	}
	if _, ok := e.SkyHeight(world.BlockPos{X: 32}); !ok {
		t.Fatalf("expected light of resident column to be kept")
	}
}

func TestWorldSchedulesLight(t *testing.T) {
	e := newTestEngine(Config{})
	w := world.Config{
		Log:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		Lighting:       e,
		SyncGeneration: true,
		ColumnHeight:   2,
		TickInterval:   -1,
		UnloadInterval: -1,
		PackInterval:   -1,
		FlushInterval:  -1,
		SaveInterval:   -1,
	}.New()
	t.Cleanup(func() {
		if err := w.Close(); err != nil {
			t.Fatalf("failed closing world: %v", err)
		}
	})
	e.Attach(w)

	w.RequestColumn(world.ColumnPos{}, world.PassDone, world.ClientID{})
	w.Tick()
	pos := world.BlockPos{X: 7, Y: 30, Z: 9}
	if err := w.SetBlock(pos, chunk.LayerSolid, 1); err != nil {
		t.Fatalf("set block: %v", err)
	}
	e.Step()
	if h, ok := e.SkyHeight(pos); !ok || h != 31 {
		t.Fatalf("expected sky height 31, got %v (%v)", h, ok)
	}
}
