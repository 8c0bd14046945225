// Package lighting implements a world.LightingService that keeps a sky light
// height map for every resident column. Block changes are routed to bounded
// per-column inboxes and processed in steps with a per-column budget.
package lighting

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/df-mc/chunkd/server/world"
	"github.com/df-mc/chunkd/server/world/chunk"
)

// Update is a block change that may change the sky light of a block column.
type Update struct {
	Pos      world.BlockPos
	Old, New chunk.BlockID
}

// BlockSource provides the blocks light is computed from. *world.World
// implements it.
type BlockSource interface {
	Block(pos world.BlockPos, layer chunk.Layer) chunk.BlockID
	ResidentColumnMeta(pos world.ColumnPos) (*world.ColumnMeta, bool)
}

// Config holds the settings of an Engine. The zero value is usable.
type Config struct {
	// Log is the Logger used by the Engine. If nil, slog.Default() is used.
	Log *slog.Logger
	// InboxSize is the amount of updates queued per column before updates
	// are coalesced. Defaults to 256.
	InboxSize int
	// BudgetPerStep caps the amount of updates processed per column in one
	// Step. Defaults to 1024.
	BudgetPerStep int
	// Height is the height of the world in blocks. Defaults to 256.
	Height int
	// Opaque reports if a block blocks sky light. By default every block
	// except air does.
	Opaque func(b chunk.BlockID) bool
	// Metrics receives the counters of the Engine. It may be nil.
	Metrics *Metrics
}

func (conf Config) withDefaults() Config {
	if conf.Log == nil {
		conf.Log = slog.Default()
	}
	if conf.InboxSize <= 0 {
		conf.InboxSize = 256
	}
	if conf.BudgetPerStep <= 0 {
		conf.BudgetPerStep = 1024
	}
	if conf.Height <= 0 {
		conf.Height = 256
	}
	if conf.Opaque == nil {
		conf.Opaque = func(b chunk.BlockID) bool { return b != chunk.Air }
	}
	return conf
}

// Engine implements world.LightingService. Schedule never blocks: updates
// are queued and applied by Step, which is called by Run or manually.
type Engine struct {
	conf   Config
	router *router
	src    atomic.Pointer[BlockSource]

	mu      sync.RWMutex
	columns map[uint64]*column

	stepMu     sync.Mutex
	saturation map[uint64]int
	penalty    map[uint64]int
}

// column holds the sky light heights of a column: the lowest Y that receives
// full sky light, per block column.
type column struct {
	pos     world.ColumnPos
	heights [chunk.Area]int16
}

// Compile time check to make sure Engine implements world.LightingService.
var _ world.LightingService = (*Engine)(nil)

// New creates an Engine using the settings of the Config.
func (conf Config) New() *Engine {
	conf = conf.withDefaults()
	return &Engine{
		conf:       conf,
		router:     newRouter(conf.InboxSize, conf.Metrics),
		columns:    make(map[uint64]*column),
		saturation: make(map[uint64]int),
		penalty:    make(map[uint64]int),
	}
}

// Attach sets the source blocks are read from. Updates are queued but not
// processed until a source is attached.
func (e *Engine) Attach(src BlockSource) {
	e.src.Store(&src)
}

// Schedule queues a light update for pos. Changes that keep the opacity of
// the block are ignored.
func (e *Engine) Schedule(pos world.BlockPos, old, new chunk.BlockID) {
	if e.conf.Opaque(old) == e.conf.Opaque(new) {
		return
	}
	e.router.send(Update{Pos: pos, Old: old, New: new})
}

// SkyLight returns the sky light at pos: 15 if the block receives direct sky
// light, 0 otherwise. It reports false if light was not computed for the
// column of pos.
func (e *Engine) SkyLight(pos world.BlockPos) (uint8, bool) {
	h, ok := e.SkyHeight(pos)
	if !ok {
		return 0, false
	}
	if pos.Y >= h {
		return 15, true
	}
	return 0, true
}

// SkyHeight returns the lowest Y receiving direct sky light in the block
// column of pos.
func (e *Engine) SkyHeight(pos world.BlockPos) (int, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, ok := e.columns[pos.Column().Index()]
	if !ok {
		return 0, false
	}
	x, _, z := pos.Local()
	return int(c.heights[int(x)*chunk.Size+int(z)]), true
}

// Pending returns the amount of updates that were not processed yet.
func (e *Engine) Pending() int {
	n := 0
	for _, ep := range e.router.snapshot() {
		n += ep.pending()
	}
	return n
}

// Metrics returns the Metrics the Engine was configured with. The result may
// be nil.
func (e *Engine) Metrics() *Metrics {
	return e.conf.Metrics
}

// Run calls Step at the interval passed until ctx is cancelled.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			e.Step()
		}
	}
}

// Step processes the queued updates of every column, in order of the column
// index, and returns the amount of block columns recomputed. Columns that are
// no longer resident are dropped.
func (e *Engine) Step() int {
	srcp := e.src.Load()
	if srcp == nil {
		return 0
	}
	src := *srcp

	e.stepMu.Lock()
	defer e.stepMu.Unlock()

	eps := e.router.snapshot()
	slices.SortFunc(eps, func(a, b *endpoint) int {
		ai, bi := a.pos.Index(), b.pos.Index()
		if ai < bi {
			return -1
		} else if ai > bi {
			return 1
		}
		return 0
	})
	ops := 0
	for _, ep := range eps {
		idx := ep.pos.Index()
		if _, ok := src.ResidentColumnMeta(ep.pos); !ok {
			e.forget(ep.pos)
			continue
		}
		budget := e.conf.BudgetPerStep
		if p := e.penalty[idx]; p > 0 {
			budget = max(1, budget>>p)
		}
		updates, more := ep.drain(budget)
		if !more {
			ep.hot.Store(false)
		}
		ops += e.apply(src, ep.pos, updates)
		e.conf.Metrics.addUpdates(uint64(len(updates)))
		e.updateWatchdog(idx, len(updates), budget)
	}
	e.pruneColumns(src)
	return ops
}

// apply recomputes the block columns touched by updates. A column seen for
// the first time is computed completely.
func (e *Engine) apply(src BlockSource, pos world.ColumnPos, updates []Update) int {
	e.mu.RLock()
	c, ok := e.columns[pos.Index()]
	e.mu.RUnlock()
	if !ok {
		c = &column{pos: pos}
		for x := range chunk.Size {
			for z := range chunk.Size {
				c.heights[x*chunk.Size+z] = e.scan(src, pos, x, z)
			}
		}
		e.mu.Lock()
		e.columns[pos.Index()] = c
		e.mu.Unlock()
		e.conf.Metrics.addRecomputes(chunk.Area)
		return chunk.Area
	}

	touched := make(map[uint16]struct{}, len(updates))
	for _, u := range updates {
		touched[localKey(u.Pos)] = struct{}{}
	}
	for k := range touched {
		x, z := int(k>>8), int(k&0xff)
		h := e.scan(src, pos, x, z)
		e.mu.Lock()
		c.heights[x*chunk.Size+z] = h
		e.mu.Unlock()
	}
	e.conf.Metrics.addRecomputes(uint64(len(touched)))
	return len(touched)
}

// scan returns the lowest Y above every opaque block of a block column.
func (e *Engine) scan(src BlockSource, pos world.ColumnPos, x, z int) int16 {
	p := world.BlockPos{X: int(pos.X)*chunk.Size + x, Z: int(pos.Z)*chunk.Size + z, Dim: pos.Dim}
	for y := e.conf.Height - 1; y >= 0; y-- {
		p.Y = y
		if e.conf.Opaque(src.Block(p, chunk.LayerSolid)) {
			return int16(y + 1)
		}
	}
	return 0
}

// pruneColumns drops the light of columns that are no longer resident and
// have no queued updates.
func (e *Engine) pruneColumns(src BlockSource) {
	e.mu.RLock()
	var gone []world.ColumnPos
	for _, c := range e.columns {
		if _, ok := src.ResidentColumnMeta(c.pos); !ok {
			gone = append(gone, c.pos)
		}
	}
	e.mu.RUnlock()
	for _, pos := range gone {
		e.forget(pos)
	}
}

func (e *Engine) forget(pos world.ColumnPos) {
	idx := pos.Index()
	e.router.remove(pos)
	e.mu.Lock()
	delete(e.columns, idx)
	e.mu.Unlock()
	delete(e.saturation, idx)
	delete(e.penalty, idx)
}

// updateWatchdog lowers the budget of columns that saturate it for several
// steps in a row, so that a single busy column cannot starve the others.
func (e *Engine) updateWatchdog(idx uint64, ops, budget int) {
	if ops >= budget {
		e.saturation[idx]++
		if e.saturation[idx] >= 3 {
			if e.penalty[idx] < 3 {
				e.penalty[idx]++
				e.conf.Log.Debug("Lighting budget reduced for busy column.", "index", idx, "penalty", e.penalty[idx])
			}
			e.saturation[idx] = 0
		}
		return
	}
	e.saturation[idx] = 0
	if e.penalty[idx] > 0 {
		e.penalty[idx]--
	}
}
