package world

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/df-mc/chunkd/server/world/chunk"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// World manages the lifecycle of the columns of a world: columns are
// requested, generated pass by pass by a pool of workers, promoted into the
// resident table, packed when idle and evicted to the Provider once no client
// needs them anymore. All methods of World are safe for concurrent use.
type World struct {
	conf Config

	resident *residentTable
	active   *requestQueue
	peek     *requestQueue
	wb       *writeback

	loads   singleflight.Group
	retries *rate.Limiter

	order atomic.Uint64
	tick  atomic.Int64
	tps   atomic.Uint64

	pinMu  sync.RWMutex
	pinned map[uint64]ColumnPos


	halted atomic.Bool
	closed atomic.Bool

	o       sync.Once
	closing chan struct{}
	running sync.WaitGroup

	saveMu  sync.Mutex
	sweepMu sync.Mutex

	tickMu    sync.Mutex
	syncCache *ThreadCache

	packStripe     atomic.Uint64
	lastBacklogLog atomic.Int64
}

// New creates a World using the default Config, storing nothing.
func New() *World {
	var conf Config
	return conf.New()
}

// New creates a World using the settings of the Config and starts its
// generator workers and background loops. The World must be closed using
// World.Close.
func (conf Config) New() *World {
	conf = conf.withDefaults()
	w := &World{
		conf:      conf,
		resident:  newResidentTable(),
		active:    newRequestQueue(conf.QueueSize),
		peek:      newRequestQueue(conf.QueueSize / 8),
		wb:        newWriteback(conf.Provider, conf.Log, conf.Metrics, conf.FlushBatch),
		retries:   rate.NewLimiter(rate.Limit(conf.RetryRate), 1),
		pinned:    make(map[uint64]ColumnPos),
		closing:   make(chan struct{}),
		syncCache: NewThreadCache(),
	}
	w.running.Add(conf.GeneratorWorkers)
	for range conf.GeneratorWorkers {
		go w.generatorWorker()
	}
	w.startBackground()
	return w
}

// Metrics returns the Metrics the World records its counters in.
func (w *World) Metrics() *Metrics {
	return w.conf.Metrics
}

// ColumnHeight returns the amount of chunks in every column of the World.
func (w *World) ColumnHeight() int {
	return w.conf.ColumnHeight
}

// CurrentTick returns the amount of times Tick was called.
func (w *World) CurrentTick() int64 {
	return w.tick.Load()
}

// RequestColumn requests the column at pos to be generated up to pass until
// on behalf of client. It reports if the request was accepted: false is
// returned for invalid positions, after the World was closed, or if the
// column is being cancelled.
func (w *World) RequestColumn(pos ColumnPos, until Pass, client ClientID) bool {
	return w.RequestColumnWith(pos, LoadOptions{Until: until, Client: client})
}

// RequestColumnWith requests the column at pos using the options passed. If
// the column is already resident at the pass requested, OnLoaded is called
// before RequestColumnWith returns.
func (w *World) RequestColumnWith(pos ColumnPos, opts LoadOptions) bool {
	if w.closed.Load() || !pos.Valid() {
		return false
	}
	if opts.Until == PassNone || !opts.Until.Valid() {
		opts.Until = PassDone
	}
	idx := pos.Index()

	w.resident.mu.RLock()
	if m, ok := w.resident.metas[idx]; ok && m.Pass() >= opts.Until {
		w.resident.mu.RUnlock()
		m.Refresh(w.conf.UnloadAgeMax)
		if opts.KeepLoaded {
			w.ForceKeepLoaded(pos)
		}
		if opts.OnLoaded != nil {
			opts.OnLoaded(pos)
		}
		return true
	}
	// The request is added while holding the table lock so that eviction,
	// which checks the queue under the write lock, cannot interleave.
	_, fresh, accepted := w.active.enqueueOrMerge(newRequest(pos, w.order.Add(1), opts))
	w.resident.mu.RUnlock()

	if fresh {
		if n := w.active.len(); n > w.conf.QueueSize {
			w.handleQueueBacklog(n)
		}
	}
	return accepted
}

// RequestPeek generates the column at pos up to pass until without any side
// effects: the result is passed to fn but never promoted or persisted. If the
// column is resident at the pass requested, fn is called with a copy of it
// before RequestPeek returns.
func (w *World) RequestPeek(pos ColumnPos, until Pass, fn func(s Snapshot)) bool {
	if w.closed.Load() || !pos.Valid() || fn == nil {
		return false
	}
	if until == PassNone || !until.Valid() {
		until = PassDone
	}
	if meta, chunks, ok := w.resident.column(pos, w.conf.ColumnHeight); ok && meta.Pass() >= until {
		s := newSnapshot(pos, meta.Pass(), meta, chunks, true)
		s.Resident = true
		fn(s)
		return true
	}
	req := newRequest(pos, w.order.Add(1), LoadOptions{Until: until})
	req.onPeek = append(req.onPeek, fn)
	_, _, accepted := w.peek.enqueueOrMerge(req)
	return accepted
}

// Snapshot is a read-only copy of the data of a column.
type Snapshot struct {
	Pos  ColumnPos
	Pass Pass
	// Resident reports if the snapshot was taken from the resident table, as
	// opposed to a column that is still being generated.
	Resident bool
	Meta     *ColumnMeta
	Chunks   []*chunk.Chunk
}

func newSnapshot(pos ColumnPos, pass Pass, meta *ColumnMeta, chunks []*chunk.Chunk, clone bool) Snapshot {
	s := Snapshot{Pos: pos, Pass: pass, Meta: meta, Chunks: chunks}
	if clone {
		if meta != nil {
			s.Meta = meta.clone()
		}
		s.Chunks = make([]*chunk.Chunk, len(chunks))
		for y, c := range chunks {
			if c != nil {
				s.Chunks[y] = c.Clone()
			}
		}
	}
	return s
}

// Block returns the block at pos in the snapshot, or air if pos is outside of
// the column.
func (s Snapshot) Block(pos BlockPos, layer chunk.Layer) chunk.BlockID {
	cp := pos.Chunk()
	if cp.Column() != s.Pos || cp.Y < 0 || int(cp.Y) >= len(s.Chunks) || s.Chunks[cp.Y] == nil {
		return chunk.Air
	}
	x, y, z := pos.Local()
	return s.Chunks[cp.Y].Block(x, y, z, layer)
}

// snapshot returns a snapshot of the data of a request, taken while holding
// the read side of its lock. ok is false if no data was loaded yet.
func (r *Request) snapshot(clone bool) (s Snapshot, ok bool) {
	r.View(func(pass Pass, meta *ColumnMeta, chunks []*chunk.Chunk) {
		if meta == nil {
			return
		}
		s, ok = newSnapshot(r.pos, pass, meta, chunks, clone), true
	})
	return s, ok
}

// PeekColumn returns a copy of the column at pos without loading or
// generating anything. Columns still being generated are returned at the
// pass they reached so far.
func (w *World) PeekColumn(pos ColumnPos) (Snapshot, bool) {
	if !pos.Valid() {
		return Snapshot{}, false
	}
	if req, ok := w.active.getByIndex(pos.Index()); ok {
		if s, ok := req.snapshot(true); ok {
			return s, true
		}
	}
	meta, chunks, ok := w.resident.column(pos, w.conf.ColumnHeight)
	if !ok {
		return Snapshot{}, false
	}
	s := newSnapshot(pos, meta.Pass(), meta, chunks, true)
	s.Resident = true
	return s, true
}

// ColumnStatus describes where a column currently lives.
type ColumnStatus uint8

const (
	// StatusAbsent is the status of columns that are neither requested nor
	// resident.
	StatusAbsent ColumnStatus = iota
	// StatusRequested is the status of columns with a request in flight.
	StatusRequested
	// StatusResident is the status of columns in the resident table.
	StatusResident
)

// String ...
func (s ColumnStatus) String() string {
	switch s {
	case StatusRequested:
		return "requested"
	case StatusResident:
		return "resident"
	}
	return "absent"
}

// Status returns where the column at pos currently lives. The queue is
// consulted before the resident table: a promoted column is inserted into
// the table before it leaves the queue, so a column that logically exists is
// always found in one of them.
func (w *World) Status(pos ColumnPos) ColumnStatus {
	if !pos.Valid() {
		return StatusAbsent
	}
	if _, ok := w.active.getByIndex(pos.Index()); ok {
		return StatusRequested
	}
	if _, ok := w.resident.meta(pos); ok {
		return StatusResident
	}
	return StatusAbsent
}

// Request returns the in-flight request for the column at pos, if any. The
// result may be stale by the time it is used.
func (w *World) Request(pos ColumnPos) (*Request, bool) {
	if !pos.Valid() {
		return nil, false
	}
	return w.active.getByIndex(pos.Index())
}

// ResidentChunk returns the resident chunk at pos. Accessing the chunk counts
// as a touch for the compactor.
func (w *World) ResidentChunk(pos ChunkPos) (*chunk.Chunk, bool) {
	if !pos.Valid() {
		return nil, false
	}
	c, ok := w.resident.chunk(pos)
	if ok {
		c.Touch(w.CurrentTick())
	}
	return c, ok
}

// ResidentColumnMeta returns the metadata of the resident column at pos.
func (w *World) ResidentColumnMeta(pos ColumnPos) (*ColumnMeta, bool) {
	if !pos.Valid() {
		return nil, false
	}
	return w.resident.meta(pos)
}

// ForceKeepLoaded pins the column at pos: it is never evicted until
// ReleaseForceKeepLoaded is called. Pinning does not load the column.
func (w *World) ForceKeepLoaded(pos ColumnPos) {
	w.pinMu.Lock()
	defer w.pinMu.Unlock()
	w.pinned[pos.Index()] = pos
}

// ReleaseForceKeepLoaded unpins the column at pos.
func (w *World) ReleaseForceKeepLoaded(pos ColumnPos) {
	w.pinMu.Lock()
	defer w.pinMu.Unlock()
	delete(w.pinned, pos.Index())
}

// Pinned reports if the column at pos is pinned.
func (w *World) Pinned(pos ColumnPos) bool {
	w.pinMu.RLock()
	defer w.pinMu.RUnlock()
	_, ok := w.pinned[pos.Index()]
	return ok
}

// PinnedColumns returns every pinned column.
func (w *World) PinnedColumns() []ColumnPos {
	w.pinMu.RLock()
	defer w.pinMu.RUnlock()
	cols := make([]ColumnPos, 0, len(w.pinned))
	for _, pos := range w.pinned {
		cols = append(cols, pos)
	}
	return cols
}

// CancelClient removes client from every request it made. Requests left
// without clients are disposed. The amount of disposed requests is returned.
func (w *World) CancelClient(client ClientID) int {
	n := 0
	for _, q := range [...]*requestQueue{w.active, w.peek} {
		for _, r := range q.pending() {
			if r.removeClient(client) {
				w.dispose(q, r)
				n++
			}
		}
	}
	return n
}

// DisposeColumn cancels the in-flight request for the column at pos. The
// worker generating it stops at the next pass boundary and the column is not
// promoted. It reports if a request was found.
func (w *World) DisposeColumn(pos ColumnPos) bool {
	if !pos.Valid() {
		return false
	}
	r, ok := w.active.owner(pos.Index())
	if !ok {
		// Already disposed.
		_, ok = w.Request(pos)
		return ok
	}
	w.dispose(w.active, r)
	return true
}

// Accessor returns a BlockAccessor over the resident columns of the World.
// Height maps of columns written to are kept up to date.
func (w *World) Accessor() BlockAccessor {
	return heightmapAccessor{BlockAccessor: residentAccessor{w: w}}
}

// Block returns the block at pos in the resident columns, or air if it is not
// resident.
func (w *World) Block(pos BlockPos, layer chunk.Layer) chunk.BlockID {
	return residentAccessor{w: w}.Block(pos, layer)
}

// SetBlock sets the block at pos in a resident column.
func (w *World) SetBlock(pos BlockPos, layer chunk.Layer, b chunk.BlockID) error {
	if w.closed.Load() {
		return ErrClosed
	}
	if pos.Y < 0 || pos.Y >= w.conf.ColumnHeight*chunk.Size || !pos.Column().Valid() {
		return fmt.Errorf("set block %v: %w", pos, ErrOutOfRange)
	}
	if !w.Accessor().SetBlock(pos, layer, b) {
		return fmt.Errorf("set block %v: %w", pos, ErrNotResident)
	}
	return nil
}

// Stats holds a summary of the state of a World.
type Stats struct {
	ResidentColumns, ResidentChunks, PackedChunks int
	Requested, Waiting, Peeking                   int
	PendingChunkWrites, PendingColumnWrites       int
	Pinned                                        int
	Halted                                        bool
	Metrics                                       MetricsSnapshot
}

// Stats returns a summary of the state of the World.
func (w *World) Stats() Stats {
	s := Stats{
		Requested: w.active.len(),
		Waiting:   w.active.waiting(),
		Peeking:   w.peek.len(),
		Halted:    w.halted.Load(),
		Metrics:   w.conf.Metrics.Snapshot(),
	}
	s.PendingChunkWrites, s.PendingColumnWrites = w.wb.pending()

	w.resident.mu.RLock()
	s.ResidentColumns, s.ResidentChunks = len(w.resident.metas), len(w.resident.chunks)
	for _, c := range w.resident.chunks {
		if c.Packed() {
			s.PackedChunks++
		}
	}
	w.resident.mu.RUnlock()

	w.pinMu.RLock()
	s.Pinned = len(w.pinned)
	w.pinMu.RUnlock()
	return s
}

// Halted reports if the World stopped evicting and promoting columns after
// its bookkeeping was found to be inconsistent.
func (w *World) Halted() bool {
	return w.halted.Load()
}

// invariant handles a violation of the queue and resident table bookkeeping.
// It halts eviction and promotion, so that the tables are not corrupted any
// further, and panics if Config.PanicOnInvariant is set.
func (w *World) invariant(msg string, attrs ...any) {
	w.conf.Metrics.incInvariants()
	w.halted.Store(true)
	w.conf.Log.Error("invariant violated: "+msg, attrs...)
	if w.conf.PanicOnInvariant {
		panic(fmt.Errorf("%w: %s", ErrInvariant, msg))
	}
}

// Close stops the generator workers and background loops, saves every dirty
// resident column and closes the Provider. Requests still in flight are
// dropped. Close is safe to call multiple times.
func (w *World) Close() error {
	var err error
	w.o.Do(func() {
		err = w.close()
	})
	return err
}

func (w *World) close() error {
	w.closed.Store(true)
	close(w.closing)
	active := w.active.close()
	for _, r := range active {
		r.Dispose()
	}
	for _, r := range w.peek.close() {
		r.Dispose()
	}
	w.running.Wait()

	// Writes stashed with requests that never completed are stored with
	// their columns before the final save.
	for _, r := range active {
		w.applyBlockUpdates(r.takePending())
	}

	var errs []error
	if err := w.Save(); err != nil {
		errs = append(errs, fmt.Errorf("save: %w", err))
	}
	if err := w.conf.Provider.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close provider: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		w.conf.Log.Error("close world", "error", err)
		return err
	}
	return nil
}
