package world

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/df-mc/chunkd/server/world/chunk"
)

// PassExecutor runs one stage of world generation. Executors are invoked in
// pass order, for every column that needs their pass. Several executors may
// complete the same pass, they run in the order they are registered in.
type PassExecutor interface {
	// Pass returns the pass a column reaches once Run completes.
	Pass() Pass
	// Run generates the column at pos from pass from up to pass to, reading
	// and writing blocks through acc. It returns the pass reached, which is
	// lower than to if the stage did not complete.
	Run(pos ColumnPos, acc BlockAccessor, from, to Pass) (Pass, error)
}

// ExecutorFunc returns a PassExecutor completing pass p by calling fn.
func ExecutorFunc(p Pass, fn func(pos ColumnPos, acc BlockAccessor) error) PassExecutor {
	return passFunc{p: p, fn: fn}
}

type passFunc struct {
	p  Pass
	fn func(pos ColumnPos, acc BlockAccessor) error
}

func (f passFunc) Pass() Pass { return f.p }

func (f passFunc) Run(pos ColumnPos, acc BlockAccessor, from, to Pass) (Pass, error) {
	if err := f.fn(pos, acc); err != nil {
		return from, err
	}
	return to, nil
}

// generatorWorker processes requests until the world is closed. Requests in
// the active queue take priority over peek requests. Each worker owns a
// ThreadCache that is never shared with other goroutines.
func (w *World) generatorWorker() {
	defer w.running.Done()

	cache := NewThreadCache()
	defer cache.Reset()
	for {
		if w.runNext(cache) {
			continue
		}
		select {
		case <-w.active.signal:
		case <-w.peek.signal:
		case <-w.closing:
			return
		}
	}
}

// runNext processes a single request and reports if one was available.
func (w *World) runNext(cache *ThreadCache) bool {
	if req, ok := w.active.dequeue(); ok {
		w.process(req, cache)
		return true
	}
	if req, ok := w.peek.dequeue(); ok {
		w.processPeek(req, cache)
		return true
	}
	return false
}

// process advances a request of the active queue to its target pass and
// promotes it. The caller owns req.
func (w *World) process(req *Request, cache *ThreadCache) {
	cache.BeginColumn()
	if req.Disposed() {
		w.drop(w.active, req)
		return
	}

	err := w.generate(req, cache, false)
	switch {
	case req.Disposed():
		// Data written so far is kept in req and dropped with it.
		w.drop(w.active, req)
	case err != nil:
		w.retry(w.active, req)
	default:
		w.promote(req)
	}
}

// processPeek generates a peek request into data that is private to the
// request. Nothing produced by a peek request is promoted or persisted.
func (w *World) processPeek(req *Request, cache *ThreadCache) {
	cache.BeginColumn()
	if req.Disposed() {
		w.drop(w.peek, req)
		return
	}

	if err := w.generate(req, cache, true); err != nil {
		w.retry(w.peek, req)
		return
	}
	w.peek.mu.Lock()
	if !req.Disposed() && req.Target() > req.currentPass {
		w.peek.pushLocked(req)
		w.peek.mu.Unlock()
		return
	}
	w.peek.removeLocked(req)
	w.peek.mu.Unlock()

	w.conf.Metrics.incPeeks()
	if req.Disposed() {
		return
	}
	snap, _ := req.snapshot(false)
	for _, cb := range req.takePeekCallbacks() {
		cb(snap)
	}
}

// generate runs the passes of req until its target pass is reached. The
// caller owns req. If the target is raised while the passes run, generate
// continues up to the new target.
func (w *World) generate(req *Request, cache *ThreadCache, peek bool) error {
	if !req.loaded {
		req.lock.Lock()
		err := w.load(req, peek)
		if err == nil {
			req.loaded, req.base, req.next = true, req.currentPass, 0
		}
		req.lock.Unlock()
		if err != nil {
			w.conf.Log.Error("load column", "X", req.pos.X, "Z", req.pos.Z, "dim", req.pos.Dim, "error", err)
			return err
		}
	}
	acc := w.accessorFor(req, cache)
	for {
		target := req.Target()
		if req.currentPass >= target || req.Disposed() {
			return nil
		}
		if err := w.runPasses(req, acc, target); err != nil {
			return err
		}
	}
}

// runPasses invokes the executors of passes above the pass the column was
// loaded at and up to target, in pass order. The executor cursor of
// req survives failures, so a retry continues with the executor that failed.
// The current pass only advances once every executor of a pass completed.
// Between executors the column lock is released and the dispose flag is
// checked.
func (w *World) runPasses(req *Request, acc BlockAccessor, target Pass) error {
	execs := w.conf.Executors
	for req.next < len(execs) {
		e := execs[req.next]
		p := e.Pass()
		if p <= req.base {
			req.next++
			continue
		}
		if p > target {
			break
		}

		req.lock.Lock()
		reached, err := w.runExecutor(e, req, acc)
		if err == nil && reached < p {
			err = fmt.Errorf("executor stopped at pass %v", reached)
		}
		if err != nil {
			if reached < p {
				req.advance(reached)
			}
			req.lock.Unlock()
			w.conf.Metrics.incFailedPasses()
			w.conf.Log.Error("generate column: pass failed", "X", req.pos.X, "Z", req.pos.Z, "dim", req.pos.Dim, "pass", p, "error", err)
			return err
		}
		req.next++
		if req.next == len(execs) || execs[req.next].Pass() != p {
			req.advance(p)
		}
		req.lock.Unlock()

		w.conf.Metrics.addPasses(1)
		if req.Disposed() {
			return nil
		}
	}
	req.lock.Lock()
	req.advance(target)
	req.lock.Unlock()
	return nil
}

// runExecutor runs a single executor, recovering from panics so that a
// faulty executor never takes down the worker.
func (w *World) runExecutor(e PassExecutor, req *Request, acc BlockAccessor) (reached Pass, err error) {
	defer func() {
		if r := recover(); r != nil {
			reached, err = req.currentPass, fmt.Errorf("panic: %v", r)
		}
	}()
	return e.Run(req.pos, acc, req.currentPass, e.Pass())
}

// advance raises the current pass of the request. The caller holds the write
// side of req.lock.
func (r *Request) advance(p Pass) {
	if p <= r.currentPass {
		return
	}
	r.currentPass = p
	r.meta.Advance(p)
}

// columnData is the encoded data of a column as read from the write-back
// buffer or the Provider.
type columnData struct {
	meta   []byte
	chunks [][]byte
}

// load fills req with the data of its column. A resident column is used as
// is, or copied for peek requests. Otherwise the column is read from storage,
// or created empty if it was never stored.
func (w *World) load(req *Request, peek bool) error {
	height := w.conf.ColumnHeight
	if meta, chunks, ok := w.resident.column(req.pos, height); ok {
		if peek {
			meta = meta.clone()
			for y, c := range chunks {
				if c != nil {
					chunks[y] = c.Clone()
				}
			}
		}
		for y, c := range chunks {
			if c == nil {
				chunks[y] = chunk.New()
				continue
			}
			if err := c.Unpack(); err != nil {
				return err
			}
		}
		req.meta, req.chunks, req.currentPass = meta, chunks, meta.Pass()
		return nil
	}

	data, err := w.loadBytes(req.pos)
	if err != nil {
		return err
	}
	meta, chunks := w.decodeColumn(req.pos, data)
	req.meta, req.chunks, req.currentPass = meta, chunks, meta.Pass()
	return nil
}

// loadBytes reads the encoded data of a column. Concurrent reads of the same
// column, for example by the active and the peek queue, share one read.
func (w *World) loadBytes(pos ColumnPos) (*columnData, error) {
	v, err, _ := w.loads.Do(loadKey(pos), func() (any, error) {
		meta, err := w.wb.columnBytes(pos)
		if errors.Is(err, ErrNotFound) {
			return (*columnData)(nil), nil
		} else if err != nil {
			return nil, fmt.Errorf("read column meta: %w", err)
		}
		data := &columnData{meta: meta, chunks: make([][]byte, w.conf.ColumnHeight)}
		for y := range data.chunks {
			b, err := w.wb.chunkBytes(pos.Chunk(int32(y)))
			if errors.Is(err, ErrNotFound) {
				continue
			} else if err != nil {
				return nil, fmt.Errorf("read chunk %v: %w", y, err)
			}
			data.chunks[y] = b
		}
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*columnData), nil
}

func loadKey(pos ColumnPos) string {
	return strconv.FormatUint(pos.Index(), 36)
}

// decodeColumn decodes the data read by loadBytes. Columns that were never
// stored or fail to decode are created empty and generated from scratch.
func (w *World) decodeColumn(pos ColumnPos, data *columnData) (*ColumnMeta, []*chunk.Chunk) {
	chunks := make([]*chunk.Chunk, w.conf.ColumnHeight)
	fresh := func() (*ColumnMeta, []*chunk.Chunk) {
		for y := range chunks {
			chunks[y] = chunk.New()
		}
		return NewColumnMeta(pos), chunks
	}
	if data == nil {
		return fresh()
	}
	meta, err := DecodeColumnMeta(pos, data.meta)
	if err != nil {
		w.conf.Log.Error("decode column meta: regenerating column", "X", pos.X, "Z", pos.Z, "dim", pos.Dim, "error", err)
		return fresh()
	}
	for y, b := range data.chunks {
		if b == nil {
			chunks[y] = chunk.New()
			continue
		}
		c, err := chunk.Decode(b)
		if err != nil {
			w.conf.Log.Error("decode chunk: regenerating column", "X", pos.X, "Y", y, "Z", pos.Z, "dim", pos.Dim, "error", err)
			return fresh()
		}
		chunks[y] = c
	}
	w.conf.Metrics.incLoads()
	return meta, chunks
}

// retry queues a failed request again. Retries are paced by a shared rate
// limiter so that a column that keeps failing is not retried at full speed.
// Once the request was disposed, the retry is dropped.
func (w *World) retry(q *requestQueue, req *Request) {
	w.conf.Metrics.incRequeues()
	req.requestRequeue()
	requeue := func() {
		if req.takeRequeue() && q.requeue(req) {
			return
		}
		w.drop(q, req)
	}
	if d := w.retries.Reserve().Delay(); d > 0 {
		time.AfterFunc(d, requeue)
		return
	}
	requeue()
}

// promote moves a request that reached its target pass into the resident
// table. Both the table and the queue are locked while the column moves, so
// that a reader sees it in exactly one of them. If the target pass was
// raised since the passes ran, the request is queued again instead.
func (w *World) promote(req *Request) {
	if w.halted.Load() {
		return
	}
	w.resident.mu.Lock()
	w.active.mu.Lock()
	if !w.active.holdsLocked(req) {
		w.active.mu.Unlock()
		w.resident.mu.Unlock()
		if !req.Disposed() {
			w.invariant("promoted request missing from queue", "X", req.pos.X, "Z", req.pos.Z, "dim", req.pos.Dim)
		}
		return
	}
	if req.Disposed() {
		w.active.removeLocked(req)
		w.active.mu.Unlock()
		w.resident.mu.Unlock()
		w.applyBlockUpdates(req.takePending())
		return
	}
	if req.Target() > req.currentPass {
		w.active.pushLocked(req)
		w.active.mu.Unlock()
		w.resident.mu.Unlock()
		return
	}
	meta := w.resident.insertLocked(req.meta, req.chunks)
	w.active.removeLocked(req)
	w.active.mu.Unlock()
	w.resident.mu.Unlock()

	w.afterPromote(req, meta)
}

// afterPromote runs the work deferred until a column is resident: scheduled
// updates, pinning and the OnLoaded callbacks of the request.
func (w *World) afterPromote(req *Request, meta *ColumnMeta) {
	tick := w.CurrentTick()
	for _, c := range req.chunks {
		if c != nil {
			c.Touch(tick)
		}
	}
	meta.Refresh(w.conf.UnloadAgeMax)
	w.conf.Metrics.incPromotions()

	req.lock.Lock()
	req.chunks, req.meta, req.loaded = nil, nil, false
	req.lock.Unlock()

	w.applyScheduled(req, meta)

	callbacks, keep := req.takeCallbacks()
	if keep {
		w.ForceKeepLoaded(req.pos)
	}
	for _, cb := range callbacks {
		cb(req.pos)
	}
}

// applyScheduled applies the block and light updates staged for a column
// that became resident, together with the writes neighbours made to it while
// it was generating.
func (w *World) applyScheduled(req *Request, meta *ColumnMeta) {
	blocks, light := meta.takeScheduled()
	w.applyBlockUpdates(append(blocks, req.takePending()...))
	if l := w.conf.Lighting; l != nil {
		for _, u := range light {
			l.Schedule(u.Pos, u.Old, u.New)
		}
	}
}

// maxStashAttempts bounds how often applyBlockUpdates retries updates for a
// column that was promoted while they were being stashed.
const maxStashAttempts = 3

// applyBlockUpdates writes updates into the resident columns they target.
// Updates for columns that are not resident are stashed with those columns
// until they are promoted.
func (w *World) applyBlockUpdates(updates []ScheduledBlockUpdate) {
	acc := w.Accessor()
	for attempt := 0; len(updates) > 0; attempt++ {
		if attempt == maxStashAttempts {
			w.conf.Log.Warn("apply block updates: dropping updates", "count", len(updates))
			return
		}
		byColumn := make(map[ColumnPos][]ScheduledBlockUpdate)
		for _, u := range updates {
			if !(residentAccessor{w: w}).inRange(u.Pos) {
				continue
			}
			if acc.SetBlock(u.Pos, u.Layer, u.Block) {
				continue
			}
			col := u.Pos.Column()
			byColumn[col] = append(byColumn[col], u)
		}
		var left []ScheduledBlockUpdate
		for pos, us := range byColumn {
			if !w.stashUpdates(pos, us) {
				left = append(left, us...)
			}
		}
		updates = left
	}
}

// stashUpdates keeps block updates for a column that is not resident: they
// are handed to the request generating the column, or written into the
// stored metadata of the column so that they survive a restart. It reports
// false if the column is resident, in which case the caller applies the
// updates itself.
func (w *World) stashUpdates(pos ColumnPos, updates []ScheduledBlockUpdate) bool {
	w.resident.mu.RLock()
	defer w.resident.mu.RUnlock()
	if _, ok := w.resident.metas[pos.Index()]; ok {
		return false
	}
	w.active.mu.Lock()
	defer w.active.mu.Unlock()
	if r, ok := w.active.ownerLocked(pos.Index()); ok {
		r.addPending(updates)
		return true
	}
	w.storeUpdates(pos, updates)
	return true
}

// storeUpdates appends block updates to the stored metadata of the column at
// pos through the write-back buffer. Columns that were never stored get
// metadata holding nothing but the updates, which are applied once the
// column is generated. The caller must prevent the column from being loaded
// or evicted concurrently.
func (w *World) storeUpdates(pos ColumnPos, updates []ScheduledBlockUpdate) {
	meta := NewColumnMeta(pos)
	b, err := w.wb.columnBytes(pos)
	switch {
	case err == nil:
		if meta, err = DecodeColumnMeta(pos, b); err != nil {
			w.conf.Log.Error("store block updates: decode column meta", "X", pos.X, "Z", pos.Z, "dim", pos.Dim, "dropped", len(updates), "error", err)
			return
		}
	case !errors.Is(err, ErrNotFound):
		w.conf.Log.Error("store block updates: read column meta", "X", pos.X, "Z", pos.Z, "dim", pos.Dim, "dropped", len(updates), "error", err)
		return
	}
	for _, u := range updates {
		meta.ScheduleBlockUpdate(u)
	}
	data, version, err := meta.Encode()
	if err != nil {
		w.conf.Log.Error("store block updates: encode column meta", "X", pos.X, "Z", pos.Z, "dim", pos.Dim, "dropped", len(updates), "error", err)
		return
	}
	w.wb.queueColumn(pos, data, nil, version)
	// A read of the column still in flight must not be shared with a later
	// load.
	w.loads.Forget(loadKey(pos))
}

// drop removes a request released by its worker. Block updates stashed with
// the request are passed on to the column.
func (w *World) drop(q *requestQueue, req *Request) {
	q.remove(req)
	if q == w.active {
		w.applyBlockUpdates(req.takePending())
	}
}

// dispose cancels req. A request nobody owns is removed right away and its
// stashed block updates are passed on to the column.
func (w *World) dispose(q *requestQueue, req *Request) {
	if q.dispose(req) && q == w.active {
		w.applyBlockUpdates(req.takePending())
	}
}

// handleQueueBacklog counts requests queued above the configured queue size
// and emits a throttled warning, so that operators can tune the amount of
// workers.
func (w *World) handleQueueBacklog(queued int) {
	count := w.conf.Metrics.incSaturation()
	now := time.Now().UnixNano()
	last := w.lastBacklogLog.Load()

	if last != 0 && time.Duration(now-last) < time.Minute {
		return
	}
	if !w.lastBacklogLog.CompareAndSwap(last, now) {
		return
	}
	w.conf.Log.Warn(
		"column generation backlog detected",
		"queued", queued,
		"queue_size", w.conf.QueueSize,
		"saturated", count,
		"workers", w.conf.GeneratorWorkers,
	)
}
