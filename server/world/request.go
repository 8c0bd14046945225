package world

import (
	"sync"
	"sync/atomic"

	"github.com/df-mc/chunkd/server/world/chunk"
	"github.com/google/uuid"
)

// ClientID identifies a client (usually a connected player) that requested a
// column.
type ClientID = uuid.UUID

// LoadOptions holds optional settings for a column request.
type LoadOptions struct {
	// Until is the pass the column must reach. PassNone is treated as PassDone.
	Until Pass
	// Client is the client requesting the column. The zero ClientID is used
	// for requests issued by the server itself.
	Client ClientID
	// KeepLoaded pins the column once it is resident, as if ForceKeepLoaded
	// was called for it.
	KeepLoaded bool
	// OnLoaded is called once the column is resident and has reached Until. It
	// runs on the goroutine that promoted the column.
	OnLoaded func(pos ColumnPos)
}

const (
	flagDispose uint32 = 1 << iota
	flagRequeue
)

// Request is a single in-flight job to generate a column up to a target pass.
// Duplicate requests for the same column are merged into one Request.
type Request struct {
	pos ColumnPos

	// lock guards currentPass, meta and chunks. The generation worker owning
	// the request holds the write side while an executor runs, other
	// goroutines may take the read side between executors to peek at
	// in-progress data.
	lock        sync.RWMutex
	currentPass Pass
	meta        *ColumnMeta
	chunks      []*chunk.Chunk
	loaded      bool
	// base is the pass the column had when it was loaded and next the index
	// of the next executor to run. Both are only used by the owning worker.
	base Pass
	next int

	// mu guards the fields merged by duplicate requests.
	mu         sync.Mutex
	target     Pass
	order      uint64
	clients    map[ClientID]struct{}
	keepLoaded bool
	onLoaded   []func(ColumnPos)
	onPeek     []func(Snapshot)
	// pending holds block writes from neighbouring columns that arrived while
	// the column was being generated.
	pending []ScheduledBlockUpdate

	flags  atomic.Uint32
	queued bool
}

// newRequest creates a request for the column at pos with the options passed.
func newRequest(pos ColumnPos, order uint64, opts LoadOptions) *Request {
	if opts.Until == PassNone {
		opts.Until = PassDone
	}
	r := &Request{
		pos:        pos,
		target:     opts.Until,
		order:      order,
		clients:    map[ClientID]struct{}{opts.Client: {}},
		keepLoaded: opts.KeepLoaded,
	}
	if opts.OnLoaded != nil {
		r.onLoaded = append(r.onLoaded, opts.OnLoaded)
	}
	return r
}

// Pos returns the position of the requested column.
func (r *Request) Pos() ColumnPos {
	return r.pos
}

// Target returns the highest pass required by any requester.
func (r *Request) Target() Pass {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.target
}

// Order returns the creation order of the request. Lower values were
// requested earlier.
func (r *Request) Order() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.order
}

// CurrentPass returns the last pass completed for the column. It takes the
// read side of the column lock, so it blocks while an executor is running.
func (r *Request) CurrentPass() Pass {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.currentPass
}

// Clients returns the clients that requested the column.
func (r *Request) Clients() []ClientID {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]ClientID, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	return ids
}

// merge folds the requirements of other into r: the client sets are unioned,
// the highest target pass and the earliest creation order are kept.
func (r *Request) merge(other *Request) {
	other.mu.Lock()
	target, order, keep := other.target, other.order, other.keepLoaded
	clients := make([]ClientID, 0, len(other.clients))
	for id := range other.clients {
		clients = append(clients, id)
	}
	callbacks, peeks, pending := other.onLoaded, other.onPeek, other.pending
	other.pending = nil
	other.mu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.target = maxPass(r.target, target)
	if order < r.order {
		r.order = order
	}
	for _, id := range clients {
		r.clients[id] = struct{}{}
	}
	r.keepLoaded = r.keepLoaded || keep
	r.onLoaded = append(r.onLoaded, callbacks...)
	r.onPeek = append(r.onPeek, peeks...)
	r.pending = append(r.pending, pending...)
}

// addPending stores block writes for the column of the request. They are
// applied once the column is promoted.
func (r *Request) addPending(updates []ScheduledBlockUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = append(r.pending, updates...)
}

// takePending removes and returns the block writes stored with addPending.
func (r *Request) takePending() []ScheduledBlockUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	u := r.pending
	r.pending = nil
	return u
}

// removeClient drops a client from the request and reports if no clients are
// left.
func (r *Request) removeClient(id ClientID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, id)
	return len(r.clients) == 0
}

// takeCallbacks removes and returns the OnLoaded callbacks and the KeepLoaded
// setting of the request.
func (r *Request) takeCallbacks() ([]func(ColumnPos), bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb := r.onLoaded
	r.onLoaded = nil
	return cb, r.keepLoaded
}

// takePeekCallbacks removes and returns the callbacks of a peek request.
func (r *Request) takePeekCallbacks() []func(Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb := r.onPeek
	r.onPeek = nil
	return cb
}

// Dispose flags the request as cancelled. A disposed request is never
// promoted or requeued again, even if a requeue was requested concurrently.
func (r *Request) Dispose() {
	r.flags.Or(flagDispose)
}

// Disposed reports if the request was cancelled.
func (r *Request) Disposed() bool {
	return r.flags.Load()&flagDispose != 0
}

// requestRequeue records that the request must be queued again after its
// current run.
func (r *Request) requestRequeue() {
	r.flags.Or(flagRequeue)
}

// takeRequeue clears the requeue flag and reports if the request should be
// queued again. It returns false for disposed requests, but the requeue
// intent is consumed either way.
func (r *Request) takeRequeue() bool {
	for {
		f := r.flags.Load()
		if f&flagRequeue == 0 {
			return false
		}
		if r.flags.CompareAndSwap(f, f&^flagRequeue) {
			return f&flagDispose == 0
		}
	}
}

// View calls fn with the in-progress data of the request while holding the
// read side of the column lock. chunks is nil if no pass produced data yet.
func (r *Request) View(fn func(pass Pass, meta *ColumnMeta, chunks []*chunk.Chunk)) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	fn(r.currentPass, r.meta, r.chunks)
}
