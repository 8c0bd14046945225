package world

import (
	"slices"
	"sync"

	"github.com/brentp/intintmap"
)

// requestQueue is an indexed, deduplicated FIFO of requests. Every column has
// at most one Request in the queue. A request stays indexed while a worker
// owns it and is only removed once it is promoted or cancelled.
//
// A column requested again while its disposed request is still owned by a
// worker gets a successor, which is indexed and queued once the disposed
// request is removed.
type requestQueue struct {
	mu         sync.Mutex
	index      *intintmap.Map
	arena      []*Request
	free       []int64
	fifo       []*Request
	successors map[uint64]*Request
	closed     bool

	// lookup mirrors index for lock-free best effort reads.
	lookup sync.Map

	signal chan struct{}
}

func newRequestQueue(sizeHint int) *requestQueue {
	if sizeHint <= 0 {
		sizeHint = 256
	}
	return &requestQueue{
		index:      intintmap.New(sizeHint, 0.6),
		arena:      make([]*Request, 0, sizeHint),
		successors: make(map[uint64]*Request),
		signal:     make(chan struct{}, 1),
	}
}

// enqueueOrMerge adds r to the queue. If a request for the same column is
// already present, r is merged into it. If that request was disposed, r
// becomes its successor instead. fresh reports if r was added as new work,
// accepted is false only if the queue is closed, in which case the caller
// must not expect delivery.
func (q *requestQueue) enqueueOrMerge(r *Request) (existing *Request, fresh, accepted bool) {
	idx := int64(r.pos.Index())

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, false, false
	}
	if slot, ok := q.index.Get(idx); ok {
		existing = q.arena[slot]
		if !existing.Disposed() {
			existing.merge(r)
			return existing, false, true
		}
		if s, ok := q.successors[uint64(idx)]; ok {
			s.merge(r)
			return s, false, true
		}
		q.successors[uint64(idx)] = r
		return r, true, true
	}
	q.insertLocked(r)
	return r, true, true
}

// insertLocked indexes r and queues it for a worker.
func (q *requestQueue) insertLocked(r *Request) {
	idx := int64(r.pos.Index())
	var slot int64
	if n := len(q.free); n > 0 {
		slot, q.free = q.free[n-1], q.free[:n-1]
		q.arena[slot] = r
	} else {
		slot = int64(len(q.arena))
		q.arena = append(q.arena, r)
	}
	q.index.Put(idx, slot)
	q.lookup.Store(uint64(idx), r)
	q.pushLocked(r)
}

func (q *requestQueue) pushLocked(r *Request) {
	if r.queued {
		return
	}
	r.queued = true
	q.fifo = append(q.fifo, r)
	q.notify()
}

func (q *requestQueue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// dequeue pops the oldest waiting request. Successfully dequeuing a request
// makes the caller its only owner until it is requeued or removed.
func (q *requestQueue) dequeue() (*Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, false
	}
	for len(q.fifo) > 0 {
		r := q.fifo[0]
		q.fifo[0] = nil
		q.fifo = q.fifo[1:]
		if !r.queued {
			continue
		}
		r.queued = false
		if len(q.fifo) > 0 {
			// Wake another worker for the remaining requests.
			q.notify()
		}
		return r, true
	}
	if cap(q.fifo) > 1024 {
		q.fifo = nil
	}
	return nil, false
}

// requeue puts a request owned by the caller back at the end of the queue. It
// reports false if the request is no longer indexed. Disposed requests are
// removed instead.
func (q *requestQueue) requeue(r *Request) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || !q.holdsLocked(r) {
		return false
	}
	if r.Disposed() {
		q.removeLocked(r)
		return false
	}
	q.pushLocked(r)
	return true
}

// dispose flags r as cancelled. A request waiting for a worker or for its
// predecessor is removed right away and dispose returns true. A request owned
// by a worker is removed by that worker at the next pass boundary.
func (q *requestQueue) dispose(r *Request) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	r.Dispose()
	idx := r.pos.Index()
	if q.successors[idx] == r {
		delete(q.successors, idx)
		return true
	}
	if r.queued {
		return q.removeLocked(r)
	}
	return false
}

// ownerLocked returns the live request for the column index passed: the
// successor of a disposed request, or the indexed request if it is not
// disposed.
func (q *requestQueue) ownerLocked(idx uint64) (*Request, bool) {
	if s, ok := q.successors[idx]; ok && !s.Disposed() {
		return s, true
	}
	slot, ok := q.index.Get(int64(idx))
	if !ok || q.arena[slot].Disposed() {
		return nil, false
	}
	return q.arena[slot], true
}

// owner returns the live request for the column index passed, see
// ownerLocked.
func (q *requestQueue) owner(idx uint64) (*Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ownerLocked(idx)
}

func (q *requestQueue) holdsLocked(r *Request) bool {
	slot, ok := q.index.Get(int64(r.pos.Index()))
	return ok && q.arena[slot] == r
}

// remove deletes r from the queue. It reports false if r was not the request
// indexed for its column.
func (q *requestQueue) remove(r *Request) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.removeLocked(r)
}

func (q *requestQueue) removeLocked(r *Request) bool {
	idx := int64(r.pos.Index())
	slot, ok := q.index.Get(idx)
	if !ok || q.arena[slot] != r {
		return false
	}
	q.index.Del(idx)
	q.lookup.Delete(uint64(idx))
	q.arena[slot] = nil
	q.free = append(q.free, slot)
	r.queued = false

	if s, ok := q.successors[uint64(idx)]; ok {
		delete(q.successors, uint64(idx))
		if !q.closed && !s.Disposed() {
			q.insertLocked(s)
		}
	}
	return true
}

// getByIndex returns the request for the column index passed without taking
// the queue lock. The result may be stale.
func (q *requestQueue) getByIndex(idx uint64) (*Request, bool) {
	v, ok := q.lookup.Load(idx)
	if !ok {
		return nil, false
	}
	return v.(*Request), true
}

// contains reports if a request for the column index passed is queued or
// owned by a worker.
func (q *requestQueue) contains(idx uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.index.Get(int64(idx))
	return ok
}

// len returns the amount of requests in the queue, including requests owned
// by workers.
func (q *requestQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.index.Size()
}

// waiting returns the amount of requests waiting for a worker.
func (q *requestQueue) waiting() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, r := range q.fifo {
		if r.queued {
			n++
		}
	}
	return n
}

// pending returns every indexed request and every successor ordered by
// creation order.
func (q *requestQueue) pending() []*Request {
	q.mu.Lock()
	reqs := make([]*Request, 0, q.index.Size()+len(q.successors))
	for _, r := range q.arena {
		if r != nil {
			reqs = append(reqs, r)
		}
	}
	for _, r := range q.successors {
		reqs = append(reqs, r)
	}
	q.mu.Unlock()
	slices.SortFunc(reqs, func(a, b *Request) int {
		ao, bo := a.Order(), b.Order()
		switch {
		case ao < bo:
			return -1
		case ao > bo:
			return 1
		}
		return 0
	})
	return reqs
}

// close stops the queue from accepting requests and returns every request
// still indexed.
func (q *requestQueue) close() []*Request {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	reqs := q.pending()
	q.notify()
	return reqs
}
