package lighting

import (
	"sync"
	"sync/atomic"

	"github.com/df-mc/chunkd/server/world"
)

// sendState captures the result of routing an update.
type sendState uint8

const (
	sendDelivered sendState = iota
	sendCoalesced
)

// router maintains a bounded inbox per column. Updates that do not fit in the
// inbox are coalesced per block column, keeping only the latest one.
type router struct {
	inboxSize int
	metrics   *Metrics
	endpoints sync.Map // map[uint64]*endpoint
}

type endpoint struct {
	pos   world.ColumnPos
	inbox chan Update

	hot atomic.Bool

	mu        sync.Mutex
	coalesced map[uint16]Update
}

func newRouter(inboxSize int, m *Metrics) *router {
	return &router{inboxSize: inboxSize, metrics: m}
}

// endpoint returns the endpoint of a column, creating it if needed.
func (r *router) endpoint(pos world.ColumnPos) *endpoint {
	idx := pos.Index()
	if raw, ok := r.endpoints.Load(idx); ok {
		return raw.(*endpoint)
	}
	ep := &endpoint{pos: pos, inbox: make(chan Update, r.inboxSize), coalesced: make(map[uint16]Update)}
	raw, _ := r.endpoints.LoadOrStore(idx, ep)
	return raw.(*endpoint)
}

// send delivers u to the inbox of its column without blocking.
func (r *router) send(u Update) sendState {
	ep := r.endpoint(u.Pos.Column())
	select {
	case ep.inbox <- u:
		return sendDelivered
	default:
		ep.mu.Lock()
		ep.hot.Store(true)
		ep.coalesced[localKey(u.Pos)] = u
		ep.mu.Unlock()
		r.metrics.incBackpressure()
		return sendCoalesced
	}
}

// drain returns up to budget updates of the endpoint, coalesced updates
// first. It reports if updates were left behind.
func (ep *endpoint) drain(budget int) (updates []Update, more bool) {
	ep.mu.Lock()
	for k, u := range ep.coalesced {
		if len(updates) >= budget {
			break
		}
		updates = append(updates, u)
		delete(ep.coalesced, k)
	}
	more = len(ep.coalesced) > 0
	ep.mu.Unlock()

	for len(updates) < budget {
		select {
		case u := <-ep.inbox:
			updates = append(updates, u)
		default:
			return updates, more
		}
	}
	return updates, more || len(ep.inbox) > 0
}

// pending returns the amount of queued updates of the endpoint.
func (ep *endpoint) pending() int {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return len(ep.coalesced) + len(ep.inbox)
}

// remove deletes the endpoint of a column. Updates still queued are lost.
func (r *router) remove(pos world.ColumnPos) {
	r.endpoints.Delete(pos.Index())
}

// snapshot returns every endpoint.
func (r *router) snapshot() []*endpoint {
	eps := make([]*endpoint, 0, 16)
	r.endpoints.Range(func(_, value any) bool {
		eps = append(eps, value.(*endpoint))
		return true
	})
	return eps
}

func localKey(pos world.BlockPos) uint16 {
	x, _, z := pos.Local()
	return uint16(x)<<8 | uint16(z)
}
