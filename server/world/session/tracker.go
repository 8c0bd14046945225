// Package session tracks the positions of connected clients and reports the
// columns around them that a world.World must keep resident.
package session

import (
	"math"
	"slices"
	"sync"

	"github.com/df-mc/chunkd/server/world"
	"github.com/df-mc/chunkd/server/world/chunk"
	"github.com/go-gl/mathgl/mgl64"
)

// Tracker implements world.Retention. It holds the position of every client
// that joined and has not yet left.
type Tracker struct {
	radius int32

	mu      sync.RWMutex
	clients map[world.ClientID]*client
}

type client struct {
	pos    mgl64.Vec3
	dim    int32
	centre world.ColumnPos
}

// Compile time check to make sure Tracker implements world.Retention.
var _ world.Retention = (*Tracker)(nil)

// NewTracker returns a Tracker retaining the columns within radius columns of
// each client. A radius below 0 is treated as 0.
func NewTracker(radius int) *Tracker {
	return &Tracker{radius: int32(max(radius, 0)), clients: make(map[world.ClientID]*client)}
}

// Radius returns the retention radius in columns.
func (t *Tracker) Radius() int {
	return int(t.radius)
}

// Join adds a client at the position passed and returns the columns around it,
// nearest first.
func (t *Tracker) Join(id world.ClientID, dim int32, pos mgl64.Vec3) []world.ColumnPos {
	c := &client{pos: pos, dim: dim, centre: columnAt(pos, dim)}
	t.mu.Lock()
	t.clients[id] = c
	t.mu.Unlock()
	return t.area(c.centre)
}

// Move updates the position of a client. It returns the columns that entered
// the radius of the client, nearest first, and the columns that left it. If
// the client has not joined, Move returns nil slices.
func (t *Tracker) Move(id world.ClientID, pos mgl64.Vec3) (entered, left []world.ColumnPos) {
	t.mu.Lock()
	c, ok := t.clients[id]
	if !ok {
		t.mu.Unlock()
		return nil, nil
	}
	prev := c.centre
	c.pos, c.centre = pos, columnAt(pos, c.dim)
	t.mu.Unlock()

	if prev == c.centre {
		return nil, nil
	}
	for _, p := range t.area(c.centre) {
		if !t.within(prev, p) {
			entered = append(entered, p)
		}
	}
	for _, p := range t.area(prev) {
		if !t.within(c.centre, p) {
			left = append(left, p)
		}
	}
	return entered, left
}

// Leave removes a client. It reports if the client was present.
func (t *Tracker) Leave(id world.ClientID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.clients[id]; !ok {
		return false
	}
	delete(t.clients, id)
	return true
}

// Position returns the last known position of a client.
func (t *Tracker) Position(id world.ClientID) (mgl64.Vec3, int32, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.clients[id]
	if !ok {
		return mgl64.Vec3{}, 0, false
	}
	return c.pos, c.dim, true
}

// Len returns the amount of clients tracked.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.clients)
}

// Clients ...
func (t *Tracker) Clients() []world.ClientID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]world.ClientID, 0, len(t.clients))
	for id := range t.clients {
		ids = append(ids, id)
	}
	return ids
}

// ForClient ...
func (t *Tracker) ForClient(id world.ClientID) []world.ColumnPos {
	t.mu.RLock()
	c, ok := t.clients[id]
	var centre world.ColumnPos
	if ok {
		centre = c.centre
	}
	t.mu.RUnlock()
	if !ok {
		return nil
	}
	return t.area(centre)
}

// area returns the valid columns within the radius of centre, sorted by
// distance.
func (t *Tracker) area(centre world.ColumnPos) []world.ColumnPos {
	r := t.radius
	cols := make([]world.ColumnPos, 0, (2*r+1)*(2*r+1))
	for x := -r; x <= r; x++ {
		for z := -r; z <= r; z++ {
			p := world.ColumnPos{X: centre.X + x, Z: centre.Z + z, Dim: centre.Dim}
			if p.Valid() && t.within(centre, p) {
				cols = append(cols, p)
			}
		}
	}
	slices.SortFunc(cols, func(a, b world.ColumnPos) int {
		return int(distSq(centre, a) - distSq(centre, b))
	})
	return cols
}

func (t *Tracker) within(centre, p world.ColumnPos) bool {
	return centre.Dim == p.Dim && distSq(centre, p) <= int64(t.radius)*int64(t.radius)
}

func distSq(a, b world.ColumnPos) int64 {
	dx, dz := int64(a.X-b.X), int64(a.Z-b.Z)
	return dx*dx + dz*dz
}

func columnAt(pos mgl64.Vec3, dim int32) world.ColumnPos {
	return world.ColumnPos{
		X:   int32(math.Floor(pos[0] / chunk.Size)),
		Z:   int32(math.Floor(pos[2] / chunk.Size)),
		Dim: dim,
	}
}
