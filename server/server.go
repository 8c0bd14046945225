package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/df-mc/chunkd/server/query"
	"github.com/df-mc/chunkd/server/world"
	"github.com/df-mc/chunkd/server/world/lighting"
	"github.com/df-mc/chunkd/server/world/session"
	"github.com/go-gl/mathgl/mgl64"
)

// ErrPinnedUnavailable is returned when columns are pinned on a Server
// without a pinned columns list.
var ErrPinnedUnavailable = errors.New("pinned columns are not configured")

// Server drives a World on behalf of connected clients: columns around each
// client are requested as the client moves and released once it leaves.
type Server struct {
	conf    Config
	log     *slog.Logger
	world   *world.World
	tracker *session.Tracker
	pinned  *PinnedColumns
	light   *lighting.Engine
	started time.Time

	queryMu sync.Mutex
	queries []*query.Listener

	cancel  context.CancelFunc
	running sync.WaitGroup
	once    sync.Once
}

// World returns the World managed by the Server.
func (srv *Server) World() *world.World {
	return srv.world
}

// Tracker returns the tracker holding the positions of the clients.
func (srv *Server) Tracker() *session.Tracker {
	return srv.tracker
}

// Lighting returns the lighting engine of the Server, or nil if a custom
// world.LightingService was configured.
func (srv *Server) Lighting() *lighting.Engine {
	return srv.light
}

// StartTime returns the time at which the Server was created.
func (srv *Server) StartTime() time.Time {
	return srv.started
}

// Join adds a client at the position passed and requests the columns around
// it, nearest first. It returns the amount of columns requested.
func (srv *Server) Join(id world.ClientID, dim int32, pos mgl64.Vec3) int {
	n := srv.request(id, srv.tracker.Join(id, dim, pos))
	srv.log.Debug("Client joined.", "client", id, "pos", pos, "dim", dim, "requested", n)
	return n
}

// Move updates the position of a client and requests the columns that came
// into its radius.
func (srv *Server) Move(id world.ClientID, pos mgl64.Vec3) int {
	entered, _ := srv.tracker.Move(id, pos)
	return srv.request(id, entered)
}

// Leave removes a client. Requests that no other client needs are cancelled.
// The columns around the client age out and are unloaded by the World.
func (srv *Server) Leave(id world.ClientID) {
	if !srv.tracker.Leave(id) {
		return
	}
	n := srv.world.CancelClient(id)
	srv.log.Debug("Client left.", "client", id, "cancelled", n)
}

func (srv *Server) request(id world.ClientID, cols []world.ColumnPos) int {
	n := 0
	for _, pos := range cols {
		if srv.world.RequestColumn(pos, world.PassDone, id) {
			n++
		}
	}
	return n
}

// Pin adds pos to the pinned columns, loading it and keeping it loaded.
func (srv *Server) Pin(pos world.ColumnPos) (bool, error) {
	if srv.pinned == nil {
		return false, ErrPinnedUnavailable
	}
	added, err := srv.pinned.Add(pos)
	if err != nil {
		return false, err
	}
	srv.keepLoaded(pos)
	return added, nil
}

// Unpin removes pos from the pinned columns. The column is unloaded once it
// ages out.
func (srv *Server) Unpin(pos world.ColumnPos) (bool, error) {
	if srv.pinned == nil {
		return false, ErrPinnedUnavailable
	}
	removed, err := srv.pinned.Remove(pos)
	if err != nil {
		return false, err
	}
	srv.world.ReleaseForceKeepLoaded(pos)
	return removed, nil
}

// Pinned returns the pinned columns.
func (srv *Server) Pinned() []world.ColumnPos {
	return srv.pinned.Columns()
}

func (srv *Server) keepLoaded(pos world.ColumnPos) {
	srv.world.ForceKeepLoaded(pos)
	if !srv.world.RequestColumnWith(pos, world.LoadOptions{Until: world.PassDone, KeepLoaded: true}) {
		srv.log.Warn("Could not request pinned column.", "X", pos.X, "Z", pos.Z, "dim", pos.Dim)
	}
}

// Close disconnects every client and closes the World, saving its resident
// columns.
func (srv *Server) Close() error {
	var err error
	srv.once.Do(func() {
		for _, id := range srv.tracker.Clients() {
			srv.Leave(id)
		}
		srv.closeQueries()
		srv.cancel()
		srv.running.Wait()
		srv.log.Info("Closing world...")
		if err = srv.world.Close(); err != nil {
			err = fmt.Errorf("close world: %w", err)
		}
	})
	return err
}
