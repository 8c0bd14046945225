package server

import (
	"fmt"
	"net"
	"slices"

	"github.com/df-mc/chunkd/server/query"
)

// ListenQuery starts answering query requests on the UDP address passed. The
// listener is closed when the Server is closed.
func (srv *Server) ListenQuery(address string) (net.Addr, error) {
	l, err := query.Config{Log: srv.log.With("net origin", "query"), Provider: srv.queryData}.Listen(address)
	if err != nil {
		return nil, fmt.Errorf("listen query: %w", err)
	}
	srv.queryMu.Lock()
	srv.queries = append(srv.queries, l)
	srv.queryMu.Unlock()
	srv.log.Info("Query listener started.", "addr", l.Addr().String())
	return l.Addr(), nil
}

// queryData collects the state of the Server reported to query clients.
func (srv *Server) queryData(string, int) query.Data {
	s := srv.world.Stats()
	clients := srv.tracker.Clients()
	names := make([]string, len(clients))
	for i, id := range clients {
		names[i] = id.String()
	}
	slices.Sort(names)
	return query.Data{
		HostName:        srv.conf.Name,
		WorldName:       srv.conf.WorldName,
		Clients:         len(clients),
		ClientNames:     names,
		Tick:            srv.world.CurrentTick(),
		TPS:             srv.world.TPS(),
		ResidentColumns: s.ResidentColumns,
		ResidentChunks:  s.ResidentChunks,
		PinnedColumns:   s.Pinned,
		Requests:        s.Requested,
	}
}

func (srv *Server) closeQueries() {
	srv.queryMu.Lock()
	defer srv.queryMu.Unlock()
	for _, l := range srv.queries {
		if err := l.Close(); err != nil {
			srv.log.Debug("Closing query listener failed.", "err", err)
		}
	}
	srv.queries = nil
}
