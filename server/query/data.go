package query

import (
	"runtime/debug"
	"strconv"
	"strings"
)

// Data holds the state reported to query clients. It is produced by the
// ProviderFunc of a Listener for every information request.
type Data struct {
	// HostName is the name of the server.
	HostName string
	// WorldName is the folder or name of the world served.
	WorldName string
	// Engine identifies the software running. Defaults to the module version
	// found in the build info.
	Engine string
	// Clients is the amount of connected clients and MaxClients the limit,
	// which is 0 if there is none.
	Clients, MaxClients int
	// ClientNames lists the connected clients.
	ClientNames []string
	// Tick is the current tick of the world and TPS its average tick rate.
	Tick int64
	TPS  float64
	// ResidentColumns, ResidentChunks and PinnedColumns describe the resident
	// set of the world.
	ResidentColumns, ResidentChunks, PinnedColumns int
	// Requests is the amount of columns requested but not yet resident.
	Requests int

	// HostIP and HostPort are filled out with the address the Listener is
	// bound to.
	HostIP   string
	HostPort int
}

type keyValue struct {
	key, value string
}

var engineLabel = func() string {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		version = info.Main.Version
	}
	return "chunkd (" + version + ")"
}()

func (d *Data) applyDefaults(host string, port int) {
	if d.HostName == "" {
		d.HostName = "chunkd"
	}
	if d.Engine == "" {
		d.Engine = engineLabel
	}
	if host == "" {
		host = "0.0.0.0"
	}
	d.HostIP, d.HostPort = host, int(uint16(port))
}

// keyValues returns the ordered pairs written in an information response.
func (d Data) keyValues() []keyValue {
	values := []keyValue{
		{"hostname", d.HostName},
		{"gametype", "CHUNKS"},
		{"game_id", "MINECRAFTPE"},
		{"version", d.Engine},
		{"server_engine", d.Engine},
	}
	if d.WorldName != "" {
		values = append(values, keyValue{"map", d.WorldName})
	}
	values = append(values,
		keyValue{"numplayers", strconv.Itoa(d.Clients)},
		keyValue{"maxplayers", strconv.Itoa(d.MaxClients)},
		keyValue{"hostport", strconv.Itoa(d.HostPort)},
		keyValue{"hostip", d.HostIP},
		keyValue{"tick", strconv.FormatInt(d.Tick, 10)},
		keyValue{"tps", strconv.FormatFloat(d.TPS, 'f', 2, 64)},
		keyValue{"columns", strconv.Itoa(d.ResidentColumns)},
		keyValue{"chunks", strconv.Itoa(d.ResidentChunks)},
		keyValue{"pinned", strconv.Itoa(d.PinnedColumns)},
		keyValue{"requests", strconv.Itoa(d.Requests)},
	)
	if len(d.ClientNames) > 0 {
		values = append(values, keyValue{"players", strings.Join(d.ClientNames, ", ")})
	}
	return values
}
