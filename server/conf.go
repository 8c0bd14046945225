package server

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/df-mc/chunkd/server/world"
	"github.com/df-mc/chunkd/server/world/generator"
	"github.com/df-mc/chunkd/server/world/lighting"
	"github.com/df-mc/chunkd/server/world/mcdb"
	"github.com/df-mc/chunkd/server/world/session"
	"github.com/df-mc/chunkd/server/world/sqlitedb"
	"github.com/pelletier/go-toml"
	"gopkg.in/yaml.v3"
)

// Config contains the options for starting a Server.
type Config struct {
	// Log is the Logger to use for logging information. If nil, Log is set to
	// slog.Default().
	Log *slog.Logger
	// Name is the name of the Server reported to query clients.
	Name string
	// WorldName is the name of the world reported to query clients.
	WorldName string
	// World holds the settings of the World managed by the Server. If
	// World.Executors is empty, the executors of the reference generator are
	// used, seeded with Seed. World.Retention is always set to the tracker of
	// the Server.
	World world.Config
	// Seed is the seed passed to the reference generator.
	Seed int64
	// WaterHeight is the height up to which the reference generator fills
	// oceans.
	WaterHeight int
	// RetentionRadius is the radius in columns around each client that is
	// requested and kept resident. Defaults to 8.
	RetentionRadius int
	// Pinned is the list of columns kept loaded regardless of clients. It may
	// be nil.
	Pinned *PinnedColumns
	// LightInterval is the interval at which queued light updates are
	// processed when World.Lighting is left nil. Defaults to 50ms.
	LightInterval time.Duration
}

// UserConfig is the user configuration of a Server. It holds settings that
// may be edited by users and is read from a TOML or YAML file.
type UserConfig struct {
	World struct {
		// Folder is the folder that the data of the world resides in. For the
		// sqlite provider, a file named world.db is created in it.
		Folder string
		// Provider selects where columns are stored when they are unloaded.
		// Valid values are "leveldb", "sqlite" and "none".
		Provider string
		// ReadOnly opens the provider without writing anything back to it.
		ReadOnly bool
		// Seed controls the terrain produced by the reference generator.
		Seed int64
		// WaterHeight is the height up to which oceans are filled.
		WaterHeight int
		// ColumnHeight is the amount of chunks stacked in a column.
		ColumnHeight int
	}
	Generation struct {
		// Workers is the number of goroutines generating columns. Set to 0 to
		// select a default based on the CPU count of the host.
		Workers int
		// QueueSize is the amount of queued requests above which warnings
		// are logged.
		QueueSize int
		// Synchronous generates columns on the tick goroutine instead of on
		// workers.
		Synchronous bool
	}
	Lifecycle struct {
		// TickInterval is the interval between ticks, for example "50ms".
		TickInterval string
		// UnloadInterval is the interval between unload sweeps.
		UnloadInterval string
		// UnloadAge is the amount of sweeps a column survives without any
		// client near it.
		UnloadAge int
		// PackInterval is the interval between compactor sweeps.
		PackInterval string
		// PackTTL is the amount of ticks a chunk is left untouched before it is
		// packed.
		PackTTL int64
		// FlushInterval is the interval at which writes are flushed.
		FlushInterval string
		// SaveInterval is the interval at which dirty resident columns are
		// saved.
		SaveInterval string
	}
	Clients struct {
		// RetentionRadius is the radius in columns kept loaded around clients.
		RetentionRadius int
	}
	Pinned struct {
		// File is the path to the TOML file that stores the pinned columns.
		File string
	}
	Server struct {
		// Name is the name of the server reported to query clients.
		Name string
		// QueryAddress is the UDP address that query requests are answered
		// on. Leave empty to disable the query listener.
		QueryAddress string
	}
}

// New creates a Server using the Config. The World of the Server is started
// immediately and pinned columns are requested.
func (conf Config) New() *Server {
	if conf.Log == nil {
		conf.Log = slog.Default()
	}
	if conf.World.Log == nil {
		conf.World.Log = conf.Log
	}
	if conf.RetentionRadius <= 0 {
		conf.RetentionRadius = 8
	}
	if conf.World.ColumnHeight <= 0 {
		conf.World.ColumnHeight = 8
	}
	if len(conf.World.Executors) == 0 {
		g := generator.Config{
			Seed:        conf.Seed,
			Height:      conf.World.ColumnHeight * 32,
			WaterHeight: conf.WaterHeight,
		}.New()
		conf.World.Executors = g.Executors()
	}
	if conf.LightInterval <= 0 {
		conf.LightInterval = 50 * time.Millisecond
	}
	tracker := session.NewTracker(conf.RetentionRadius)
	conf.World.Retention = tracker

	var light *lighting.Engine
	if conf.World.Lighting == nil {
		light = lighting.Config{
			Log:     conf.Log,
			Height:  conf.World.ColumnHeight * 32,
			Opaque:  generator.Opaque,
			Metrics: lighting.NewMetrics(),
		}.New()
		conf.World.Lighting = light
	}

	ctx, cancel := context.WithCancel(context.Background())
	srv := &Server{
		conf:    conf,
		log:     conf.Log,
		tracker: tracker,
		pinned:  conf.Pinned,
		light:   light,
		started: time.Now(),
		cancel:  cancel,
	}
	srv.world = conf.World.New()
	if light != nil {
		light.Attach(srv.world)
		srv.running.Add(1)
		go func() {
			defer srv.running.Done()
			light.Run(ctx, conf.LightInterval)
		}()
	}
	for _, pos := range conf.Pinned.Columns() {
		srv.keepLoaded(pos)
	}
	return srv
}

// Config converts a UserConfig to a Config, so that it may be used for
// creating a Server. An error is returned if opening the provider or loading
// the pinned columns failed.
func (uc UserConfig) Config(log *slog.Logger) (Config, error) {
	if log == nil {
		log = slog.Default()
	}
	conf := Config{
		Log:             log,
		Name:            uc.Server.Name,
		WorldName:       filepath.Base(uc.World.Folder),
		Seed:            uc.World.Seed,
		WaterHeight:     uc.World.WaterHeight,
		RetentionRadius: uc.Clients.RetentionRadius,
		World: world.Config{
			Log:              log,
			ReadOnly:         uc.World.ReadOnly,
			ColumnHeight:     uc.World.ColumnHeight,
			GeneratorWorkers: uc.Generation.Workers,
			QueueSize:        uc.Generation.QueueSize,
			SyncGeneration:   uc.Generation.Synchronous,
			PackTTL:          uc.Lifecycle.PackTTL,
		},
	}
	if uc.Lifecycle.UnloadAge > 0 {
		conf.World.UnloadAgeMax = uint8(min(uc.Lifecycle.UnloadAge, 255))
	}
	durations := []struct {
		name string
		src  string
		dst  *time.Duration
	}{
		{"tick interval", uc.Lifecycle.TickInterval, &conf.World.TickInterval},
		{"unload interval", uc.Lifecycle.UnloadInterval, &conf.World.UnloadInterval},
		{"pack interval", uc.Lifecycle.PackInterval, &conf.World.PackInterval},
		{"flush interval", uc.Lifecycle.FlushInterval, &conf.World.FlushInterval},
		{"save interval", uc.Lifecycle.SaveInterval, &conf.World.SaveInterval},
	}
	for _, d := range durations {
		if strings.TrimSpace(d.src) == "" {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.src))
		if err != nil {
			return conf, fmt.Errorf("parse %v: %w", d.name, err)
		}
		*d.dst = v
	}

	var err error
	switch p := strings.ToLower(strings.TrimSpace(uc.World.Provider)); p {
	case "", "leveldb":
		conf.World.Provider, err = mcdb.Config{Log: log, ReadOnly: uc.World.ReadOnly}.Open(uc.World.Folder)
	case "sqlite":
		conf.World.Provider, err = sqlitedb.Open(filepath.Join(uc.World.Folder, "world.db"))
	case "none":
		conf.World.Provider = world.NopProvider{}
	default:
		return conf, fmt.Errorf("unknown world provider %q", uc.World.Provider)
	}
	if err != nil {
		return conf, fmt.Errorf("create world provider: %w", err)
	}

	pinnedFile := strings.TrimSpace(uc.Pinned.File)
	if pinnedFile == "" {
		pinnedFile = "pinned.toml"
	}
	conf.Pinned, err = LoadPinned(pinnedFile)
	if err != nil {
		_ = conf.World.Provider.Close()
		return conf, fmt.Errorf("load pinned columns: %w", err)
	}
	return conf, nil
}

// DefaultConfig returns a configuration with the default values filled out.
func DefaultConfig() UserConfig {
	c := UserConfig{}
	c.World.Folder = "world"
	c.World.Provider = "leveldb"
	c.World.Seed = 0
	c.World.WaterHeight = 62
	c.World.ColumnHeight = 8
	c.Generation.QueueSize = 4096
	c.Lifecycle.TickInterval = "50ms"
	c.Lifecycle.UnloadInterval = "4s"
	c.Lifecycle.UnloadAge = 8
	c.Lifecycle.PackInterval = "10s"
	c.Lifecycle.PackTTL = 20 * 60
	c.Lifecycle.FlushInterval = "2s"
	c.Lifecycle.SaveInterval = "5m"
	c.Clients.RetentionRadius = 8
	c.Pinned.File = "pinned.toml"
	c.Server.Name = "chunkd"
	c.Server.QueryAddress = "127.0.0.1:19132"
	return c
}

// LoadUserConfig reads the UserConfig stored at path. Files ending in .yaml
// or .yml are decoded as YAML, any other file as TOML. If the file does not
// exist, DefaultConfig is written to it and returned. Settings missing from
// the file keep their default values.
func LoadUserConfig(path string) (UserConfig, error) {
	c := DefaultConfig()
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		if data, err = marshalConfig(path, c); err != nil {
			return c, fmt.Errorf("encode default config: %w", err)
		}
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0777); err != nil {
				return c, fmt.Errorf("create config directory: %w", err)
			}
		}
		if err := os.WriteFile(path, data, 0644); err != nil {
			return c, fmt.Errorf("create default config: %w", err)
		}
		return c, nil
	}
	if err != nil {
		return c, fmt.Errorf("read config: %w", err)
	}
	if isYAML(path) {
		err = yaml.Unmarshal(data, &c)
	} else {
		err = toml.Unmarshal(data, &c)
	}
	if err != nil {
		return c, fmt.Errorf("decode config: %w", err)
	}
	return c, nil
}

func marshalConfig(path string, c UserConfig) ([]byte, error) {
	if isYAML(path) {
		return yaml.Marshal(c)
	}
	return toml.Marshal(c)
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}
