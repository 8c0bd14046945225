package server

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/df-mc/chunkd/server/world"
	"github.com/df-mc/chunkd/server/world/mcdb"
	"github.com/df-mc/chunkd/server/world/sqlitedb"
)

func TestLoadUserConfigWritesDefaults(t *testing.T) {
	for _, name := range []string{"config.toml", "config.yaml"} {
		path := filepath.Join(t.TempDir(), name)
		c, err := LoadUserConfig(path)
		if err != nil {
			t.Fatalf("%v: load: %v", name, err)
		}
		if c.World.Folder != "world" || c.Clients.RetentionRadius != 8 {
			t.Fatalf("%v: expected defaults, got %+v", name, c)
		}
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("%v: expected defaults to be written: %v", name, err)
		}
		again, err := LoadUserConfig(path)
		if err != nil {
			t.Fatalf("%v: reload: %v", name, err)
		}
		if again != c {
			t.Fatalf("%v: defaults did not survive a round trip: %+v != %+v", name, again, c)
		}
	}
}

func TestLoadUserConfigOverrides(t *testing.T) {
	dir := t.TempDir()
	tomlPath := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(tomlPath, []byte("[World]\nSeed = 7\nProvider = \"none\"\n"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	c, err := LoadUserConfig(tomlPath)
	if err != nil {
		t.Fatalf("load toml: %v", err)
	}
	if c.World.Seed != 7 || c.World.Provider != "none" || c.World.Folder != "world" {
		t.Fatalf("unexpected toml config %+v", c.World)
	}

	yamlPath := filepath.Join(dir, "config.yml")
	if err := os.WriteFile(yamlPath, []byte("world:\n  seed: 42\nclients:\n  retentionradius: 3\n"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	c, err = LoadUserConfig(yamlPath)
	if err != nil {
		t.Fatalf("load yaml: %v", err)
	}
	if c.World.Seed != 42 || c.Clients.RetentionRadius != 3 || c.Lifecycle.SaveInterval != "5m" {
		t.Fatalf("unexpected yaml config %+v", c)
	}
}

func TestUserConfigProviders(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := t.TempDir()

	uc := DefaultConfig()
	uc.Pinned.File = filepath.Join(dir, "pinned.toml")

	for provider, check := range map[string]func(world.Provider) bool{
		"none":    func(p world.Provider) bool { _, ok := p.(world.NopProvider); return ok },
		"leveldb": func(p world.Provider) bool { _, ok := p.(*mcdb.DB); return ok },
		"sqlite":  func(p world.Provider) bool { _, ok := p.(*sqlitedb.DB); return ok },
	} {
		uc.World.Provider = provider
		uc.World.Folder = filepath.Join(dir, provider)
		conf, err := uc.Config(log)
		if err != nil {
			t.Fatalf("%v: config: %v", provider, err)
		}
		if !check(conf.World.Provider) {
			t.Fatalf("%v: unexpected provider %T", provider, conf.World.Provider)
		}
		if conf.World.SaveInterval != 5*time.Minute || conf.World.TickInterval != 50*time.Millisecond {
			t.Fatalf("%v: durations not parsed: %v %v", provider, conf.World.SaveInterval, conf.World.TickInterval)
		}
		if conf.Pinned == nil {
			t.Fatalf("%v: pinned columns not loaded", provider)
		}
		if err := conf.World.Provider.Close(); err != nil {
			t.Fatalf("%v: close: %v", provider, err)
		}
	}

	uc.World.Provider = "tape"
	if _, err := uc.Config(log); err == nil {
		t.Fatalf("expected error for unknown provider")
	}
	uc.World.Provider = "none"
	uc.Lifecycle.UnloadInterval = "soon"
	if _, err := uc.Config(log); err == nil {
		t.Fatalf("expected error for invalid duration")
	}
}

func TestServerFromUserConfig(t *testing.T) {
	dir := t.TempDir()
	uc := DefaultConfig()
	uc.World.Provider = "none"
	uc.World.ColumnHeight = 2
	uc.Generation.Synchronous = true
	uc.Lifecycle.TickInterval = "-1s"
	uc.Lifecycle.UnloadInterval = "-1s"
	uc.Lifecycle.PackInterval = "-1s"
	uc.Lifecycle.FlushInterval = "-1s"
	uc.Lifecycle.SaveInterval = "-1s"
	uc.Pinned.File = filepath.Join(dir, "pinned.toml")

	conf, err := uc.Config(slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	srv := conf.New()
	defer srv.Close()
	if srv.World().ColumnHeight() != 2 {
		t.Fatalf("expected column height 2, got %v", srv.World().ColumnHeight())
	}
	if srv.Tracker().Radius() != 8 {
		t.Fatalf("expected retention radius 8, got %v", srv.Tracker().Radius())
	}
}
