package console

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/df-mc/chunkd/server"
	"github.com/df-mc/chunkd/server/world"
)

func newTestConsole(t *testing.T, input string) (*Console, *server.Server, *bytes.Buffer) {
	t.Helper()
	pinned, err := server.LoadPinned(filepath.Join(t.TempDir(), "pinned.toml"))
	if err != nil {
		t.Fatalf("load pinned: %v", err)
	}
	srv := server.Config{
		Log:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Pinned: pinned,
		World: world.Config{
			Executors:      []world.PassExecutor{world.ExecutorFunc(world.PassTerrain, func(world.ColumnPos, world.BlockAccessor) error { return nil })},
			SyncGeneration: true,
			SyncBudget:     16,
			ColumnHeight:   2,
			TickInterval:   -1,
			UnloadInterval: -1,
			PackInterval:   -1,
			FlushInterval:  -1,
			SaveInterval:   -1,
		},
	}.New()
	t.Cleanup(func() {
		if err := srv.Close(); err != nil {
			t.Fatalf("failed closing server: %v", err)
		}
	})
	buf := new(bytes.Buffer)
	c := New(srv, slog.New(slog.NewTextHandler(buf, nil))).WithReader(strings.NewReader(input))
	return c, srv, buf
}

func TestConsoleCommands(t *testing.T) {
	c, srv, buf := newTestConsole(t, "status\n/pin 1,2\npinned\nrequest 3,4 terrain\n\nbogus\npin\n")
	c.Run(context.Background())
	srv.World().Tick()

	out := buf.String()
	for _, want := range []string{
		"Columns: 0 resident",
		"Pinned column (1, 2 @0).",
		"Pinned columns (1): 1,2",
		"Requested column (3, 4 @0) up to terrain.",
		"Column loaded.",
		"Unknown command: bogus.",
		"Usage: pin <x,z[,dim]>",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected output to contain %q, got:\n%s", want, out)
		}
	}
	if !srv.World().Pinned(world.ColumnPos{X: 1, Z: 2}) {
		t.Fatalf("expected column to be pinned")
	}
	if srv.World().Status(world.ColumnPos{X: 3, Z: 4}) != world.StatusResident {
		t.Fatalf("expected requested column to be resident")
	}
}

func TestConsolePeekAndGC(t *testing.T) {
	c, srv, buf := newTestConsole(t, "")
	c.Execute("request 0,0")
	srv.World().Tick()
	c.Execute("peek 5,5")
	srv.World().Tick()
	c.Execute("gc")
	c.Execute("unpin 9,9")
	c.Execute("request 0,0 nowhere")

	out := buf.String()
	for _, want := range []string{
		"Column peeked.",
		"Columns unloaded: 1",
		"Column (9, 9 @0) was not pinned.",
		`unknown pass \"nowhere\"`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected output to contain %q, got:\n%s", want, out)
		}
	}
	if srv.World().Status(world.ColumnPos{X: 5, Z: 5}) != world.StatusAbsent {
		t.Fatalf("peeked column must not become resident")
	}
}

func TestConsoleStopsOnCancel(t *testing.T) {
	c, _, buf := newTestConsole(t, "status\n")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c.Run(ctx)
	if buf.Len() != 0 {
		t.Fatalf("expected no commands to run after cancellation, got:\n%s", buf.String())
	}
}
