package mcdb

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/df-mc/chunkd/server/world"
)

func openTestDB(t *testing.T, dir string) *DB {
	t.Helper()
	db, err := Config{Log: slog.New(slog.NewTextHandler(io.Discard, nil))}.Open(dir)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	return db
}

func TestStoreAndReadBack(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir)

	col := world.ColumnPos{X: -4, Z: 9, Dim: 1}
	chunks := []world.ChunkBlob{
		{Pos: col.Chunk(0), Data: []byte("zero")},
		{Pos: col.Chunk(3), Data: []byte("three")},
	}
	if err := db.StoreChunks(chunks); err != nil {
		t.Fatalf("store chunks: %v", err)
	}
	if err := db.StoreColumns([]world.ColumnBlob{{Pos: col, Data: []byte("meta")}}); err != nil {
		t.Fatalf("store columns: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	db = openTestDB(t, dir)
	defer db.Close()
	for _, blob := range chunks {
		data, err := db.ChunkBytes(blob.Pos)
		if err != nil {
			t.Fatalf("read chunk %v: %v", blob.Pos, err)
		}
		if !bytes.Equal(data, blob.Data) {
			t.Fatalf("chunk %v: expected %q, got %q", blob.Pos, blob.Data, data)
		}
	}
	if data, err := db.ColumnBytes(col); err != nil || string(data) != "meta" {
		t.Fatalf("expected column metadata, got %q (%v)", data, err)
	}
}

func TestMissingKeysReturnNotFound(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	defer db.Close()

	if _, err := db.ChunkBytes(world.ChunkPos{X: 1}); !errors.Is(err, world.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for chunk, got %v", err)
	}
	if _, err := db.ColumnBytes(world.ColumnPos{X: 1}); !errors.Is(err, world.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for column, got %v", err)
	}
	// A chunk and a column with the same index must not share a key.
	if err := db.StoreChunks([]world.ChunkBlob{{Pos: world.ChunkPos{X: 2}, Data: []byte{1}}}); err != nil {
		t.Fatalf("store: %v", err)
	}
	if _, err := db.ColumnBytes(world.ColumnPos{X: 2}); !errors.Is(err, world.ErrNotFound) {
		t.Fatalf("chunk data leaked into column keys: %v", err)
	}
}

func TestColumnsIteratesStoredMetadata(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	defer db.Close()

	want := map[world.ColumnPos]bool{{X: 0, Z: 0}: true, {X: -1, Z: 5}: true, {X: 7, Z: -7, Dim: 2}: true}
	var batch []world.ColumnBlob
	for pos := range want {
		batch = append(batch, world.ColumnBlob{Pos: pos, Data: []byte{0}})
	}
	if err := db.StoreColumns(batch); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := db.StoreChunks([]world.ChunkBlob{{Pos: world.ChunkPos{X: 100}, Data: []byte{0}}}); err != nil {
		t.Fatalf("store: %v", err)
	}

	seen := 0
	err := db.Columns(func(pos world.ColumnPos) bool {
		if !want[pos] {
			t.Fatalf("unexpected column %v", pos)
		}
		seen++
		return true
	})
	if err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if seen != len(want) {
		t.Fatalf("expected %v columns, got %v", len(want), seen)
	}
}

func TestWorldRoundTrip(t *testing.T) {
	dir := t.TempDir()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	conf := world.Config{
		Log:            log,
		SyncGeneration: true,
		ColumnHeight:   2,
		TickInterval:   -1,
		UnloadInterval: -1,
		PackInterval:   -1,
		FlushInterval:  -1,
		SaveInterval:   -1,
	}
	pos := world.ColumnPos{X: 3, Z: 3}
	block := world.BlockPos{X: 3*32 + 1, Y: 5, Z: 3*32 + 2}

	conf.Provider = openTestDB(t, dir)
	w := conf.New()
	w.RequestColumn(pos, world.PassDone, world.ClientID{})
	w.Tick()
	if err := w.SetBlock(block, 0, 7); err != nil {
		t.Fatalf("set block: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close world: %v", err)
	}

	conf.Provider = openTestDB(t, dir)
	w = conf.New()
	defer w.Close()
	w.RequestColumn(pos, world.PassDone, world.ClientID{})
	w.Tick()
	if got := w.Block(block, 0); got != 7 {
		t.Fatalf("expected block 7 after reopening, got %v", got)
	}
}
