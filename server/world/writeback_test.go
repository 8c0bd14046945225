package world

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/df-mc/chunkd/server/world/chunk"
)

func newTestWriteback(p Provider, batch int) *writeback {
	return newWriteback(p, slog.New(slog.NewTextHandler(io.Discard, nil)), NewMetrics(), batch)
}

func TestWritebackServesPendingData(t *testing.T) {
	prov := newMemProvider()
	wb := newTestWriteback(prov, 16)

	pos := ChunkPos{X: 1, Y: 2, Z: 3}
	prov.chunks[pos] = []byte("old")
	wb.queueChunk(pos, []byte("new"), nil, 1)

	b, err := wb.chunkBytes(pos)
	if err != nil || string(b) != "new" {
		t.Fatalf("expected pending data, got %q (%v)", b, err)
	}
	if _, err := wb.chunkBytes(ChunkPos{X: 9}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown chunk, got %v", err)
	}
	if err := wb.flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if n, _ := wb.pending(); n != 0 {
		t.Fatalf("expected no pending chunks after flush, got %v", n)
	}
	if b, _ := prov.ChunkBytes(pos); string(b) != "new" {
		t.Fatalf("provider holds %q after flush", b)
	}
}

func TestWritebackKeepsEntriesOnFailure(t *testing.T) {
	prov := newMemProvider()
	prov.fail.Store(true)
	wb := newTestWriteback(prov, 16)

	c := chunk.New()
	c.SetBlock(0, 0, 0, chunk.LayerSolid, 3)
	data, v := c.Encode()
	wb.queueChunk(ChunkPos{}, data, c, v)

	if err := wb.flush(); err == nil {
		t.Fatalf("expected flush to fail")
	}
	if n, _ := wb.pending(); n != 1 {
		t.Fatalf("failed write was dropped")
	}
	if !c.Dirty() {
		t.Fatalf("chunk marked clean although the write failed")
	}
	if wb.metrics.Snapshot().FlushFailures != 1 {
		t.Fatalf("flush failure was not counted")
	}

	prov.fail.Store(false)
	if err := wb.flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if c.Dirty() {
		t.Fatalf("chunk still dirty after a successful flush")
	}
}

func TestWritebackNewerWriteWins(t *testing.T) {
	prov := newMemProvider()
	wb := newTestWriteback(prov, 16)
	pos := ColumnPos{X: 4}

	wb.queueColumn(pos, []byte("first"), nil, 1)
	_, cols := wb.nextBatch()
	wb.queueColumn(pos, []byte("second"), nil, 2)

	// Confirming the older entry must not drop the newer one.
	wb.confirmColumns(cols)
	if _, n := wb.pending(); n != 1 {
		t.Fatalf("newer pending write was dropped by a stale confirmation")
	}
	if b, _ := wb.columnBytes(pos); string(b) != "second" {
		t.Fatalf("expected newest data, got %q", b)
	}
}

func TestWritebackFlushesInBatches(t *testing.T) {
	prov := newMemProvider()
	wb := newTestWriteback(prov, 3)
	for i := range 10 {
		wb.queueChunk(ChunkPos{X: int32(i)}, []byte{byte(i)}, nil, 1)
	}
	if err := wb.flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	chunks, _, stores := prov.counts()
	if chunks != 10 || stores != 4 {
		t.Fatalf("expected 10 chunks in 4 stores, got %v chunks in %v stores", chunks, stores)
	}
}
