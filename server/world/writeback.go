package world

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/df-mc/chunkd/server/world/chunk"
	"golang.org/x/time/rate"
)

// writeback buffers encoded chunks and column metadata until they are
// flushed to the Provider in batches. Entries are keyed by index, so a newer
// write replaces an older one that was not flushed yet. Entries are only
// dropped, and dirty flags only cleared, once the Provider confirmed a write.
type writeback struct {
	p       Provider
	log     *slog.Logger
	metrics *Metrics
	batch   int

	mu      sync.Mutex
	seq     uint64
	chunks  map[uint64]pendingChunk
	columns map[uint64]pendingColumn

	flushMu sync.Mutex
	warn    *rate.Limiter
}

type pendingChunk struct {
	pos     ChunkPos
	data    []byte
	c       *chunk.Chunk
	version uint64
	seq     uint64
}

type pendingColumn struct {
	pos     ColumnPos
	data    []byte
	m       *ColumnMeta
	version uint64
	seq     uint64
}

func newWriteback(p Provider, log *slog.Logger, metrics *Metrics, batch int) *writeback {
	return &writeback{
		p:       p,
		log:     log,
		metrics: metrics,
		batch:   batch,
		chunks:  make(map[uint64]pendingChunk),
		columns: make(map[uint64]pendingColumn),
		warn:    rate.NewLimiter(rate.Every(time.Minute), 1),
	}
}

// queueChunk buffers the encoded data of a chunk. c and version are used to
// clear the dirty flag of c once the data is persisted. c may be nil for
// chunks that are no longer resident.
func (wb *writeback) queueChunk(pos ChunkPos, data []byte, c *chunk.Chunk, version uint64) {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	wb.seq++
	wb.chunks[pos.Index()] = pendingChunk{pos: pos, data: data, c: c, version: version, seq: wb.seq}
}

// queueColumn buffers the encoded metadata of a column.
func (wb *writeback) queueColumn(pos ColumnPos, data []byte, m *ColumnMeta, version uint64) {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	wb.seq++
	wb.columns[pos.Index()] = pendingColumn{pos: pos, data: data, m: m, version: version, seq: wb.seq}
}

// chunkBytes returns the latest data of a chunk, preferring data that was not
// flushed yet over the Provider.
func (wb *writeback) chunkBytes(pos ChunkPos) ([]byte, error) {
	wb.mu.Lock()
	e, ok := wb.chunks[pos.Index()]
	wb.mu.Unlock()
	if ok {
		return e.data, nil
	}
	return wb.p.ChunkBytes(pos)
}

// columnBytes returns the latest metadata of a column, preferring data that
// was not flushed yet over the Provider.
func (wb *writeback) columnBytes(pos ColumnPos) ([]byte, error) {
	wb.mu.Lock()
	e, ok := wb.columns[pos.Index()]
	wb.mu.Unlock()
	if ok {
		return e.data, nil
	}
	return wb.p.ColumnBytes(pos)
}

// pending returns the amount of chunks and columns waiting to be flushed.
func (wb *writeback) pending() (chunks, columns int) {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	return len(wb.chunks), len(wb.columns)
}

// flush writes every buffered entry to the Provider in batches. On failure
// the remaining entries stay buffered for the next flush.
func (wb *writeback) flush() error {
	wb.flushMu.Lock()
	defer wb.flushMu.Unlock()

	for {
		chunks, columns := wb.nextBatch()
		if len(chunks) == 0 && len(columns) == 0 {
			return nil
		}
		if err := wb.store(chunks, columns); err != nil {
			wb.metrics.incFlushFailures()
			if wb.warn.Allow() {
				n, m := wb.pending()
				wb.log.Warn("flush to provider failed, retrying on next flush", "error", err, "pending_chunks", n, "pending_columns", m)
			}
			return err
		}
		wb.metrics.incFlushes()
	}
}

func (wb *writeback) nextBatch() ([]pendingChunk, []pendingColumn) {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	chunks := make([]pendingChunk, 0, min(wb.batch, len(wb.chunks)))
	for _, e := range wb.chunks {
		if len(chunks) == wb.batch {
			break
		}
		chunks = append(chunks, e)
	}
	columns := make([]pendingColumn, 0, min(wb.batch, len(wb.columns)))
	for _, e := range wb.columns {
		if len(columns) == wb.batch {
			break
		}
		columns = append(columns, e)
	}
	return chunks, columns
}

func (wb *writeback) store(chunks []pendingChunk, columns []pendingColumn) error {
	var errs []error
	if len(chunks) > 0 {
		blobs := make([]ChunkBlob, len(chunks))
		for i, e := range chunks {
			blobs[i] = ChunkBlob{Pos: e.pos, Data: e.data}
		}
		if err := wb.p.StoreChunks(blobs); err != nil {
			errs = append(errs, fmt.Errorf("store chunks: %w", err))
		} else {
			wb.confirmChunks(chunks)
		}
	}
	if len(columns) > 0 {
		blobs := make([]ColumnBlob, len(columns))
		for i, e := range columns {
			blobs[i] = ColumnBlob{Pos: e.pos, Data: e.data}
		}
		if err := wb.p.StoreColumns(blobs); err != nil {
			errs = append(errs, fmt.Errorf("store columns: %w", err))
		} else {
			wb.confirmColumns(columns)
		}
	}
	return errors.Join(errs...)
}

func (wb *writeback) confirmChunks(chunks []pendingChunk) {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	for _, e := range chunks {
		idx := e.pos.Index()
		if cur, ok := wb.chunks[idx]; ok && cur.seq == e.seq {
			delete(wb.chunks, idx)
		}
		if e.c != nil {
			e.c.ClearDirty(e.version)
		}
	}
}

func (wb *writeback) confirmColumns(columns []pendingColumn) {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	for _, e := range columns {
		idx := e.pos.Index()
		if cur, ok := wb.columns[idx]; ok && cur.seq == e.seq {
			delete(wb.columns, idx)
		}
		if e.m != nil {
			e.m.ClearDirty(e.version)
		}
	}
}
