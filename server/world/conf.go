package world

import (
	"log/slog"
	"runtime"
	"slices"
	"time"

	"github.com/df-mc/chunkd/server/world/chunk"
)

// LightingService recomputes light after blocks changed. Schedule is called
// for every block change of a resident column and must not block.
type LightingService interface {
	Schedule(pos BlockPos, old, new chunk.BlockID)
}

// Retention reports which columns connected clients need to keep resident.
type Retention interface {
	// Clients returns the clients currently connected.
	Clients() []ClientID
	// ForClient returns the columns within the retention radius of a client.
	ForClient(id ClientID) []ColumnPos
}

// Config holds the settings of a World. The zero value is usable: defaults
// are applied for every field left empty when New is called. Negative
// intervals disable the background loop they control.
type Config struct {
	// Log is the Logger used by the World. If nil, slog.Default() is used.
	Log *slog.Logger
	// Provider stores columns that are evicted. If nil, NopProvider is used
	// and evicted columns are lost.
	Provider Provider
	// Executors run the generation passes of a column, ordered by pass and in
	// the order passed within a pass. A pass completes once all of its
	// executors ran, passes without an executor complete immediately.
	Executors []PassExecutor
	// Lighting is notified of block changes in resident columns. It may be
	// nil.
	Lighting LightingService
	// Retention reports the columns clients keep resident. It may be nil, in
	// which case only pinned columns are retained.
	Retention Retention
	// Metrics receives the counters of the World. A new Metrics is created if
	// nil.
	Metrics *Metrics

	// GeneratorWorkers is the amount of goroutines generating columns. If 0,
	// it is derived from the amount of CPUs, capped at 8.
	GeneratorWorkers int
	// SyncGeneration disables the generator workers. Columns are instead
	// generated on the goroutine calling Tick, SyncBudget at a time.
	SyncGeneration bool
	// SyncBudget is the maximum amount of requests processed per Tick when
	// SyncGeneration is set. Defaults to 4.
	SyncBudget int
	// QueueSize is the amount of queued requests above which backlog
	// warnings are logged. It is also used to size the queue indexes.
	QueueSize int
	// ColumnHeight is the amount of chunks stacked in a column. Defaults to 8.
	ColumnHeight int

	// TickInterval is the interval at which Tick is called by the World
	// itself. Defaults to 50ms. Set it to a negative value to call Tick
	// manually.
	TickInterval time.Duration
	// UnloadInterval is the interval between unload sweeps. Defaults to 4s.
	UnloadInterval time.Duration
	// UnloadAgeMax is the age a column is reset to when a client is near it.
	// Defaults to 8.
	UnloadAgeMax uint8
	// UnloadAgeFloor is the age at which a column is evicted.
	UnloadAgeFloor uint8
	// PackInterval is the interval between compactor sweeps. Defaults to 10s.
	PackInterval time.Duration
	// PackTTL is the amount of ticks a chunk must be left untouched before it
	// is packed. Defaults to 1200.
	PackTTL int64
	// PackStripes is the amount of sweeps over which the compactor spreads a
	// full scan of the resident columns. Defaults to 4.
	PackStripes int
	// FlushInterval is the interval at which writes are flushed to the
	// Provider. Defaults to 2s.
	FlushInterval time.Duration
	// FlushBatch is the maximum amount of chunks stored per Provider call.
	// Defaults to 256.
	FlushBatch int
	// SaveInterval is the interval at which dirty resident columns are saved.
	// Defaults to 5m.
	SaveInterval time.Duration
	// RetryRate is the rate per second at which failed requests are queued
	// again. Defaults to 20.
	RetryRate float64

	// DebugAccess enables debug logging of block reads that miss during
	// generation.
	DebugAccess bool
	// PanicOnInvariant makes the World panic when its bookkeeping is found to
	// be inconsistent, instead of halting eviction and promotion.
	PanicOnInvariant bool
	// ReadOnly discards every write to the Provider.
	ReadOnly bool
}

func (conf Config) withDefaults() Config {
	if conf.Log == nil {
		conf.Log = slog.Default()
	}
	if conf.Provider == nil {
		conf.Provider = NopProvider{}
	}
	if conf.ReadOnly {
		conf.Provider = readOnlyProvider{Provider: conf.Provider}
	}
	if conf.Metrics == nil {
		conf.Metrics = NewMetrics()
	}
	conf.Executors = slices.Clone(conf.Executors)
	slices.SortStableFunc(conf.Executors, func(a, b PassExecutor) int {
		return int(a.Pass()) - int(b.Pass())
	})
	if conf.SyncGeneration {
		conf.GeneratorWorkers = 0
	} else if conf.GeneratorWorkers <= 0 {
		conf.GeneratorWorkers = min(runtime.NumCPU(), 8)
	}
	if conf.SyncBudget <= 0 {
		conf.SyncBudget = 4
	}
	if conf.QueueSize <= 0 {
		conf.QueueSize = 4096
	}
	if conf.ColumnHeight <= 0 {
		conf.ColumnHeight = 8
	}
	conf.ColumnHeight = min(conf.ColumnHeight, DimensionSlots)
	if conf.TickInterval == 0 {
		conf.TickInterval = time.Second / 20
	}
	if conf.UnloadInterval == 0 {
		conf.UnloadInterval = time.Second * 4
	}
	if conf.UnloadAgeMax == 0 {
		conf.UnloadAgeMax = 8
	}
	if conf.UnloadAgeFloor >= conf.UnloadAgeMax {
		conf.UnloadAgeFloor = conf.UnloadAgeMax - 1
	}
	if conf.PackInterval == 0 {
		conf.PackInterval = time.Second * 10
	}
	if conf.PackTTL <= 0 {
		conf.PackTTL = 20 * 60
	}
	if conf.PackStripes <= 0 {
		conf.PackStripes = 4
	}
	if conf.FlushInterval == 0 {
		conf.FlushInterval = time.Second * 2
	}
	if conf.FlushBatch <= 0 {
		conf.FlushBatch = 256
	}
	if conf.SaveInterval == 0 {
		conf.SaveInterval = time.Minute * 5
	}
	if conf.RetryRate <= 0 {
		conf.RetryRate = 20
	}
	return conf
}

// readOnlyProvider wraps a Provider and discards every write.
type readOnlyProvider struct {
	Provider
}

func (readOnlyProvider) StoreChunks([]ChunkBlob) error   { return nil }
func (readOnlyProvider) StoreColumns([]ColumnBlob) error { return nil }
