// Package generator implements a reference overworld generator as a set of
// world.PassExecutors: terrain shaping, ore features, freezing and
// vegetation. Every executor is deterministic for a seed and a column.
package generator

import (
	"math/rand/v2"

	"github.com/df-mc/chunkd/server/world"
	"github.com/df-mc/chunkd/server/world/chunk"
)

// Generator generates overworld terrain. It holds no mutable state and is
// safe for use by any amount of generation workers.
type Generator struct {
	seed        int64
	height      int
	waterHeight int
}

// Config holds the settings of a Generator.
type Config struct {
	// Seed is the world seed.
	Seed int64
	// Height is the height of the world in blocks. Defaults to 256.
	Height int
	// WaterHeight is the Y up to which terrain below the surface is filled
	// with water. Defaults to 62.
	WaterHeight int
}

// New creates a Generator using the settings of the Config.
func (conf Config) New() *Generator {
	if conf.Height <= 0 {
		conf.Height = 256
	}
	if conf.WaterHeight <= 0 {
		conf.WaterHeight = 62
	}
	return &Generator{seed: conf.Seed, height: conf.Height, waterHeight: min(conf.WaterHeight, conf.Height-1)}
}

// New creates a Generator with the default settings for the seed passed.
func New(seed int64) *Generator {
	return Config{Seed: seed}.New()
}

// Executors returns the pass executors of the generator, in the order they
// must be registered with a world.Config.
func (g *Generator) Executors() []world.PassExecutor {
	return []world.PassExecutor{
		terrain{g: g},
		ores{g: g, types: defaultOres},
		freeze{g: g},
		vegetation{g: g},
	}
}

// random returns a random source for a column that is the same for every run
// with the same seed, so that regenerating a column yields the same result.
func (g *Generator) random(pos world.ColumnPos, salt uint64) *rand.Rand {
	return rand.New(rand.NewPCG(uint64(g.seed)^salt, pos.Index()))
}

// rangeIn returns a random int in [lo, hi].
func rangeIn(r *rand.Rand, lo, hi int) int {
	if hi <= lo {
		return lo
	}
	return lo + r.IntN(hi-lo+1)
}

// columnOrigin returns the block position of the lowest north-west corner of
// a column.
func columnOrigin(pos world.ColumnPos) world.BlockPos {
	return world.BlockPos{X: int(pos.X) * chunk.Size, Z: int(pos.Z) * chunk.Size, Dim: pos.Dim}
}

// inColumn reports if pos lies within the column at col.
func inColumn(pos world.BlockPos, col world.ColumnPos) bool {
	return pos.Column() == col
}

func abs(a int) int {
	if a < 0 {
		return -a
	}
	return a
}
