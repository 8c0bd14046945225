package world

import (
	"fmt"

	"github.com/df-mc/chunkd/server/world/chunk"
	"golang.org/x/exp/constraints"
)

const (
	// coordBits is the amount of bits used for each horizontal chunk
	// coordinate in an index.
	coordBits = 19
	coordMask = 1<<coordBits - 1
	// MaxChunkCoord bounds the horizontal chunk coordinates that can be
	// indexed: valid coordinates are in the range [-MaxChunkCoord, MaxChunkCoord).
	MaxChunkCoord = 1 << (coordBits - 1)
	// DimensionSlots is the amount of chunk Y slots reserved per dimension.
	// Dimension d occupies slots [d*DimensionSlots, (d+1)*DimensionSlots).
	DimensionSlots = 1024
	// MaxDimension is the exclusive upper bound of dimension IDs.
	MaxDimension = (1 << (64 - 2*coordBits)) / DimensionSlots
)

// ColumnPos is the position of a column of chunks in chunk coordinates.
type ColumnPos struct {
	X, Z int32
	Dim  int32
}

// Valid reports if the column can be encoded into an index.
func (p ColumnPos) Valid() bool {
	return inRange(p.X) && inRange(p.Z) && p.Dim >= 0 && p.Dim < MaxDimension
}

// Index encodes the column into a 64-bit index. The encoding is bijective for
// every valid ColumnPos.
func (p ColumnPos) Index() uint64 {
	return uint64(p.Dim)<<(2*coordBits) | encodeCoord(p.Z)<<coordBits | encodeCoord(p.X)
}

// Chunk returns the position of the chunk at height y in the column.
func (p ColumnPos) Chunk(y int32) ChunkPos {
	return ChunkPos{X: p.X, Y: y, Z: p.Z, Dim: p.Dim}
}

// String ...
func (p ColumnPos) String() string {
	return fmt.Sprintf("(%d, %d @%d)", p.X, p.Z, p.Dim)
}

// ColumnFromIndex decodes an index produced by ColumnPos.Index.
func ColumnFromIndex(idx uint64) ColumnPos {
	return ColumnPos{
		X:   decodeCoord(idx),
		Z:   decodeCoord(idx >> coordBits),
		Dim: int32(idx >> (2 * coordBits)),
	}
}

// ChunkPos is the position of a single chunk in chunk coordinates.
type ChunkPos struct {
	X, Y, Z int32
	Dim     int32
}

// Valid reports if the chunk can be encoded into an index.
func (p ChunkPos) Valid() bool {
	return p.Column().Valid() && p.Y >= 0 && p.Y < DimensionSlots
}

// Column returns the position of the column the chunk is part of.
func (p ChunkPos) Column() ColumnPos {
	return ColumnPos{X: p.X, Z: p.Z, Dim: p.Dim}
}

// Index encodes the chunk into a 64-bit index. The dimension is folded into
// the Y component, so that indices of different dimensions never collide.
func (p ChunkPos) Index() uint64 {
	slot := uint64(p.Dim)*DimensionSlots + uint64(p.Y)
	return slot<<(2*coordBits) | encodeCoord(p.Z)<<coordBits | encodeCoord(p.X)
}

// String ...
func (p ChunkPos) String() string {
	return fmt.Sprintf("(%d, %d, %d @%d)", p.X, p.Y, p.Z, p.Dim)
}

// ChunkFromIndex decodes an index produced by ChunkPos.Index.
func ChunkFromIndex(idx uint64) ChunkPos {
	slot := idx >> (2 * coordBits)
	return ChunkPos{
		X:   decodeCoord(idx),
		Y:   int32(slot % DimensionSlots),
		Z:   decodeCoord(idx >> coordBits),
		Dim: int32(slot / DimensionSlots),
	}
}

// BlockPos is the position of a block in world coordinates.
type BlockPos struct {
	X, Y, Z int
	Dim     int32
}

// Chunk returns the position of the chunk holding the block.
func (p BlockPos) Chunk() ChunkPos {
	return ChunkPos{
		X:   int32(floorDiv(p.X, chunk.Size)),
		Y:   int32(floorDiv(p.Y, chunk.Size)),
		Z:   int32(floorDiv(p.Z, chunk.Size)),
		Dim: p.Dim,
	}
}

// Column returns the position of the column holding the block.
func (p BlockPos) Column() ColumnPos {
	return ColumnPos{X: int32(floorDiv(p.X, chunk.Size)), Z: int32(floorDiv(p.Z, chunk.Size)), Dim: p.Dim}
}

// Local returns the position of the block relative to its chunk.
func (p BlockPos) Local() (x, y, z uint8) {
	return uint8(floorMod(p.X, chunk.Size)), uint8(floorMod(p.Y, chunk.Size)), uint8(floorMod(p.Z, chunk.Size))
}

// Add returns the position offset by the deltas passed.
func (p BlockPos) Add(dx, dy, dz int) BlockPos {
	return BlockPos{X: p.X + dx, Y: p.Y + dy, Z: p.Z + dz, Dim: p.Dim}
}

func inRange(v int32) bool {
	return v >= -MaxChunkCoord && v < MaxChunkCoord
}

func encodeCoord(v int32) uint64 {
	return uint64(v+MaxChunkCoord) & coordMask
}

func decodeCoord(idx uint64) int32 {
	return int32(idx&coordMask) - MaxChunkCoord
}

func floorDiv[T constraints.Integer](a, b T) T {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func floorMod[T constraints.Integer](a, b T) T {
	return a - floorDiv(a, b)*b
}
