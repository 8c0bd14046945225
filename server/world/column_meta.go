package world

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/df-mc/chunkd/server/world/chunk"
	"github.com/sandertv/gophertunnel/minecraft/nbt"
)

// ScheduledBlockUpdate is a block write deferred until the column it targets
// is resident.
type ScheduledBlockUpdate struct {
	Pos   BlockPos
	Block chunk.BlockID
	Layer chunk.Layer
}

// LightUpdate is a deferred request to recompute light after a block changed.
type LightUpdate struct {
	Pos      BlockPos
	Old, New chunk.BlockID
}

// ColumnMeta holds the column level data of a column: its generation pass,
// height maps and the updates deferred until the column is ready. It outlives
// the regeneration of individual chunks in the column.
type ColumnMeta struct {
	pos ColumnPos

	pass      atomic.Uint32
	unloadAge atomic.Uint32

	version atomic.Uint64
	saved   atomic.Uint64

	mu              sync.Mutex
	rainHeight      []int32
	terrainHeight   []int32
	topRockHeight   []int32
	scheduledBlocks []ScheduledBlockUpdate
	scheduledLight  []LightUpdate
}

// NewColumnMeta returns empty metadata for the column passed. New metadata is
// dirty until it is persisted.
func NewColumnMeta(pos ColumnPos) *ColumnMeta {
	m := &ColumnMeta{
		pos:           pos,
		rainHeight:    make([]int32, chunk.Area),
		terrainHeight: make([]int32, chunk.Area),
		topRockHeight: make([]int32, chunk.Area),
	}
	m.version.Store(1)
	return m
}

// Pos returns the position of the column.
func (m *ColumnMeta) Pos() ColumnPos {
	return m.pos
}

// Pass returns the highest generation pass completed by the column.
func (m *ColumnMeta) Pass() Pass {
	return Pass(m.pass.Load())
}

// Advance raises the pass of the column to p. Passes never move backwards: it
// returns false and leaves the pass unchanged if p is lower than the current
// pass.
func (m *ColumnMeta) Advance(p Pass) bool {
	for {
		cur := m.pass.Load()
		if uint32(p) < cur {
			return false
		}
		if uint32(p) == cur {
			return true
		}
		if m.pass.CompareAndSwap(cur, uint32(p)) {
			m.version.Add(1)
			return true
		}
	}
}

// UnloadAge returns the remaining age of the column. A column is eligible for
// eviction once the age reaches the eviction floor.
func (m *ColumnMeta) UnloadAge() uint8 {
	return uint8(m.unloadAge.Load())
}

// Refresh resets the unload age of the column to age.
func (m *ColumnMeta) Refresh(age uint8) {
	m.unloadAge.Store(uint32(age))
}

// Age decrements the unload age of the column, stopping at floor, and returns
// the new age.
func (m *ColumnMeta) Age(floor uint8) uint8 {
	for {
		cur := m.unloadAge.Load()
		if cur <= uint32(floor) {
			return uint8(cur)
		}
		if m.unloadAge.CompareAndSwap(cur, cur-1) {
			return uint8(cur - 1)
		}
	}
}

func heightIndex(x, z uint8) int {
	return int(z)*chunk.Size + int(x)
}

// RainHeight returns the Y of the highest block that blocks rain in the
// column at the local x and z.
func (m *ColumnMeta) RainHeight(x, z uint8) int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rainHeight[heightIndex(x, z)]
}

// TerrainHeight returns the Y of the highest solid block placed by world
// generation at the local x and z.
func (m *ColumnMeta) TerrainHeight(x, z uint8) int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.terrainHeight[heightIndex(x, z)]
}

// TopRockHeight returns the Y of the top rock layer at the local x and z.
func (m *ColumnMeta) TopRockHeight(x, z uint8) int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.topRockHeight[heightIndex(x, z)]
}

// SetTopRockHeight sets the Y of the top rock layer at the local x and z.
func (m *ColumnMeta) SetTopRockHeight(x, z uint8, y int32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.topRockHeight[heightIndex(x, z)] != y {
		m.topRockHeight[heightIndex(x, z)] = y
		m.version.Add(1)
	}
}

// updateHeights adjusts the rain and terrain height maps after the block at
// local x and z and world y changed. lower is called to find the next block
// below y when the highest block was removed.
func (m *ColumnMeta) updateHeights(x, z uint8, y int32, solid bool, terrain bool, lower func(y int32) int32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := heightIndex(x, z)
	changed := false
	if solid {
		if y > m.rainHeight[i] {
			m.rainHeight[i], changed = y, true
		}
		if terrain && y > m.terrainHeight[i] {
			m.terrainHeight[i], changed = y, true
		}
	} else if y == m.rainHeight[i] && y > 0 {
		m.rainHeight[i], changed = lower(y), true
	}
	if changed {
		m.version.Add(1)
	}
}

// ScheduleBlockUpdate defers a block write until the column is resident.
func (m *ColumnMeta) ScheduleBlockUpdate(u ScheduledBlockUpdate) {
	m.mu.Lock()
	m.scheduledBlocks = append(m.scheduledBlocks, u)
	m.mu.Unlock()
	m.version.Add(1)
}

// ScheduleLightUpdate defers a light recompute until the column is resident.
func (m *ColumnMeta) ScheduleLightUpdate(u LightUpdate) {
	m.mu.Lock()
	m.scheduledLight = append(m.scheduledLight, u)
	m.mu.Unlock()
	m.version.Add(1)
}

// PendingUpdates returns the amount of scheduled block and light updates.
func (m *ColumnMeta) PendingUpdates() (blocks, light int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.scheduledBlocks), len(m.scheduledLight)
}

// takeScheduled removes and returns all scheduled updates.
func (m *ColumnMeta) takeScheduled() ([]ScheduledBlockUpdate, []LightUpdate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	blocks, light := m.scheduledBlocks, m.scheduledLight
	m.scheduledBlocks, m.scheduledLight = nil, nil
	if len(blocks) > 0 || len(light) > 0 {
		m.version.Add(1)
	}
	return blocks, light
}

// Dirty reports if the metadata changed since it was last persisted.
func (m *ColumnMeta) Dirty() bool {
	return m.version.Load() != m.saved.Load()
}

// ClearDirty records that the metadata at version v was persisted.
func (m *ColumnMeta) ClearDirty(v uint64) {
	for {
		cur := m.saved.Load()
		if v <= cur || m.saved.CompareAndSwap(cur, v) {
			return
		}
	}
}

// clone returns a copy of the metadata that does not share any state.
func (m *ColumnMeta) clone() *ColumnMeta {
	c := &ColumnMeta{pos: m.pos}
	c.pass.Store(m.pass.Load())
	c.unloadAge.Store(m.unloadAge.Load())
	c.version.Store(m.version.Load())
	c.saved.Store(m.saved.Load())
	m.mu.Lock()
	defer m.mu.Unlock()
	c.rainHeight = slices.Clone(m.rainHeight)
	c.terrainHeight = slices.Clone(m.terrainHeight)
	c.topRockHeight = slices.Clone(m.topRockHeight)
	c.scheduledBlocks = slices.Clone(m.scheduledBlocks)
	c.scheduledLight = slices.Clone(m.scheduledLight)
	return c
}

type columnMetaData struct {
	Version         int32                `nbt:"Version"`
	Pass            byte                 `nbt:"Pass"`
	RainHeight      []int32              `nbt:"RainHeight"`
	TerrainHeight   []int32              `nbt:"TerrainHeight"`
	TopRockHeight   []int32              `nbt:"TopRockHeight"`
	ScheduledBlocks []scheduledBlockData `nbt:"ScheduledBlocks"`
	ScheduledLight  []scheduledLightData `nbt:"ScheduledLight"`
}

type scheduledBlockData struct {
	X     int32 `nbt:"X"`
	Y     int32 `nbt:"Y"`
	Z     int32 `nbt:"Z"`
	Block int32 `nbt:"Block"`
	Layer byte  `nbt:"Layer"`
}

type scheduledLightData struct {
	X   int32 `nbt:"X"`
	Y   int32 `nbt:"Y"`
	Z   int32 `nbt:"Z"`
	Old int32 `nbt:"Old"`
	New int32 `nbt:"New"`
}

const columnMetaVersion = 1

// Encode serialises the metadata as little endian NBT. The version of the
// metadata at the time of encoding is returned alongside.
func (m *ColumnMeta) Encode() ([]byte, uint64, error) {
	m.mu.Lock()
	data := columnMetaData{
		Version:         columnMetaVersion,
		Pass:            byte(m.Pass()),
		RainHeight:      slices.Clone(m.rainHeight),
		TerrainHeight:   slices.Clone(m.terrainHeight),
		TopRockHeight:   slices.Clone(m.topRockHeight),
		ScheduledBlocks: make([]scheduledBlockData, 0, len(m.scheduledBlocks)),
		ScheduledLight:  make([]scheduledLightData, 0, len(m.scheduledLight)),
	}
	for _, u := range m.scheduledBlocks {
		data.ScheduledBlocks = append(data.ScheduledBlocks, scheduledBlockData{
			X: int32(u.Pos.X), Y: int32(u.Pos.Y), Z: int32(u.Pos.Z), Block: int32(u.Block), Layer: byte(u.Layer),
		})
	}
	for _, u := range m.scheduledLight {
		data.ScheduledLight = append(data.ScheduledLight, scheduledLightData{
			X: int32(u.Pos.X), Y: int32(u.Pos.Y), Z: int32(u.Pos.Z), Old: int32(u.Old), New: int32(u.New),
		})
	}
	v := m.version.Load()
	m.mu.Unlock()

	b, err := nbt.MarshalEncoding(data, nbt.LittleEndian)
	if err != nil {
		return nil, 0, fmt.Errorf("encode column meta %v: %w", m.pos, err)
	}
	return b, v, nil
}

// DecodeColumnMeta parses metadata produced by ColumnMeta.Encode. The
// returned metadata is not dirty.
func DecodeColumnMeta(pos ColumnPos, b []byte) (*ColumnMeta, error) {
	var data columnMetaData
	if err := nbt.UnmarshalEncoding(b, &data, nbt.LittleEndian); err != nil {
		return nil, fmt.Errorf("decode column meta %v: %w", pos, err)
	}
	if data.Version != columnMetaVersion {
		return nil, fmt.Errorf("decode column meta %v: unsupported version %d", pos, data.Version)
	}
	if !Pass(data.Pass).Valid() {
		return nil, fmt.Errorf("decode column meta %v: unknown pass %d", pos, data.Pass)
	}
	m := NewColumnMeta(pos)
	m.pass.Store(uint32(data.Pass))
	copy(m.rainHeight, data.RainHeight)
	copy(m.terrainHeight, data.TerrainHeight)
	copy(m.topRockHeight, data.TopRockHeight)
	for _, u := range data.ScheduledBlocks {
		m.scheduledBlocks = append(m.scheduledBlocks, ScheduledBlockUpdate{
			Pos:   BlockPos{X: int(u.X), Y: int(u.Y), Z: int(u.Z), Dim: pos.Dim},
			Block: chunk.BlockID(uint32(u.Block)),
			Layer: chunk.Layer(u.Layer),
		})
	}
	for _, u := range data.ScheduledLight {
		m.scheduledLight = append(m.scheduledLight, LightUpdate{
			Pos: BlockPos{X: int(u.X), Y: int(u.Y), Z: int(u.Z), Dim: pos.Dim},
			Old: chunk.BlockID(uint32(u.Old)),
			New: chunk.BlockID(uint32(u.New)),
		})
	}
	m.saved.Store(m.version.Load())
	return m, nil
}
