package chunk

import (
	"sync"
	"sync/atomic"
)

const (
	// Size is the edge length of a chunk in blocks.
	Size = 32
	// Area is the amount of block columns in a chunk.
	Area = Size * Size
	// Volume is the amount of blocks held by a single layer of a chunk.
	Volume = Size * Size * Size
)

// BlockID is the runtime ID of a block. The zero value is air.
type BlockID uint32

// Air is the runtime ID of air, returned for every block that was never set.
const Air BlockID = 0

// Layer identifies one of the block layers of a chunk.
type Layer uint8

const (
	// LayerSolid holds the regular blocks of a chunk.
	LayerSolid Layer = iota
	// LayerFluid holds fluids that share a position with a solid block.
	LayerFluid
	layerCount
)

// Pos is a position local to a chunk, each component in the range [0, Size).
type Pos [3]uint8

// UnloadHook is implemented by entities and block entities attached to a
// chunk. BeforeUnload is called once right before the chunk is released from
// memory, so that the owner can persist or despawn it.
type UnloadHook interface {
	BeforeUnload()
}

// Chunk is a cube of Size³ blocks with up to two layers. The block array may
// be packed into a compressed representation to save memory, in which case it
// is unpacked transparently on the next access.
type Chunk struct {
	mu     sync.RWMutex
	layers [layerCount][]BlockID
	packed []byte

	isPacked    atomic.Bool
	version     atomic.Uint64
	saved       atomic.Uint64
	lastTouched atomic.Int64

	entMu         sync.Mutex
	entities      []UnloadHook
	blockEntities map[Pos]UnloadHook
}

// New returns a new chunk filled with air. A new chunk counts as modified, so
// it is written to storage when evicted.
func New() *Chunk {
	c := &Chunk{blockEntities: make(map[Pos]UnloadHook)}
	c.layers[LayerSolid] = make([]BlockID, Volume)
	c.version.Store(1)
	return c
}

func index(x, y, z uint8) int {
	return (int(y)*Size+int(z))*Size + int(x)
}

// Block returns the block at the local position on the layer passed. Packed
// chunks are unpacked first.
func (c *Chunk) Block(x, y, z uint8, layer Layer) BlockID {
	if x >= Size || y >= Size || z >= Size || layer >= layerCount {
		return Air
	}
	for {
		c.mu.RLock()
		if c.isPacked.Load() {
			c.mu.RUnlock()
			if err := c.Unpack(); err != nil {
				return Air
			}
			continue
		}
		l := c.layers[layer]
		var b BlockID
		if l != nil {
			b = l[index(x, y, z)]
		}
		c.mu.RUnlock()
		return b
	}
}

// SetBlock sets the block at the local position on the layer passed and
// returns the block that was there before.
func (c *Chunk) SetBlock(x, y, z uint8, layer Layer, b BlockID) BlockID {
	if x >= Size || y >= Size || z >= Size || layer >= layerCount {
		return Air
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.unpackLocked(); err != nil {
		return Air
	}
	l := c.layers[layer]
	if l == nil {
		if b == Air {
			return Air
		}
		l = make([]BlockID, Volume)
		c.layers[layer] = l
	}
	i := index(x, y, z)
	old := l[i]
	if old == b {
		return old
	}
	l[i] = b
	c.version.Add(1)
	return old
}

// Empty reports if every layer of the chunk holds only air.
func (c *Chunk) Empty() bool {
	if err := c.Unpack(); err != nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, l := range c.layers {
		for _, b := range l {
			if b != Air {
				return false
			}
		}
	}
	return true
}

// Dirty reports if the chunk was modified since it was last confirmed as
// persisted.
func (c *Chunk) Dirty() bool {
	return c.version.Load() != c.saved.Load()
}

// MarkDirty flags the chunk as modified without changing any block.
func (c *Chunk) MarkDirty() {
	c.version.Add(1)
}

// Version returns the modification counter of the chunk.
func (c *Chunk) Version() uint64 {
	return c.version.Load()
}

// ClearDirty records that the chunk contents at version v were persisted. If
// the chunk was modified after v was taken, it remains dirty.
func (c *Chunk) ClearDirty(v uint64) {
	for {
		cur := c.saved.Load()
		if v <= cur {
			return
		}
		if c.saved.CompareAndSwap(cur, v) {
			return
		}
	}
}

// Touch records the tick at which the chunk was last accessed.
func (c *Chunk) Touch(tick int64) {
	if c.lastTouched.Load() < tick {
		c.lastTouched.Store(tick)
	}
}

// LastTouched returns the tick passed to the most recent Touch call.
func (c *Chunk) LastTouched() int64 {
	return c.lastTouched.Load()
}

// AddEntity attaches an entity to the chunk.
func (c *Chunk) AddEntity(e UnloadHook) {
	c.entMu.Lock()
	c.entities = append(c.entities, e)
	c.entMu.Unlock()
}

// Entities returns a copy of the entities attached to the chunk.
func (c *Chunk) Entities() []UnloadHook {
	c.entMu.Lock()
	defer c.entMu.Unlock()
	return append([]UnloadHook(nil), c.entities...)
}

// SetBlockEntity attaches a block entity at the local position passed. A nil
// block entity removes the one present.
func (c *Chunk) SetBlockEntity(pos Pos, be UnloadHook) {
	c.entMu.Lock()
	defer c.entMu.Unlock()
	if be == nil {
		delete(c.blockEntities, pos)
		return
	}
	if c.blockEntities == nil {
		c.blockEntities = make(map[Pos]UnloadHook)
	}
	c.blockEntities[pos] = be
}

// BlockEntity returns the block entity at the local position, if any.
func (c *Chunk) BlockEntity(pos Pos) (UnloadHook, bool) {
	c.entMu.Lock()
	defer c.entMu.Unlock()
	be, ok := c.blockEntities[pos]
	return be, ok
}

// BlockEntityCount returns the amount of block entities in the chunk.
func (c *Chunk) BlockEntityCount() int {
	c.entMu.Lock()
	defer c.entMu.Unlock()
	return len(c.blockEntities)
}

// BeforeUnload runs the unload hook of every entity and block entity in the
// chunk and detaches them. It returns the amount of entities and block
// entities released.
func (c *Chunk) BeforeUnload() (entities, blockEntities int) {
	c.entMu.Lock()
	ents, bes := c.entities, c.blockEntities
	c.entities, c.blockEntities = nil, make(map[Pos]UnloadHook)
	c.entMu.Unlock()

	for _, e := range ents {
		e.BeforeUnload()
	}
	for _, be := range bes {
		be.BeforeUnload()
	}
	return len(ents), len(bes)
}
