package chunk

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

var (
	encoder = sync.OnceValue(func() *zstd.Encoder {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			panic(fmt.Sprintf("chunk: create zstd encoder: %v", err))
		}
		return enc
	})
	decoder = sync.OnceValue(func() *zstd.Decoder {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			panic(fmt.Sprintf("chunk: create zstd decoder: %v", err))
		}
		return dec
	})
)

// errMalformed is returned when a raw block array cannot be parsed.
var errMalformed = errors.New("malformed block data")

// Packed reports if the block array of the chunk is currently compressed.
func (c *Chunk) Packed() bool {
	return c.isPacked.Load()
}

// Pack compresses the block array of the chunk. Metadata, entities and the
// dirty state are left untouched. Packing a packed chunk is a no-op.
func (c *Chunk) Pack() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isPacked.Load() {
		return nil
	}
	raw := c.rawLocked()
	c.packed = encoder().EncodeAll(raw, make([]byte, 0, len(raw)/32))
	c.layers = [layerCount][]BlockID{}
	c.isPacked.Store(true)
	return nil
}

// Unpack decompresses the block array of the chunk if it is packed. It is
// idempotent and safe for concurrent use: concurrent callers wait for a
// single decompression.
func (c *Chunk) Unpack() error {
	if !c.isPacked.Load() {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unpackLocked()
}

func (c *Chunk) unpackLocked() error {
	if !c.isPacked.Load() {
		return nil
	}
	raw, err := decoder().DecodeAll(c.packed, nil)
	if err != nil {
		return fmt.Errorf("unpack chunk: %w", err)
	}
	layers, err := parseRaw(raw)
	if err != nil {
		return fmt.Errorf("unpack chunk: %w", err)
	}
	c.layers = layers
	c.packed = nil
	c.isPacked.Store(false)
	return nil
}

// MemoryFootprint estimates the amount of bytes used by the block array.
func (c *Chunk) MemoryFootprint() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.isPacked.Load() {
		return len(c.packed)
	}
	n := 0
	for _, l := range c.layers {
		n += len(l) * 4
	}
	return n
}

// rawLocked serialises the layers of the chunk: a layer mask byte followed by
// every present layer as little endian uint32s.
func (c *Chunk) rawLocked() []byte {
	var mask byte
	n := 1
	for i, l := range c.layers {
		if l != nil {
			mask |= 1 << i
			n += Volume * 4
		}
	}
	raw := make([]byte, 1, n)
	raw[0] = mask
	for _, l := range c.layers {
		if l == nil {
			continue
		}
		for _, b := range l {
			raw = binary.LittleEndian.AppendUint32(raw, uint32(b))
		}
	}
	return raw
}

func parseRaw(raw []byte) ([layerCount][]BlockID, error) {
	var layers [layerCount][]BlockID
	if len(raw) < 1 {
		return layers, errMalformed
	}
	mask, raw := raw[0], raw[1:]
	for i := range layers {
		if mask&(1<<i) == 0 {
			continue
		}
		if len(raw) < Volume*4 {
			return layers, errMalformed
		}
		l := make([]BlockID, Volume)
		for j := range l {
			l[j] = BlockID(binary.LittleEndian.Uint32(raw[j*4:]))
		}
		layers[i] = l
		raw = raw[Volume*4:]
	}
	if layers[LayerSolid] == nil {
		layers[LayerSolid] = make([]BlockID, Volume)
	}
	return layers, nil
}

// Clone returns a deep copy of the block array of the chunk. Entities and
// block entities are not copied. The clone has the same packed state and
// version as c, and is not dirty if c is not.
func (c *Chunk) Clone() *Chunk {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cl := &Chunk{blockEntities: make(map[Pos]UnloadHook)}
	if c.isPacked.Load() {
		cl.packed = append([]byte(nil), c.packed...)
		cl.isPacked.Store(true)
	} else {
		for i, l := range c.layers {
			if l != nil {
				cl.layers[i] = append([]BlockID(nil), l...)
			}
		}
	}
	cl.version.Store(c.version.Load())
	cl.saved.Store(c.saved.Load())
	cl.lastTouched.Store(c.lastTouched.Load())
	return cl
}
