package chunk

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

const (
	encodingVersion = 1
	headerSize      = 1 + 8
)

// ErrChecksum is returned by Decode if the payload does not match the
// checksum stored in its header.
var ErrChecksum = errors.New("chunk payload checksum mismatch")

// Encode serialises the block array of the chunk for storage. The version of
// the chunk at the time of encoding is returned so that the caller can clear
// the dirty state once the payload is persisted. A packed chunk is encoded
// without being unpacked.
func (c *Chunk) Encode() ([]byte, uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var payload []byte
	if c.isPacked.Load() {
		payload = c.packed
	} else {
		raw := c.rawLocked()
		payload = encoder().EncodeAll(raw, make([]byte, 0, len(raw)/32))
	}
	buf := make([]byte, headerSize, headerSize+len(payload))
	buf[0] = encodingVersion
	binary.LittleEndian.PutUint64(buf[1:], xxhash.Sum64(payload))
	return append(buf, payload...), c.version.Load()
}

// Decode parses a payload produced by Encode. The chunk returned is unpacked
// and not dirty.
func Decode(data []byte) (*Chunk, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("decode chunk: payload too short (%d bytes)", len(data))
	}
	if data[0] != encodingVersion {
		return nil, fmt.Errorf("decode chunk: unsupported encoding version %d", data[0])
	}
	payload := data[headerSize:]
	if xxhash.Sum64(payload) != binary.LittleEndian.Uint64(data[1:]) {
		return nil, ErrChecksum
	}
	c := &Chunk{blockEntities: make(map[Pos]UnloadHook)}
	c.packed = append([]byte(nil), payload...)
	c.isPacked.Store(true)
	if err := c.Unpack(); err != nil {
		return nil, fmt.Errorf("decode chunk: %w", err)
	}
	c.version.Store(1)
	c.saved.Store(1)
	return c, nil
}
