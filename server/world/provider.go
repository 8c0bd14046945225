package world

import "errors"

// ErrNotFound is returned by a Provider if no data is stored for a position.
var ErrNotFound = errors.New("not found in provider")

// ChunkBlob is the encoded data of one chunk, as passed to Provider.StoreChunks.
type ChunkBlob struct {
	Pos  ChunkPos
	Data []byte
}

// ColumnBlob is the encoded metadata of one column, as passed to
// Provider.StoreColumns.
type ColumnBlob struct {
	Pos  ColumnPos
	Data []byte
}

// Provider is the durable storage of a World. Implementations store opaque
// byte blobs keyed by position and must be safe for concurrent use. Reads of
// positions that were never stored return ErrNotFound.
type Provider interface {
	// ChunkBytes returns the data stored for the chunk at pos.
	ChunkBytes(pos ChunkPos) ([]byte, error)
	// StoreChunks stores a batch of chunks. Either the whole batch is stored
	// or an error is returned.
	StoreChunks(batch []ChunkBlob) error
	// ColumnBytes returns the metadata stored for the column at pos.
	ColumnBytes(pos ColumnPos) ([]byte, error)
	// StoreColumns stores a batch of column metadata.
	StoreColumns(batch []ColumnBlob) error
	// Close closes the provider. It is called once when the World closes.
	Close() error
}

// NopProvider implements a Provider that does not store anything. Every read
// returns ErrNotFound.
type NopProvider struct{}

// Compile time check to make sure NopProvider implements Provider.
var _ Provider = NopProvider{}

func (NopProvider) ChunkBytes(ChunkPos) ([]byte, error)   { return nil, ErrNotFound }
func (NopProvider) StoreChunks([]ChunkBlob) error         { return nil }
func (NopProvider) ColumnBytes(ColumnPos) ([]byte, error) { return nil, ErrNotFound }
func (NopProvider) StoreColumns([]ColumnBlob) error       { return nil }
func (NopProvider) Close() error                          { return nil }
