// Package mcdb implements a world.Provider that stores columns in a LevelDB
// database.
package mcdb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/df-mc/chunkd/server/world"
	"github.com/df-mc/goleveldb/leveldb"
	"github.com/df-mc/goleveldb/leveldb/opt"
	"github.com/df-mc/goleveldb/leveldb/util"
)

// Key tags. Every key is a tag byte followed by the big-endian index of the
// position, so that the keys of one kind are stored next to each other.
const (
	keyChunk  = 'c'
	keyColumn = 'm'
)

// Config holds the settings of a DB.
type Config struct {
	// Log is the Logger used by the DB. If nil, slog.Default() is used.
	Log *slog.Logger
	// ReadOnly opens the database without write access. Stores fail with an
	// error.
	ReadOnly bool
	// LDBOptions are the options passed to LevelDB. Compression and block size
	// are always overwritten.
	LDBOptions *opt.Options
}

// DB implements a world.Provider backed by LevelDB.
type DB struct {
	conf Config
	ldb  *leveldb.DB
	dir  string
}

// Compile time check to make sure DB implements world.Provider.
var _ world.Provider = (*DB)(nil)

// Open creates a new DB reading and writing from/to the directory passed. The
// directory is created if it does not yet exist.
func Open(dir string) (*DB, error) {
	var conf Config
	return conf.Open(dir)
}

// Open creates a new DB in the directory passed using the Config conf.
func (conf Config) Open(dir string) (*DB, error) {
	if conf.Log == nil {
		conf.Log = slog.Default()
	}
	conf.Log = conf.Log.With("provider", "leveldb")
	if conf.LDBOptions == nil {
		conf.LDBOptions = new(opt.Options)
	}
	conf.LDBOptions.Compression = opt.FlateCompression
	conf.LDBOptions.BlockSize = 16 * opt.KiB
	conf.LDBOptions.ReadOnly = conf.ReadOnly

	if !conf.ReadOnly {
		if err := os.MkdirAll(dir, 0o777); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	ldb, err := leveldb.OpenFile(dir, conf.LDBOptions)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db := &DB{conf: conf, ldb: ldb, dir: dir}
	conf.Log.Debug("Opened database.", "dir", dir, "read-only", conf.ReadOnly)
	return db, nil
}

// ChunkBytes ...
func (db *DB) ChunkBytes(pos world.ChunkPos) ([]byte, error) {
	return db.get(key(keyChunk, pos.Index()))
}

// ColumnBytes ...
func (db *DB) ColumnBytes(pos world.ColumnPos) ([]byte, error) {
	return db.get(key(keyColumn, pos.Index()))
}

func (db *DB) get(k []byte) ([]byte, error) {
	data, err := db.ldb.Get(k, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, world.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read %x: %w", k, err)
	}
	return data, nil
}

// StoreChunks writes the batch passed in a single LevelDB batch, so that
// either all chunks are stored or none are.
func (db *DB) StoreChunks(batch []world.ChunkBlob) error {
	b := new(leveldb.Batch)
	for _, blob := range batch {
		b.Put(key(keyChunk, blob.Pos.Index()), blob.Data)
	}
	return db.write(b)
}

// StoreColumns ...
func (db *DB) StoreColumns(batch []world.ColumnBlob) error {
	b := new(leveldb.Batch)
	for _, blob := range batch {
		b.Put(key(keyColumn, blob.Pos.Index()), blob.Data)
	}
	return db.write(b)
}

func (db *DB) write(b *leveldb.Batch) error {
	if b.Len() == 0 {
		return nil
	}
	if db.conf.ReadOnly {
		return errors.New("write to read-only database")
	}
	if err := db.ldb.Write(b, nil); err != nil {
		return fmt.Errorf("write batch of %v: %w", b.Len(), err)
	}
	return nil
}

// Columns calls fn for every column that has metadata stored, until fn
// returns false.
func (db *DB) Columns(fn func(pos world.ColumnPos) bool) error {
	it := db.ldb.NewIterator(util.BytesPrefix([]byte{keyColumn}), nil)
	defer it.Release()
	for it.Next() {
		k := it.Key()
		if len(k) != 9 {
			continue
		}
		if !fn(world.ColumnFromIndex(binary.BigEndian.Uint64(k[1:]))) {
			break
		}
	}
	return it.Error()
}

// Close closes the database.
func (db *DB) Close() error {
	db.conf.Log.Debug("Closing database.", "dir", db.dir)
	return db.ldb.Close()
}

func key(tag byte, idx uint64) []byte {
	k := make([]byte, 9)
	k[0] = tag
	binary.BigEndian.PutUint64(k[1:], idx)
	return k
}
