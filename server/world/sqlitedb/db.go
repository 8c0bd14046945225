// Package sqlitedb implements a world.Provider that stores columns in a single
// SQLite database file.
package sqlitedb

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/df-mc/chunkd/server/world"
	_ "modernc.org/sqlite"
)

// DB implements a world.Provider backed by SQLite. Writes are serialised over
// a single connection.
type DB struct {
	db *sql.DB
}

// Compile time check to make sure DB implements world.Provider.
var _ world.Provider = (*DB)(nil)

// Open opens the database at path, creating it and its parent directory if
// needed.
func Open(path string) (*DB, error) {
	if path == "" {
		return nil, errors.New("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init pragmas: %w", err)
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &DB{db: db}, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chunks (
			idx INTEGER PRIMARY KEY,
			data BLOB NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS columns (
			idx INTEGER PRIMARY KEY,
			data BLOB NOT NULL
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// ChunkBytes ...
func (s *DB) ChunkBytes(pos world.ChunkPos) ([]byte, error) {
	return s.get(`SELECT data FROM chunks WHERE idx = ?`, pos.Index())
}

// ColumnBytes ...
func (s *DB) ColumnBytes(pos world.ColumnPos) ([]byte, error) {
	return s.get(`SELECT data FROM columns WHERE idx = ?`, pos.Index())
}

func (s *DB) get(query string, idx uint64) ([]byte, error) {
	var data []byte
	// Indices use all 64 bits, which SQLite stores as a signed integer.
	err := s.db.QueryRow(query, int64(idx)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, world.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read %x: %w", idx, err)
	}
	return data, nil
}

// StoreChunks stores the batch in one transaction.
func (s *DB) StoreChunks(batch []world.ChunkBlob) error {
	if len(batch) == 0 {
		return nil
	}
	return s.upsert(`INSERT INTO chunks(idx, data) VALUES(?, ?)
		ON CONFLICT(idx) DO UPDATE SET data = excluded.data`, len(batch), func(i int) (uint64, []byte) {
		return batch[i].Pos.Index(), batch[i].Data
	})
}

// StoreColumns stores the batch in one transaction.
func (s *DB) StoreColumns(batch []world.ColumnBlob) error {
	if len(batch) == 0 {
		return nil
	}
	return s.upsert(`INSERT INTO columns(idx, data) VALUES(?, ?)
		ON CONFLICT(idx) DO UPDATE SET data = excluded.data`, len(batch), func(i int) (uint64, []byte) {
		return batch[i].Pos.Index(), batch[i].Data
	})
}

func (s *DB) upsert(query string, n int, row func(i int) (uint64, []byte)) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(query)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()
	for i := range n {
		idx, data := row(i)
		if _, err := stmt.Exec(int64(idx), data); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("store %x: %w", idx, err)
		}
	}
	return tx.Commit()
}

// ColumnCount returns the amount of columns that have metadata stored.
func (s *DB) ColumnCount() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM columns`).Scan(&n)
	return n, err
}

// Close closes the database.
func (s *DB) Close() error {
	return s.db.Close()
}
