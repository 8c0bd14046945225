package server

import (
	"cmp"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/df-mc/chunkd/server/world"
	"github.com/pelletier/go-toml"
)

// ErrInvalidColumn is returned when a column could not be parsed or is outside
// the range of the world.
var ErrInvalidColumn = errors.New("invalid column")

// PinnedColumns is a list of columns that are kept loaded regardless of
// clients. Entries are persisted in a TOML file.
type PinnedColumns struct {
	mu       sync.RWMutex
	cols     map[uint64]world.ColumnPos
	filePath string
}

type pinnedFile struct {
	Columns []string `toml:"columns"`
}

// LoadPinned loads the pinned columns stored in the file at the path passed.
// If the file does not exist yet, it is created with an empty list.
func LoadPinned(path string) (*PinnedColumns, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("pinned columns path must not be empty")
	}
	p := &PinnedColumns{cols: make(map[uint64]world.ColumnPos), filePath: path}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.reloadLocked(); err != nil {
		return nil, err
	}
	return p, nil
}

// Add pins pos. The returned bool indicates if the column was newly added.
func (p *PinnedColumns) Add(pos world.ColumnPos) (bool, error) {
	if !pos.Valid() {
		return false, fmt.Errorf("pin %v: %w", pos, ErrInvalidColumn)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := pos.Index()
	if _, ok := p.cols[idx]; ok {
		return false, nil
	}
	p.cols[idx] = pos
	if err := p.writeLocked(); err != nil {
		delete(p.cols, idx)
		return false, err
	}
	return true, nil
}

// Remove unpins pos. The returned bool indicates if the column was pinned
// before the call.
func (p *PinnedColumns) Remove(pos world.ColumnPos) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := pos.Index()
	if _, ok := p.cols[idx]; !ok {
		return false, nil
	}
	delete(p.cols, idx)
	if err := p.writeLocked(); err != nil {
		p.cols[idx] = pos
		return false, err
	}
	return true, nil
}

// Columns returns the pinned columns sorted by dimension, X and Z.
func (p *PinnedColumns) Columns() []world.ColumnPos {
	if p == nil {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sortedLocked()
}

func (p *PinnedColumns) sortedLocked() []world.ColumnPos {
	cols := make([]world.ColumnPos, 0, len(p.cols))
	for _, pos := range p.cols {
		cols = append(cols, pos)
	}
	slices.SortFunc(cols, func(a, b world.ColumnPos) int {
		return cmp.Or(cmp.Compare(a.Dim, b.Dim), cmp.Compare(a.X, b.X), cmp.Compare(a.Z, b.Z))
	})
	return cols
}

func (p *PinnedColumns) reloadLocked() error {
	data := pinnedFile{}
	contents, err := os.ReadFile(p.filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			p.cols = make(map[uint64]world.ColumnPos)
			return p.writeLocked()
		}
		return fmt.Errorf("read pinned columns: %w", err)
	}
	if len(contents) != 0 {
		if err := toml.Unmarshal(contents, &data); err != nil {
			return fmt.Errorf("decode pinned columns: %w", err)
		}
	}
	p.cols = make(map[uint64]world.ColumnPos, len(data.Columns))
	for _, s := range data.Columns {
		if strings.TrimSpace(s) == "" {
			continue
		}
		pos, err := ParseColumnPos(s)
		if err != nil {
			return fmt.Errorf("decode pinned columns: %w", err)
		}
		p.cols[pos.Index()] = pos
	}
	return nil
}

func (p *PinnedColumns) writeLocked() error {
	dir := filepath.Dir(p.filePath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0777); err != nil {
			return fmt.Errorf("create pinned columns directory: %w", err)
		}
	}
	cols := p.sortedLocked()
	data := pinnedFile{Columns: make([]string, len(cols))}
	for i, pos := range cols {
		data.Columns[i] = FormatColumnPos(pos)
	}
	encoded, err := toml.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode pinned columns: %w", err)
	}
	if err := os.WriteFile(p.filePath, encoded, 0644); err != nil {
		return fmt.Errorf("write pinned columns: %w", err)
	}
	return nil
}

// ParseColumnPos parses a column written as "x,z" or "x,z,dim". Whitespace
// around the components is ignored.
func ParseColumnPos(s string) (world.ColumnPos, error) {
	parts := strings.Split(s, ",")
	if len(parts) < 2 || len(parts) > 3 {
		return world.ColumnPos{}, fmt.Errorf("%w %q: expected x,z[,dim]", ErrInvalidColumn, s)
	}
	var v [3]int32
	for i, part := range parts {
		n, err := strconv.ParseInt(strings.TrimSpace(part), 10, 32)
		if err != nil {
			return world.ColumnPos{}, fmt.Errorf("%w %q: %v", ErrInvalidColumn, s, err)
		}
		v[i] = int32(n)
	}
	pos := world.ColumnPos{X: v[0], Z: v[1], Dim: v[2]}
	if !pos.Valid() {
		return world.ColumnPos{}, fmt.Errorf("%w %q: out of range", ErrInvalidColumn, s)
	}
	return pos, nil
}

// FormatColumnPos formats pos so that it can be parsed by ParseColumnPos.
func FormatColumnPos(pos world.ColumnPos) string {
	if pos.Dim == 0 {
		return fmt.Sprintf("%d,%d", pos.X, pos.Z)
	}
	return fmt.Sprintf("%d,%d,%d", pos.X, pos.Z, pos.Dim)
}
