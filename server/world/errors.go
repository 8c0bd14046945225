package world

import "errors"

var (
	// ErrClosed is returned by operations on a World that was closed.
	ErrClosed = errors.New("world closed")
	// ErrOutOfRange is returned for positions that cannot be indexed or lie
	// outside the height of a column.
	ErrOutOfRange = errors.New("position out of range")
	// ErrNotResident is returned by writes to columns that are not loaded.
	ErrNotResident = errors.New("column not resident")
	// ErrInvariant is the error logged for violations of the queue and
	// resident table bookkeeping. A World halts eviction and promotion after
	// such a violation.
	ErrInvariant = errors.New("world invariant violated")
)
