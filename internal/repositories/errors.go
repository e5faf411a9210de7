package repositories

import "errors"

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrStateConflict is returned when a compare-and-swap status update
	// matched the row but not its expected state. The operation had no effect.
	ErrStateConflict = errors.New("state conflict")

	// ErrDuplicate is returned when an insert hits a unique index. Callers
	// that retransmit (result batches) treat it as idempotent success.
	ErrDuplicate = errors.New("duplicate record")
)
