package store

import "errors"

// ErrDuplicate is returned when a uniqueness constraint rejects an insert:
// CreateTask returns it for a repeated (runID, language, exercise). Callers
// re-attempting their own write should treat this as idempotent success.
// AppendStep does not return it; a repeated (benchmarkID, stepNumber) is a
// silent no-op there.
var ErrDuplicate = errors.New("store: duplicate row")

// ErrNotFound is returned when a lookup finds no matching row.
var ErrNotFound = errors.New("store: not found")
