package rollout

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned when a rollout file does not exist.
	ErrNotFound = errors.New("rollout not found")

	// ErrCorrupt is returned when a rollout file cannot be trusted. Corrupt
	// records are reported, never repaired.
	ErrCorrupt = errors.New("rollout corrupt")

	// ErrExists is returned when a new record would overwrite an existing file.
	ErrExists = errors.New("rollout already exists")

	// ErrClosed is returned by a Writer after Close.
	ErrClosed = errors.New("rollout writer closed")
)

// ConstraintError is a caller input that violates a record invariant, such as
// a fork index out of range or a non-contiguous turn index.
type ConstraintError struct {
	Op      string
	Message string
}

func (e *ConstraintError) Error() string {
	return fmt.Sprintf("rollout %s: %s", e.Op, e.Message)
}

func corruptf(path string, lineNo int, format string, args ...any) error {
	return errors.Wrapf(ErrCorrupt, "%s: line %d: %s", path, lineNo, fmt.Sprintf(format, args...))
}
