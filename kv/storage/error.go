package storage

import (
	"fmt"

	"github.com/pingcap/errors"
)

// ErrBranchNotFound is returned for operations on a branch the store has no metadata for.
var ErrBranchNotFound = errors.New("branch not found")

// Error wraps a backend failure so callers see one error type regardless of the engine underneath.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap turns a backend error into a *Error, nil stays nil.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return errors.WithStack(&Error{Op: op, Err: err})
}

// IsStorageError reports whether err carries a backend failure.
func IsStorageError(err error) bool {
	_, ok := errors.Cause(err).(*Error)
	return ok
}
