package util

import (
	"fmt"

	"github.com/pingcap/errors"
)

var (
	// ErrInvalidArgument is the cause of every precondition violation at an API boundary.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrUnknownEnumLiteral signals an exhaustive switch met a value it does not know.
	ErrUnknownEnumLiteral = errors.New("unknown enum literal")
)

// InvalidArgument returns ErrInvalidArgument annotated with a description. errors.Cause of the result is
// ErrInvalidArgument.
func InvalidArgument(format string, args ...interface{}) error {
	return errors.Annotatef(ErrInvalidArgument, format, args...)
}

// UnknownEnumLiteral panics, it is only reachable through a logic or versioning bug.
func UnknownEnumLiteral(kind string, literal interface{}) {
	panic(errors.Annotate(ErrUnknownEnumLiteral, fmt.Sprintf("%s %v", kind, literal)))
}

// IsInvalidArgument reports whether err was caused by a precondition violation.
func IsInvalidArgument(err error) bool {
	return errors.Cause(err) == ErrInvalidArgument
}
