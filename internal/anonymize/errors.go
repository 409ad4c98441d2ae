package anonymize

import (
	"errors"
	"fmt"
)

// Sentinel errors for technique invocation failures. Registry results carry
// the matching ErrorKind so callers can tell configuration mistakes apart
// from data that a technique could not handle.
var (
	ErrTechniqueNotFound = errors.New("technique not found")
	ErrInvalidParameters = errors.New("invalid parameters")
	ErrTransformFailure  = errors.New("transform failure")
)

// ErrorKind classifies a failed Result
type ErrorKind string

const (
	KindTechniqueNotFound ErrorKind = "TechniqueNotFound"
	KindInvalidParameters ErrorKind = "InvalidParameters"
	KindTransformFailure  ErrorKind = "TransformFailure"
)

// Error is a technique failure rebuilt from a Result
type Error struct {
	Kind        ErrorKind
	TechniqueID string
	Message     string
}

func (e *Error) Error() string {
	return fmt.Sprintf("technique %s: %s", e.TechniqueID, e.Message)
}

func (e *Error) Unwrap() error {
	switch e.Kind {
	case KindTechniqueNotFound:
		return ErrTechniqueNotFound
	case KindInvalidParameters:
		return ErrInvalidParameters
	default:
		return ErrTransformFailure
	}
}

// kindOf maps an error returned by a technique to its ErrorKind
func kindOf(err error) ErrorKind {
	switch {
	case errors.Is(err, ErrTechniqueNotFound):
		return KindTechniqueNotFound
	case errors.Is(err, ErrInvalidParameters):
		return KindInvalidParameters
	default:
		return KindTransformFailure
	}
}

func invalidParam(name string, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalidParameters, name, fmt.Sprintf(format, args...))
}
