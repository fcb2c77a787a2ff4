package sim

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedRecord marks a cloud row that could not be parsed. Such rows
	// are dropped individually; they never abort a load.
	ErrMalformedRecord = errors.New("malformed record")

	// ErrIO wraps file system failures while loading or saving.
	ErrIO = errors.New("i/o error")

	// ErrSessionClosed is returned by Step on a finished session.
	ErrSessionClosed = errors.New("session closed")

	// ErrInvalidPose is returned for non-finite positions or angles.
	ErrInvalidPose = errors.New("invalid pose")

	// ErrUnsupportedVersion is returned when a cloud file declares a newer format.
	ErrUnsupportedVersion = errors.New("unsupported cloud format version")

	// ErrSingularTransform is returned when an alignment matrix cannot be inverted.
	ErrSingularTransform = errors.New("singular transform")
)

// MalformedRecordError describes a single rejected cloud row.
type MalformedRecordError struct {
	Line   int
	Reason string
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("line %d: %s: %s", e.Line, ErrMalformedRecord, e.Reason)
}

func (e *MalformedRecordError) Unwrap() error {
	return ErrMalformedRecord
}

func ioError(op, path string, err error) error {
	return fmt.Errorf("%w: %s %s: %w", ErrIO, op, path, err)
}
