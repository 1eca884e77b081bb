package attachment

import (
	"context"
	"errors"
	"fmt"
)

// Provider failure taxonomy.
var (
	ErrUnsupportedType = errors.New("attachment: provider cannot produce requested type")
	ErrIO              = errors.New("attachment: provider read failed")
	ErrTimeout         = errors.New("attachment: load timed out")
	ErrCancelled       = errors.New("attachment: load cancelled")
	// ErrRevoked is a cancellation: the host withdrew the provider mid-load.
	ErrRevoked = fmt.Errorf("%w: provider revoked by host", ErrCancelled)
)

// Reason classifies a load failure.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonUnsupportedType
	ReasonIOFailure
	ReasonTimeout
	ReasonCancelled
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonUnsupportedType:
		return "unsupported_type"
	case ReasonIOFailure:
		return "io_failure"
	case ReasonTimeout:
		return "timeout"
	case ReasonCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// ReasonOf classifies err. Errors outside the taxonomy count as IO failures.
func ReasonOf(err error) Reason {
	switch {
	case err == nil:
		return ReasonNone
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return ReasonCancelled
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	case errors.Is(err, ErrUnsupportedType):
		return ReasonUnsupportedType
	default:
		return ReasonIOFailure
	}
}

// LoadError is the failure of one attachment load attempt.
type LoadError struct {
	AttachmentID string
	TypeID       string
	Err          error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("attachment %s (%s): %v", e.AttachmentID, e.TypeID, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Reason classifies the wrapped error.
func (e *LoadError) Reason() Reason { return ReasonOf(e.Err) }

// ioError wraps a low-level read failure so it matches ErrIO.
func ioError(id, typeID string, err error) error {
	return &LoadError{AttachmentID: id, TypeID: typeID, Err: fmt.Errorf("%w: %w", ErrIO, err)}
}

// ctxError converts a context error into the matching taxonomy error.
func ctxError(id, typeID string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &LoadError{AttachmentID: id, TypeID: typeID, Err: fmt.Errorf("%w: %w", ErrTimeout, err)}
	}
	return &LoadError{AttachmentID: id, TypeID: typeID, Err: fmt.Errorf("%w: %w", ErrCancelled, err)}
}
