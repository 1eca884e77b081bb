package coordinator

import (
	"errors"
	"fmt"

	"github.com/toolink/share/attachment"
)

var (
	// ErrAggregateFailure matches a coordinator that failed because at least
	// one attachment failed for a reason other than cancellation.
	ErrAggregateFailure = errors.New("coordinator: attachment load failed")
	// ErrCancelled matches a coordinator that was cancelled.
	ErrCancelled = errors.New("coordinator: cancelled")
	// ErrNilCallback is returned by New without a completion callback.
	ErrNilCallback = errors.New("coordinator: completion callback is required")
	// ErrNoPayload is the IO failure for a provider returning neither payload nor error.
	ErrNoPayload = errors.New("coordinator: provider returned no payload")
)

// AggregateError is the internal cause of a Failed coordinator. It is logged,
// never handed to the host.
type AggregateError struct {
	Cause *attachment.LoadError
}

func (e *AggregateError) Error() string {
	return fmt.Sprintf("%v: %v", ErrAggregateFailure, e.Cause)
}

func (e *AggregateError) Unwrap() []error {
	return []error{ErrAggregateFailure, e.Cause}
}
