// Package extension is the host-facing side of a share: it builds the
// coordinator for one invocation, hands the host a controller to present and
// delivers exactly one completion result.
package extension

import (
	"context"
	"errors"

	"github.com/toolink/share/outbox"
)

// Poster delivers a confirmed share to the messaging transport.
// *outbox.Publisher implements it.
type Poster interface {
	Post(ctx context.Context, env *outbox.Envelope) error
}

var (
	// ErrComponentAlreadyRegistered is returned by Lifecycle.Register for a duplicate name.
	ErrComponentAlreadyRegistered = errors.New("extension: component name is already registered")
	// ErrNilCallback is returned by New without a completion callback.
	ErrNilCallback = errors.New("extension: completion callback is required")
)
