// Package events carries best-effort diagnostic events emitted while a share
// is being loaded. Delivery never blocks the publisher.
package events

import (
	"context"
	"time"
)

// Kind names an event.
type Kind string

const (
	KindStarted   Kind = "attachment.started"
	KindLoaded    Kind = "attachment.loaded"
	KindFailed    Kind = "attachment.failed"
	KindCancelled Kind = "attachment.cancelled"
	KindTerminal  Kind = "coordinator.terminal"
	KindDropped   Kind = "coordinator.dropped"
)

// Event is one diagnostic record. Reason carries per-attachment failure
// detail that is never handed to the host.
type Event struct {
	Session    string    `json:"session"`
	Kind       Kind      `json:"kind"`
	Attachment string    `json:"attachment,omitempty"`
	Type       string    `json:"type,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Result     string    `json:"result,omitempty"`
	At         time.Time `json:"at"`
}

// Handler receives events on a subscription goroutine.
type Handler func(Event)

// Bus is a publish/subscribe channel for events.
type Bus interface {
	// Publish hands events to every subscriber without waiting for them.
	Publish(ctx context.Context, events ...Event) error

	// Subscribe registers handler and returns a subscription ID.
	Subscribe(ctx context.Context, handler Handler, opts ...Option) (string, error)

	// Unsubscribe removes the subscription with the given ID.
	Unsubscribe(ctx context.Context, id string) error

	// Close shuts the bus down and stops every subscription.
	Close() error
}
