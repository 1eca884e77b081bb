package events

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
)

var errMemoryBusClosed = errors.New("events: memory bus is closed")

// MemoryBus delivers events to in-process subscribers.
type MemoryBus struct {
	mu     sync.RWMutex
	closed bool
	subs   map[string]*subscription
}

// NewMemoryBus creates an in-process Bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]*subscription)}
}

// Publish implements Bus. Subscribers whose queue is full miss the event.
func (m *MemoryBus) Publish(ctx context.Context, events ...Event) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return errMemoryBusClosed
	}

	for _, ev := range events {
		for _, sub := range m.subs {
			ok, err := sub.offer(ev)
			if err != nil {
				continue
			}
			if !ok {
				log.Warn().Str("subscription_id", sub.ID).Str("kind", string(ev.Kind)).Msg("event dropped, subscriber queue full")
			}
		}
	}
	return nil
}

// Subscribe implements Bus.
func (m *MemoryBus) Subscribe(ctx context.Context, handler Handler, opts ...Option) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", errMemoryBusClosed
	}

	sub, err := newSubscription(handler, opts...)
	if err != nil {
		return "", err
	}
	m.subs[sub.ID] = sub
	log.Debug().Str("subscription_id", sub.ID).Msg("memory event subscription created")
	return sub.ID, nil
}

// Unsubscribe implements Bus. Unknown IDs are ignored.
func (m *MemoryBus) Unsubscribe(ctx context.Context, id string) error {
	m.mu.Lock()
	sub, ok := m.subs[id]
	delete(m.subs, id)
	m.mu.Unlock()

	if ok {
		sub.close()
	}
	return nil
}

// Close implements Bus.
func (m *MemoryBus) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	subs := m.subs
	m.subs = make(map[string]*subscription)
	m.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
	log.Debug().Int("subscription_count", len(subs)).Msg("memory event bus closed")
	return nil
}
