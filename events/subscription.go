package events

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var errSubscriptionClosed = errors.New("events: subscription is closed")

// subscription feeds one handler from a bounded queue on its own goroutine.
type subscription struct {
	ID      string
	handler Handler
	queue   chan Event

	mu       sync.RWMutex
	closed   bool
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newSubscription(handler Handler, opts ...Option) (*subscription, error) {
	if handler == nil {
		return nil, errors.New("events: handler cannot be nil")
	}
	cfg := DefaultSubscriptionOptions()
	cfg.Apply(opts...)

	s := &subscription{
		ID:      uuid.NewString(),
		handler: handler,
		queue:   make(chan Event, cfg.BufferSize),
	}
	s.wg.Add(1)
	go s.run()
	return s, nil
}

// offer queues ev without blocking. It returns false when the event was dropped.
func (s *subscription) offer(ev Event) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, errSubscriptionClosed
	}
	select {
	case s.queue <- ev:
		return true, nil
	default:
		return false, nil
	}
}

func (s *subscription) run() {
	defer s.wg.Done()
	for ev := range s.queue {
		s.dispatch(ev)
	}
}

func (s *subscription) dispatch(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("subscription_id", s.ID).Str("kind", string(ev.Kind)).Interface("panic_value", r).Msg("panic recovered in event handler")
		}
	}()
	s.handler(ev)
}

// close stops accepting events, drains the queue and waits for the handler.
func (s *subscription) close() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.queue)
		s.mu.Unlock()
		s.wg.Wait()
	})
}
