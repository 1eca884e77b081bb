package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/toolink/share/events"
)

const (
	// emitQueueSize bounds the events waiting for the bus.
	emitQueueSize = 64
	// emitTimeout bounds one publish.
	emitTimeout = 250 * time.Millisecond
)

// emitter publishes events on its own goroutine so a slow bus never holds up
// a load. Events that do not fit the queue are dropped.
type emitter struct {
	bus     events.Bus
	session string
	queue   chan events.Event

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func newEmitter(bus events.Bus, session string) *emitter {
	e := &emitter{
		bus:     bus,
		session: session,
		queue:   make(chan events.Event, emitQueueSize),
		done:    make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *emitter) offer(ev events.Event) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}
	ev.Session = e.session
	select {
	case e.queue <- ev:
	default:
		log.Warn().Str("session", e.session).Str("kind", string(ev.Kind)).Msg("event dropped, publish queue full")
	}
}

func (e *emitter) run() {
	defer close(e.done)
	for ev := range e.queue {
		e.publish(ev)
	}
}

func (e *emitter) publish(ev events.Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("session", e.session).Interface("panic_value", r).Msg("panic recovered during event publish")
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), emitTimeout)
	defer cancel()
	if err := e.bus.Publish(ctx, ev); err != nil {
		log.Warn().Err(err).Str("session", e.session).Str("kind", string(ev.Kind)).Msg("failed to publish event")
	}
}

// close stops accepting events; queued ones are still published.
func (e *emitter) close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	close(e.queue)
}
