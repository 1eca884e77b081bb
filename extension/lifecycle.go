package extension

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Component is a long-lived dependency of the share host, such as a Redis
// client or an event bus, started before the first share and stopped after
// the last.
type Component interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type funcComponent struct {
	name  string
	start func(context.Context) error
	stop  func(context.Context) error
}

// NewComponent adapts a pair of functions to Component. Either may be nil.
func NewComponent(name string, start, stop func(context.Context) error) Component {
	return &funcComponent{name: name, start: start, stop: stop}
}

func (f *funcComponent) Name() string { return f.name }

func (f *funcComponent) Start(ctx context.Context) error {
	if f.start == nil {
		return nil
	}
	return f.start(ctx)
}

func (f *funcComponent) Stop(ctx context.Context) error {
	if f.stop == nil {
		return nil
	}
	return f.stop(ctx)
}

// Lifecycle starts components in registration order and stops them in
// reverse. A failed start rolls back what was already started.
type Lifecycle struct {
	mu         sync.Mutex
	components []Component
	names      map[string]struct{}
	started    []Component
}

func NewLifecycle() *Lifecycle {
	return &Lifecycle{names: make(map[string]struct{})}
}

// Register appends c to the start order.
func (l *Lifecycle) Register(c Component) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	name := c.Name()
	if _, exists := l.names[name]; exists {
		log.Error().Str("component", name).Msg("attempted to register duplicate component")
		return fmt.Errorf("%w: %s", ErrComponentAlreadyRegistered, name)
	}
	l.names[name] = struct{}{}
	l.components = append(l.components, c)
	log.Debug().Str("component", name).Msg("component registered")
	return nil
}

// StartAll starts every registered component that is not running yet. On the
// first failure the components started by this call are stopped in reverse
// order and the start error is returned.
func (l *Lifecycle) StartAll(ctx context.Context) error {
	l.mu.Lock()
	pending := l.components[len(l.started):]
	pending = append([]Component(nil), pending...)
	l.mu.Unlock()

	var startedNow []Component
	for _, c := range pending {
		log.Debug().Str("component", c.Name()).Msg("starting component...")
		startTime := time.Now()
		if err := c.Start(ctx); err != nil {
			log.Error().Err(err).Str("component", c.Name()).Dur("duration", time.Since(startTime)).Msg("failed to start component")
			l.rollback(ctx, startedNow)
			return fmt.Errorf("failed to start component %s: %w", c.Name(), err)
		}
		l.mu.Lock()
		l.started = append(l.started, c)
		l.mu.Unlock()
		startedNow = append(startedNow, c)
		log.Info().Str("component", c.Name()).Dur("duration", time.Since(startTime)).Msg("component started")
	}
	return nil
}

// StopAll stops every started component in reverse order, continuing past
// failures. Errors are joined.
func (l *Lifecycle) StopAll(ctx context.Context) error {
	l.mu.Lock()
	started := l.started
	l.started = nil
	l.mu.Unlock()

	var errs []error
	for i := len(started) - 1; i >= 0; i-- {
		c := started[i]
		startTime := time.Now()
		if err := c.Stop(ctx); err != nil {
			log.Error().Err(err).Str("component", c.Name()).Dur("duration", time.Since(startTime)).Msg("failed to stop component")
			errs = append(errs, fmt.Errorf("failed to stop component %s: %w", c.Name(), err))
			continue
		}
		log.Info().Str("component", c.Name()).Dur("duration", time.Since(startTime)).Msg("component stopped")
	}
	if len(errs) > 0 {
		log.Warn().Int("error_count", len(errs)).Msg("shutdown completed with errors")
		return errors.Join(errs...)
	}
	return nil
}

func (l *Lifecycle) rollback(ctx context.Context, started []Component) {
	var errs []error
	for i := len(started) - 1; i >= 0; i-- {
		c := started[i]
		log.Warn().Str("component", c.Name()).Msg("executing rollback stop...")
		if err := c.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("rollback stop failed for %s: %w", c.Name(), err))
		}
	}

	l.mu.Lock()
	l.started = l.started[:len(l.started)-len(started)]
	l.mu.Unlock()

	if len(errs) > 0 {
		log.Error().Errs("rollback_errors", errs).Msg("errors occurred during start failure rollback")
	}
}
