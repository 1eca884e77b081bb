package coordinator

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/toolink/share/report"
)

// Completion is a single-shot sink for a terminal result. The callback is
// invoked at most once and the reference to it is dropped before the call.
type Completion struct {
	mu     sync.Mutex
	fn     func(report.Result)
	done   chan struct{}
	result report.Result
	set    bool
}

// NewCompletion creates a sink delivering to fn. fn may be nil.
func NewCompletion(fn func(report.Result)) *Completion {
	return &Completion{fn: fn, done: make(chan struct{})}
}

// Resolve settles the sink with r and invokes the callback. Every call after
// the first returns false and does nothing.
func (c *Completion) Resolve(r report.Result) bool {
	c.mu.Lock()
	if c.set {
		c.mu.Unlock()
		return false
	}
	c.set = true
	c.result = r
	fn := c.fn
	c.fn = nil
	c.mu.Unlock()

	defer close(c.done)
	if fn != nil {
		invoke(fn, r)
	}
	return true
}

func invoke(fn func(report.Result), r report.Result) {
	defer func() {
		if p := recover(); p != nil {
			log.Error().Interface("panic_value", p).Str("result", r.String()).Msg("panic recovered in completion callback")
		}
	}()
	fn(r)
}

// Done is closed after the callback has returned.
func (c *Completion) Done() <-chan struct{} { return c.done }

// Wait blocks until the sink is resolved or ctx is done.
func (c *Completion) Wait(ctx context.Context) (report.Result, error) {
	select {
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.result, nil
	case <-ctx.Done():
		return report.Failed, ctx.Err()
	}
}
