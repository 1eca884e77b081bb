package coordinator

import (
	"time"

	"github.com/toolink/share/attachment"
	"github.com/toolink/share/events"
	"github.com/toolink/share/report"
)

type options struct {
	eager       bool
	concurrency int
	loadTimeout time.Duration
	preference  []string
	bus         events.Bus
	reporter    *report.Reporter
	session     string
}

func defaultOptions() options {
	return options{
		preference: attachment.DefaultPreference,
	}
}

// Option configures a Coordinator.
type Option func(*options)

// WithEagerLoad starts loading during construction instead of waiting for
// BeginLoading.
func WithEagerLoad(eager bool) Option {
	return func(o *options) {
		o.eager = eager
	}
}

// WithConcurrency bounds the number of in-flight loads. Zero runs every
// attachment at once.
func WithConcurrency(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.concurrency = n
		}
	}
}

// WithLoadTimeout sets a per-attachment deadline. Zero disables it.
func WithLoadTimeout(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.loadTimeout = d
		}
	}
}

// WithTypePreference sets the order in which declared types are chosen.
func WithTypePreference(typeIDs ...string) Option {
	return func(o *options) {
		if len(typeIDs) > 0 {
			o.preference = append([]string(nil), typeIDs...)
		}
	}
}

// WithBus publishes diagnostic events to bus.
func WithBus(bus events.Bus) Option {
	return func(o *options) {
		o.bus = bus
	}
}

// WithReporter overrides the reporter used for terminal reduction and cleanup.
func WithReporter(r *report.Reporter) Option {
	return func(o *options) {
		o.reporter = r
	}
}

// WithSession sets the session identifier used in logs and events.
func WithSession(id string) Option {
	return func(o *options) {
		o.session = id
	}
}
