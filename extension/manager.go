package extension

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/toolink/share/attachment"
	"github.com/toolink/share/coordinator"
	"github.com/toolink/share/global"
	"github.com/toolink/share/outbox"
	"github.com/toolink/share/report"
)

const defaultPostTimeout = 5 * time.Second

type options struct {
	session     string
	poster      Poster
	postTimeout time.Duration
	coordinator []coordinator.Option
	eager       bool
	noBus       bool
}

// Option configures a Manager.
type Option func(*options)

// WithSession fixes the session id instead of generating one.
func WithSession(id string) Option {
	return func(o *options) { o.session = id }
}

// WithPoster posts Finished shares. Without a poster the host collects
// payloads itself through Manager.Payloads.
func WithPoster(p Poster) Option {
	return func(o *options) { o.poster = p }
}

// WithPostTimeout bounds a post. Zero keeps the default.
func WithPostTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.postTimeout = d
		}
	}
}

// WithEagerLoad starts loading as soon as the Manager is built, before the
// user confirms.
func WithEagerLoad(eager bool) Option {
	return func(o *options) { o.eager = eager }
}

// WithCoordinatorOptions passes options through to the coordinator. Eager
// loading is controlled by WithEagerLoad only.
func WithCoordinatorOptions(opts ...coordinator.Option) Option {
	return func(o *options) { o.coordinator = append(o.coordinator, opts...) }
}

// WithoutEvents disables publishing to the global event bus.
func WithoutEvents() Option {
	return func(o *options) { o.noBus = true }
}

// Manager owns one share invocation. Build a new Manager per invocation.
type Manager struct {
	opts       options
	coord      *coordinator.Coordinator
	controller *Controller
	reporter   *report.Reporter
	sink       *coordinator.Completion

	mu          sync.Mutex
	destination string
	confirmed   bool
	dismissed   bool
	finished    bool // the coordinator settled on Finished
	delivered   bool // payloads were handed off or released
}

// New creates the coordinator for items and returns its Manager. done
// receives the host-visible result exactly once.
func New(items []coordinator.Item, done func(report.Result), opts ...Option) (*Manager, error) {
	if done == nil {
		return nil, ErrNilCallback
	}
	cfg := options{postTimeout: defaultPostTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.session == "" {
		cfg.session = uuid.NewString()
	}

	m := &Manager{
		opts:     cfg,
		reporter: report.NewReporter(cfg.session),
		sink:     coordinator.NewCompletion(done),
	}
	m.controller = &Controller{m: m}

	copts := []coordinator.Option{coordinator.WithSession(cfg.session), coordinator.WithReporter(m.reporter)}
	if !cfg.noBus {
		copts = append(copts, coordinator.WithBus(global.GetBus()))
	}
	copts = append(copts, cfg.coordinator...)
	// the manager must be complete before the coordinator can settle.
	copts = append(copts, coordinator.WithEagerLoad(false))

	coord, err := coordinator.New(items, m.onTerminal, copts...)
	if err != nil {
		return nil, err
	}
	m.coord = coord
	if cfg.eager {
		coord.BeginLoading()
	}
	return m, nil
}

// MainController returns the controller the host presents. It never blocks.
func (m *Manager) MainController() *Controller { return m.controller }

// Session returns the invocation's session id.
func (m *Manager) Session() string { return m.opts.session }

// Coordinator exposes the underlying coordinator for progress queries.
func (m *Manager) Coordinator() *coordinator.Coordinator { return m.coord }

// Wait blocks until the host callback returned or ctx is done.
func (m *Manager) Wait(ctx context.Context) (report.Result, error) {
	return m.sink.Wait(ctx)
}

// Close waits for every outstanding load goroutine.
func (m *Manager) Close(ctx context.Context) error {
	return m.coord.Drain(ctx)
}

// Payloads returns the loaded payloads once the share Finished, until a
// poster takes them over or a dismissal releases them.
func (m *Manager) Payloads() []coordinator.ItemPayloads {
	m.mu.Lock()
	delivered := m.delivered
	m.mu.Unlock()
	if delivered {
		return nil
	}
	return m.coord.Payloads()
}

// confirm records the destination and either starts loading or, when eager
// loading already finished, delivers the share.
func (m *Manager) confirm(dest string) {
	m.mu.Lock()
	if m.confirmed || m.dismissed {
		m.mu.Unlock()
		log.Debug().Str("session", m.opts.session).Msg("confirm ignored")
		return
	}
	m.confirmed = true
	m.destination = dest
	ready := m.finished
	m.mu.Unlock()

	if ready {
		m.deliver()
		return
	}
	m.coord.BeginLoading()
}

// dismiss cancels the share. A share that finished loading eagerly but was
// never confirmed is reported Cancelled and its payloads are released.
func (m *Manager) dismiss() {
	m.mu.Lock()
	if m.confirmed && m.finished {
		m.mu.Unlock()
		log.Debug().Str("session", m.opts.session).Msg("dismiss ignored, share already delivering")
		return
	}
	m.dismissed = true
	held := m.finished && !m.confirmed
	m.mu.Unlock()

	if held {
		m.discard()
		return
	}
	m.coord.Cancel()
}

// onTerminal runs once, when the coordinator settles. Finished is held until
// the user confirmed.
func (m *Manager) onTerminal(result report.Result) {
	if result != report.Finished {
		m.resolve(result)
		return
	}

	m.mu.Lock()
	m.finished = true
	confirmed, dismissed := m.confirmed, m.dismissed
	m.mu.Unlock()

	switch {
	case confirmed:
		m.deliver()
	case dismissed:
		m.discard()
	default:
		log.Debug().Str("session", m.opts.session).Msg("share loaded, waiting for confirm")
	}
}

// deliver posts the Finished share when a poster is configured.
func (m *Manager) deliver() {
	if m.opts.poster == nil {
		m.resolve(report.Finished)
		return
	}

	m.mu.Lock()
	m.delivered = true
	m.mu.Unlock()

	result := report.Finished
	if err := m.post(); err != nil {
		log.Error().Err(err).Str("session", m.opts.session).Msg("failed to post share")
		result = report.Failed
	}
	// the transport or nobody owns the payloads now.
	if err := m.reporter.Release(releasers(m.coord.Loaded())...); err != nil {
		log.Warn().Err(err).Str("session", m.opts.session).Msg("payload cleanup after post incomplete")
	}
	m.resolve(result)
}

func (m *Manager) discard() {
	m.mu.Lock()
	m.delivered = true
	m.mu.Unlock()
	if err := m.reporter.Release(releasers(m.coord.Loaded())...); err != nil {
		log.Warn().Err(err).Str("session", m.opts.session).Msg("payload cleanup after dismiss incomplete")
	}
	m.resolve(report.Cancelled)
}

func (m *Manager) resolve(result report.Result) {
	if m.sink.Resolve(result) {
		log.Info().Str("session", m.opts.session).Str("result", result.String()).Msg("share completed")
	}
}

func (m *Manager) post() error {
	m.mu.Lock()
	dest := m.destination
	m.mu.Unlock()

	groups := m.coord.Payloads()
	items := make([]outbox.Item, 0, len(groups))
	for _, g := range groups {
		item, err := outbox.NewItem(g.Title, g.Payloads...)
		if err != nil {
			return fmt.Errorf("build envelope: %w", err)
		}
		items = append(items, item)
	}
	env := outbox.NewEnvelope(m.opts.session, dest, items...)

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.postTimeout)
	defer cancel()
	if err := m.opts.poster.Post(ctx, env); err != nil {
		return err
	}
	log.Info().Str("session", m.opts.session).Str("envelope_id", env.ID).Str("destination", dest).Int("entries", env.Count()).Msg("share posted")
	return nil
}

func releasers(payloads []*attachment.Payload) []report.Releaser {
	out := make([]report.Releaser, 0, len(payloads))
	for _, p := range payloads {
		out = append(out, p)
	}
	return out
}
