// Package coordinator loads every attachment of a share concurrently and
// reduces the outcome to exactly one terminal result.
//
// A Coordinator moves Pending -> Loading -> {Finished, Failed}, or from
// Pending or Loading to Cancelled. The first terminal transition wins; every
// later signal, including load results that arrive after it, is dropped.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/toolink/share/attachment"
	"github.com/toolink/share/events"
	"github.com/toolink/share/report"
)

// Coordinator owns the attachments of one share invocation and their load
// state.
type Coordinator struct {
	opts      options
	items     []Item
	itemIDs   [][]string // attachment ids per item, nil providers skipped
	order     []string   // unique attachment ids, first-seen order
	owners    map[string]int
	providers map[string]attachment.Provider
	sink      *Completion
	sem       chan struct{}
	emitter   *emitter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	state       report.State
	loads       map[string]LoadState
	types       map[string]string
	payloads    map[string]*attachment.Payload
	settled     []string // attachment ids in the order their loads completed
	outstanding int
	cause       error
}

// New creates a coordinator for items. done receives the terminal result
// exactly once; it may run on a load goroutine and must not call Drain.
// Attachments sharing an ID are loaded once.
func New(items []Item, done func(report.Result), opts ...Option) (*Coordinator, error) {
	if done == nil {
		return nil, ErrNilCallback
	}

	cfg := defaultOptions()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.session == "" {
		cfg.session = uuid.NewString()
	}
	if cfg.reporter == nil {
		cfg.reporter = report.NewReporter(cfg.session)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		opts:      cfg,
		items:     append([]Item(nil), items...),
		owners:    make(map[string]int),
		providers: make(map[string]attachment.Provider),
		sink:      NewCompletion(done),
		ctx:       ctx,
		cancel:    cancel,
		state:     report.StatePending,
		loads:     make(map[string]LoadState),
		types:     make(map[string]string),
		payloads:  make(map[string]*attachment.Payload),
	}
	if cfg.concurrency > 0 {
		c.sem = make(chan struct{}, cfg.concurrency)
	}

	if cfg.bus != nil {
		c.emitter = newEmitter(cfg.bus, cfg.session)
	}

	c.itemIDs = make([][]string, len(c.items))
	for i, item := range c.items {
		for _, p := range item.Attachments {
			id, ok := providerID(p)
			if !ok {
				log.Warn().Str("session", cfg.session).Int("item", i).Msg("skipping nil attachment")
				continue
			}
			c.itemIDs[i] = append(c.itemIDs[i], id)
			if _, seen := c.providers[id]; seen {
				log.Debug().Str("session", cfg.session).Str("attachment", id).Int("item", i).Msg("duplicate attachment, sharing earlier load")
				continue
			}
			c.providers[id] = p
			c.owners[id] = i
			c.order = append(c.order, id)
			c.loads[id] = LoadPending
		}
	}

	log.Info().
		Str("session", cfg.session).
		Int("items", len(c.items)).
		Int("attachments", len(c.order)).
		Bool("eager", cfg.eager).
		Int("concurrency", cfg.concurrency).
		Dur("load_timeout", cfg.loadTimeout).
		Msg("share coordinator created")

	if cfg.eager {
		c.BeginLoading()
	}
	return c, nil
}

// providerID returns p's identity. Nil providers, including typed nil
// pointers whose ID method panics, report false.
func providerID(p attachment.Provider) (id string, ok bool) {
	if p == nil {
		return "", false
	}
	defer func() {
		if r := recover(); r != nil {
			id, ok = "", false
		}
	}()
	return p.ID(), true
}

// Session returns the identifier used in logs and events.
func (c *Coordinator) Session() string { return c.opts.session }

// BeginLoading fans out one load per attachment. Calls after the first, or
// after a terminal state, are no-ops.
func (c *Coordinator) BeginLoading() {
	c.mu.Lock()
	if c.state != report.StatePending {
		state := c.state
		c.mu.Unlock()
		log.Debug().Str("session", c.opts.session).Str("state", state.String()).Msg("begin loading ignored")
		return
	}
	c.state = report.StateLoading
	c.outstanding = len(c.order)

	if c.outstanding == 0 {
		leftovers, ok := c.settleLocked(report.StateFinished, nil)
		c.mu.Unlock()
		if ok {
			c.finish(report.StateFinished, leftovers)
		}
		return
	}

	ids := append([]string(nil), c.order...)
	c.wg.Add(len(ids))
	c.mu.Unlock()

	log.Debug().Str("session", c.opts.session).Int("attachments", len(ids)).Msg("loading attachments...")
	for _, id := range ids {
		go c.load(id)
	}
}

// Cancel settles on Cancelled unless a terminal state was already reached,
// and signals every outstanding load. Loaded payloads are released.
func (c *Coordinator) Cancel() {
	c.mu.Lock()
	leftovers, ok := c.settleLocked(report.StateCancelled, ErrCancelled)
	c.mu.Unlock()
	if !ok {
		log.Debug().Str("session", c.opts.session).Msg("cancel ignored, already settled")
		return
	}
	log.Info().Str("session", c.opts.session).Msg("share cancelled")
	c.finish(report.StateCancelled, leftovers)
}

func (c *Coordinator) load(id string) {
	defer c.wg.Done()
	p := c.providers[id]

	if c.sem != nil {
		select {
		case c.sem <- struct{}{}:
			defer func() { <-c.sem }()
		case <-c.ctx.Done():
			return
		}
	}

	typeID, ok := attachment.PreferredType(p, c.opts.preference)

	c.mu.Lock()
	if c.state.IsTerminal() {
		c.mu.Unlock()
		return
	}
	c.loads[id] = LoadInFlight
	c.types[id] = typeID
	c.mu.Unlock()
	c.emit(events.Event{Kind: events.KindStarted, Attachment: id, Type: typeID})

	if !ok {
		c.complete(id, nil, &attachment.LoadError{AttachmentID: id, Err: attachment.ErrUnsupportedType})
		return
	}

	start := time.Now()
	payload, err := c.invoke(p, typeID)
	log.Debug().Str("session", c.opts.session).Str("attachment", id).Str("type", typeID).Dur("duration", time.Since(start)).Bool("ok", err == nil).Msg("attachment load returned")
	c.complete(id, payload, err)
}

// invoke runs one provider load under the coordinator context and the
// per-load deadline. Any error returned is a *attachment.LoadError.
func (c *Coordinator) invoke(p attachment.Provider, typeID string) (payload *attachment.Payload, err error) {
	ctx := c.ctx
	if c.opts.loadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.loadTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("session", c.opts.session).Str("attachment", p.ID()).Interface("panic_value", r).Msg("panic recovered during attachment load")
			payload = nil
			err = &attachment.LoadError{AttachmentID: p.ID(), TypeID: typeID, Err: fmt.Errorf("%w: provider panicked: %v", attachment.ErrIO, r)}
		}
	}()

	payload, err = p.Load(ctx, typeID)
	if err == nil && payload == nil {
		err = fmt.Errorf("%w: %w", attachment.ErrIO, ErrNoPayload)
	}
	if err == nil {
		return payload, nil
	}
	if payload != nil {
		_ = payload.Release()
	}
	return nil, c.classify(ctx, p.ID(), typeID, err)
}

// classify maps a provider error onto the taxonomy: anything observed after
// the coordinator cancelled is a cancellation, anything after the per-load
// deadline is a timeout.
func (c *Coordinator) classify(loadCtx context.Context, id, typeID string, err error) *attachment.LoadError {
	var le *attachment.LoadError
	if !errors.As(err, &le) {
		le = &attachment.LoadError{AttachmentID: id, TypeID: typeID, Err: err}
	}

	reason := le.Reason()
	switch {
	case c.ctx.Err() != nil && reason != attachment.ReasonCancelled:
		return &attachment.LoadError{AttachmentID: le.AttachmentID, TypeID: le.TypeID, Err: fmt.Errorf("%w: %w", attachment.ErrCancelled, le.Err)}
	case errors.Is(loadCtx.Err(), context.DeadlineExceeded) && reason != attachment.ReasonTimeout && reason != attachment.ReasonCancelled:
		return &attachment.LoadError{AttachmentID: le.AttachmentID, TypeID: le.TypeID, Err: fmt.Errorf("%w: %w", attachment.ErrTimeout, le.Err)}
	}
	return le
}

// complete records the result of one load and settles the coordinator when
// the result decides the outcome.
func (c *Coordinator) complete(id string, payload *attachment.Payload, err error) {
	c.mu.Lock()
	if c.state.IsTerminal() {
		state := c.state
		c.mu.Unlock()
		log.Debug().Str("session", c.opts.session).Str("attachment", id).Str("state", state.String()).Msg("late load result dropped")
		if payload != nil {
			_ = c.opts.reporter.Release(payload)
		}
		c.emit(events.Event{Kind: events.KindDropped, Attachment: id, Reason: attachment.ReasonOf(err).String()})
		return
	}
	c.outstanding--
	typeID := c.types[id]

	if err == nil {
		c.loads[id] = LoadSucceeded
		c.payloads[id] = payload
		c.settled = append(c.settled, id)
		var (
			leftovers []report.Releaser
			done      bool
		)
		if c.outstanding == 0 {
			leftovers, done = c.settleLocked(report.StateFinished, nil)
		}
		remaining := c.outstanding
		c.mu.Unlock()

		log.Debug().Str("session", c.opts.session).Str("attachment", id).Str("type", typeID).Int("remaining", remaining).Msg("attachment loaded")
		c.emit(events.Event{Kind: events.KindLoaded, Attachment: id, Type: typeID})
		if done {
			c.finish(report.StateFinished, leftovers)
		}
		return
	}

	var le *attachment.LoadError
	if !errors.As(err, &le) {
		le = &attachment.LoadError{AttachmentID: id, TypeID: typeID, Err: err}
	}

	var (
		to    report.State
		cause error
		kind  events.Kind
	)
	if le.Reason() == attachment.ReasonCancelled {
		// a cancellation never turns into Failed.
		c.loads[id] = LoadCancelled
		to, cause, kind = report.StateCancelled, fmt.Errorf("%w: %w", ErrCancelled, le), events.KindCancelled
	} else {
		c.loads[id] = LoadFailed
		c.settled = append(c.settled, id)
		to, cause, kind = report.StateFailed, &AggregateError{Cause: le}, events.KindFailed
	}
	leftovers, done := c.settleLocked(to, cause)
	c.mu.Unlock()

	log.Warn().Err(le).Str("session", c.opts.session).Str("attachment", id).Str("type", typeID).Str("reason", le.Reason().String()).Msg("attachment load failed")
	c.emit(events.Event{Kind: kind, Attachment: id, Type: typeID, Reason: le.Reason().String()})
	if done {
		c.finish(to, leftovers)
	}
}

// settleLocked performs the terminal transition to `to` if none happened yet.
// It marks unfinished attachments cancelled, detaches payloads that will not
// be delivered and signals outstanding loads. c.mu must be held.
func (c *Coordinator) settleLocked(to report.State, cause error) ([]report.Releaser, bool) {
	if c.state.IsTerminal() {
		return nil, false
	}
	c.state = to
	c.cause = cause

	for _, id := range c.order {
		if s := c.loads[id]; s == LoadPending || s == LoadInFlight {
			c.loads[id] = LoadCancelled
		}
	}

	var leftovers []report.Releaser
	if to != report.StateFinished {
		for _, id := range c.settled {
			if p, ok := c.payloads[id]; ok {
				leftovers = append(leftovers, p)
			}
		}
		c.payloads = make(map[string]*attachment.Payload)
	}

	c.cancel()
	return leftovers, true
}

// finish reduces the terminal state, releases leftovers and fires the
// completion callback. It runs once, outside c.mu.
func (c *Coordinator) finish(to report.State, leftovers []report.Releaser) {
	if to == report.StateFailed {
		log.Error().Err(c.Err()).Str("session", c.opts.session).Msg("share failed")
	}
	result := c.opts.reporter.Report(to, leftovers...)
	c.sink.Resolve(result)

	ev := events.Event{Kind: events.KindTerminal, Result: result.String()}
	if to == report.StateFailed {
		var agg *AggregateError
		if errors.As(c.Err(), &agg) {
			ev.Attachment = agg.Cause.AttachmentID
			ev.Reason = agg.Cause.Reason().String()
		}
	}
	c.emit(ev)

	if c.emitter != nil {
		// no load goroutine can add events once they have all returned.
		go func() {
			c.wg.Wait()
			c.emitter.close()
		}()
	}
}

// emit queues ev for the bus without blocking the caller.
func (c *Coordinator) emit(ev events.Event) {
	if c.emitter == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	c.emitter.offer(ev)
}

// Wait blocks until the completion callback has returned or ctx is done.
func (c *Coordinator) Wait(ctx context.Context) (report.Result, error) {
	return c.sink.Wait(ctx)
}

// Done is closed once the completion callback has returned.
func (c *Coordinator) Done() <-chan struct{} { return c.sink.Done() }

// Drain waits until every fanned-out load goroutine has returned.
func (c *Coordinator) Drain(ctx context.Context) error {
	drained := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain: %w", ctx.Err())
	}
}

// State returns the current lifecycle state.
func (c *Coordinator) State() report.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the internal cause of a Failed or Cancelled coordinator, for
// logging only.
func (c *Coordinator) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cause
}

// IsLoaded reports whether a load attempt for the attachment has completed,
// successfully or with a permanent failure.
func (c *Coordinator) IsLoaded(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loads[id].Done()
}

// LoadOrder returns attachment ids in the order their loads completed.
func (c *Coordinator) LoadOrder() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.settled...)
}

// Progress returns a consistent snapshot of aggregate progress.
func (c *Coordinator) Progress() Progress {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := Progress{State: c.state, Total: len(c.order)}
	for _, id := range c.order {
		switch c.loads[id] {
		case LoadPending:
			p.Pending++
		case LoadInFlight:
			p.Loading++
		case LoadSucceeded:
			p.Loaded++
		case LoadFailed:
			p.Failed++
		case LoadCancelled:
			p.Cancelled++
		}
	}
	return p
}

// Attachments returns the status of every unique attachment in first-seen order.
func (c *Coordinator) Attachments() []Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Status, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, Status{ID: id, Item: c.owners[id], TypeID: c.types[id], State: c.loads[id]})
	}
	return out
}

// ItemPayloads are the loaded payloads of one item, in attachment order.
type ItemPayloads struct {
	Title    string
	Payloads []*attachment.Payload
}

// Payloads returns typed payloads grouped per item. It is nil unless the
// coordinator Finished.
func (c *Coordinator) Payloads() []ItemPayloads {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != report.StateFinished {
		return nil
	}

	out := make([]ItemPayloads, 0, len(c.items))
	for i, item := range c.items {
		group := ItemPayloads{Title: item.Title}
		for _, id := range c.itemIDs[i] {
			if payload, ok := c.payloads[id]; ok {
				group.Payloads = append(group.Payloads, payload)
			}
		}
		out = append(out, group)
	}
	return out
}

// Loaded returns every unique payload in first-seen attachment order. It is
// nil unless the coordinator Finished.
func (c *Coordinator) Loaded() []*attachment.Payload {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != report.StateFinished {
		return nil
	}
	out := make([]*attachment.Payload, 0, len(c.order))
	for _, id := range c.order {
		if payload, ok := c.payloads[id]; ok {
			out = append(out, payload)
		}
	}
	return out
}
