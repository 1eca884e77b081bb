package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolink/share/attachment"
	"github.com/toolink/share/events"
	"github.com/toolink/share/report"
)

type recorder struct {
	mu      sync.Mutex
	results []report.Result
	ch      chan report.Result
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan report.Result, 8)}
}

func (r *recorder) done(res report.Result) {
	r.mu.Lock()
	r.results = append(r.results, res)
	r.mu.Unlock()
	r.ch <- res
}

func (r *recorder) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.results)
}

func (r *recorder) await(t *testing.T) report.Result {
	t.Helper()
	select {
	case res := <-r.ch:
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("completion callback never fired")
		return report.Failed
	}
}

// delayed returns a provider that yields a text payload after d, or err.
func delayed(id string, d time.Duration, err error, calls *atomic.Int32) *attachment.Func {
	return attachment.NewFunc(id, func(ctx context.Context, typeID string) (*attachment.Payload, error) {
		if calls != nil {
			calls.Add(1)
		}
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if err != nil {
			return nil, err
		}
		return &attachment.Payload{AttachmentID: id, TypeID: typeID, Kind: attachment.KindOf(typeID), Data: []byte(id)}, nil
	}, attachment.TypeText)
}

func blocking(id string, started chan<- struct{}) *attachment.Func {
	return attachment.NewFunc(id, func(ctx context.Context, typeID string) (*attachment.Payload, error) {
		if started != nil {
			started <- struct{}{}
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}, attachment.TypeText)
}

func drain(t *testing.T, c *Coordinator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Drain(ctx))
}

func TestNewRequiresCallback(t *testing.T) {
	_, err := New(nil, nil)
	assert.ErrorIs(t, err, ErrNilCallback)
}

func TestFinishesAfterEveryLoad(t *testing.T) {
	rec := newRecorder()
	photos := NewItem("photos",
		delayed("a", 50*time.Millisecond, nil, nil),
		delayed("b", 50*time.Millisecond, nil, nil),
		delayed("c", 50*time.Millisecond, nil, nil),
	)
	c, err := New([]Item{photos}, rec.done)
	require.NoError(t, err)
	assert.Equal(t, report.StatePending, c.State())
	assert.Nil(t, c.Payloads())

	start := time.Now()
	c.BeginLoading()
	assert.Equal(t, report.Finished, rec.await(t))
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, 250*time.Millisecond, "loads should run concurrently")

	drain(t, c)
	assert.Equal(t, 1, rec.calls())
	assert.Equal(t, report.StateFinished, c.State())
	for _, id := range []string{"a", "b", "c"} {
		assert.True(t, c.IsLoaded(id), id)
	}
	assert.Len(t, c.LoadOrder(), 3)

	groups := c.Payloads()
	require.Len(t, groups, 1)
	assert.Equal(t, "photos", groups[0].Title)
	require.Len(t, groups[0].Payloads, 3)
	assert.Equal(t, "a", groups[0].Payloads[0].AttachmentID)
	assert.Equal(t, []byte("c"), groups[0].Payloads[2].Data)

	p := c.Progress()
	assert.Equal(t, 3, p.Settled())
	assert.Equal(t, 3, p.Loaded)
}

func TestTextAndImageItemsFinish(t *testing.T) {
	rec := newRecorder()
	image := attachment.NewFunc("img", func(ctx context.Context, typeID string) (*attachment.Payload, error) {
		select {
		case <-time.After(50 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return &attachment.Payload{AttachmentID: "img", TypeID: typeID, Kind: attachment.KindOf(typeID), MIME: "image/png", Data: []byte{0x89}}, nil
	}, attachment.TypeImage)

	c, err := New([]Item{
		NewItem("note", delayed("txt", 50*time.Millisecond, nil, nil)),
		NewItem("photo", image),
	}, rec.done)
	require.NoError(t, err)

	start := time.Now()
	c.BeginLoading()
	assert.Equal(t, report.Finished, rec.await(t))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	groups := c.Payloads()
	require.Len(t, groups, 2)
	require.Len(t, groups[0].Payloads, 1)
	require.Len(t, groups[1].Payloads, 1)
	assert.Equal(t, attachment.TypeText, groups[0].Payloads[0].TypeID)
	assert.Equal(t, attachment.TypeImage, groups[1].Payloads[0].TypeID)
	assert.Equal(t, attachment.KindImage, groups[1].Payloads[0].Kind)
	assert.Equal(t, 1, rec.calls())
}

func TestFailureCancelsOutstandingLoads(t *testing.T) {
	rec := newRecorder()
	var observedCancel atomic.Int32
	slow := func(id string) *attachment.Func {
		return attachment.NewFunc(id, func(ctx context.Context, typeID string) (*attachment.Payload, error) {
			select {
			case <-time.After(time.Second):
				return &attachment.Payload{AttachmentID: id, TypeID: typeID, Data: []byte(id)}, nil
			case <-ctx.Done():
				observedCancel.Add(1)
				return nil, ctx.Err()
			}
		}, attachment.TypeText)
	}
	boom := fmt.Errorf("%w: disk unplugged", attachment.ErrIO)

	c, err := New([]Item{
		NewItem("first", slow("a"), delayed("b", 10*time.Millisecond, boom, nil)),
		NewItem("second", slow("c")),
	}, rec.done)
	require.NoError(t, err)

	start := time.Now()
	c.BeginLoading()
	assert.Equal(t, report.Failed, rec.await(t))
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 10*time.Millisecond)
	assert.Less(t, elapsed, 500*time.Millisecond)

	drain(t, c)
	assert.Equal(t, int32(2), observedCancel.Load())
	assert.Equal(t, 1, rec.calls())
	assert.Nil(t, c.Payloads())

	p := c.Progress()
	assert.Equal(t, report.StateFailed, p.State)
	assert.Equal(t, 1, p.Failed)
	assert.Equal(t, 2, p.Cancelled)
	assert.True(t, c.IsLoaded("b"))
	assert.False(t, c.IsLoaded("a"))

	cause := c.Err()
	assert.ErrorIs(t, cause, ErrAggregateFailure)
	assert.ErrorIs(t, cause, attachment.ErrIO)
	var agg *AggregateError
	require.True(t, errors.As(cause, &agg))
	assert.Equal(t, "b", agg.Cause.AttachmentID)
}

func TestCancelBeforeLoading(t *testing.T) {
	rec := newRecorder()
	var calls atomic.Int32
	c, err := New([]Item{NewItem("", delayed("a", time.Millisecond, nil, &calls))}, rec.done)
	require.NoError(t, err)

	c.Cancel()
	require.Equal(t, 1, rec.calls(), "cancel settles synchronously")
	assert.Equal(t, report.Cancelled, <-rec.ch)

	c.BeginLoading()
	drain(t, c)
	assert.Equal(t, int32(0), calls.Load())
	assert.Equal(t, report.StateCancelled, c.State())
	assert.ErrorIs(t, c.Err(), ErrCancelled)
}

func TestCancelTwice(t *testing.T) {
	rec := newRecorder()
	c, err := New([]Item{NewItem("", blocking("a", nil))}, rec.done)
	require.NoError(t, err)
	c.BeginLoading()

	c.Cancel()
	c.Cancel()
	drain(t, c)
	assert.Equal(t, 1, rec.calls())
	assert.Equal(t, report.Cancelled, <-rec.ch)
}

func TestConcurrentBeginLoadingFansOutOnce(t *testing.T) {
	rec := newRecorder()
	var calls atomic.Int32
	c, err := New([]Item{NewItem("",
		delayed("a", 5*time.Millisecond, nil, &calls),
		delayed("b", 5*time.Millisecond, nil, &calls),
	)}, rec.done)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.BeginLoading()
		}()
	}
	wg.Wait()

	assert.Equal(t, report.Finished, rec.await(t))
	drain(t, c)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 1, rec.calls())
}

func TestZeroAttachmentsFinishImmediately(t *testing.T) {
	rec := newRecorder()
	c, err := New([]Item{NewItem("empty")}, rec.done)
	require.NoError(t, err)

	c.BeginLoading()
	require.Equal(t, 1, rec.calls())
	assert.Equal(t, report.Finished, <-rec.ch)
	require.Len(t, c.Payloads(), 1)
	assert.Empty(t, c.Payloads()[0].Payloads)
}

func TestEagerLoad(t *testing.T) {
	rec := newRecorder()
	var calls atomic.Int32
	c, err := New([]Item{NewItem("", delayed("a", time.Millisecond, nil, &calls))}, rec.done, WithEagerLoad(true))
	require.NoError(t, err)

	assert.Equal(t, report.Finished, rec.await(t))
	c.BeginLoading()
	drain(t, c)
	assert.Equal(t, int32(1), calls.Load())
}

func TestLoadTimeoutFails(t *testing.T) {
	rec := newRecorder()
	c, err := New([]Item{NewItem("", blocking("slow", nil))}, rec.done, WithLoadTimeout(20*time.Millisecond))
	require.NoError(t, err)

	c.BeginLoading()
	assert.Equal(t, report.Failed, rec.await(t))
	drain(t, c)

	var agg *AggregateError
	require.ErrorAs(t, c.Err(), &agg)
	assert.Equal(t, attachment.ReasonTimeout, agg.Cause.Reason())
}

func TestRevokedProviderCancels(t *testing.T) {
	rec := newRecorder()
	started := make(chan struct{}, 1)
	revocable := attachment.NewRevocable(blocking("shared", started))
	c, err := New([]Item{NewItem("", revocable, delayed("b", time.Second, nil, nil))}, rec.done)
	require.NoError(t, err)

	c.BeginLoading()
	<-started
	revocable.Revoke()

	assert.Equal(t, report.Cancelled, rec.await(t))
	drain(t, c)
	assert.ErrorIs(t, c.Err(), attachment.ErrRevoked)
	assert.NotErrorIs(t, c.Err(), ErrAggregateFailure)
}

func TestDuplicateAttachmentLoadedOnce(t *testing.T) {
	rec := newRecorder()
	var calls atomic.Int32
	shared := delayed("shared", time.Millisecond, nil, &calls)
	c, err := New([]Item{NewItem("one", shared), NewItem("two", shared)}, rec.done)
	require.NoError(t, err)

	c.BeginLoading()
	assert.Equal(t, report.Finished, rec.await(t))
	drain(t, c)

	assert.Equal(t, int32(1), calls.Load())
	require.Len(t, c.Attachments(), 1)
	assert.Equal(t, 0, c.Attachments()[0].Item)
	groups := c.Payloads()
	require.Len(t, groups, 2)
	assert.Same(t, groups[0].Payloads[0], groups[1].Payloads[0])
	assert.Len(t, c.Loaded(), 1)
}

func TestLateResultIsReleased(t *testing.T) {
	rec := newRecorder()
	release := make(chan struct{})
	var late *attachment.Payload
	stubborn := attachment.NewFunc("stubborn", func(ctx context.Context, typeID string) (*attachment.Payload, error) {
		<-release
		late = &attachment.Payload{AttachmentID: "stubborn", TypeID: typeID, Data: []byte("late")}
		return late, nil
	}, attachment.TypeText)

	c, err := New([]Item{NewItem("", stubborn)}, rec.done)
	require.NoError(t, err)
	c.BeginLoading()
	require.Eventually(t, func() bool { return c.Progress().Loading == 1 }, time.Second, time.Millisecond)

	c.Cancel()
	close(release)
	drain(t, c)

	assert.Equal(t, report.Cancelled, <-rec.ch)
	require.NotNil(t, late)
	assert.Nil(t, late.Data)
	assert.Equal(t, 1, rec.calls())
}

func TestCancelReleasesLoadedPayloads(t *testing.T) {
	rec := newRecorder()
	var loaded *attachment.Payload
	quick := attachment.NewFunc("quick", func(ctx context.Context, typeID string) (*attachment.Payload, error) {
		loaded = &attachment.Payload{AttachmentID: "quick", TypeID: typeID, Data: []byte("quick")}
		return loaded, nil
	}, attachment.TypeText)

	c, err := New([]Item{NewItem("", quick, blocking("slow", nil))}, rec.done)
	require.NoError(t, err)
	c.BeginLoading()
	require.Eventually(t, func() bool { return c.IsLoaded("quick") }, time.Second, time.Millisecond)

	c.Cancel()
	drain(t, c)
	assert.Equal(t, report.Cancelled, <-rec.ch)
	assert.Nil(t, loaded.Data)
}

func TestConcurrencyBound(t *testing.T) {
	rec := newRecorder()
	var inFlight, peak atomic.Int32
	gauge := func(id string) *attachment.Func {
		return attachment.NewFunc(id, func(ctx context.Context, typeID string) (*attachment.Payload, error) {
			n := inFlight.Add(1)
			defer inFlight.Add(-1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			return &attachment.Payload{AttachmentID: id, TypeID: typeID}, nil
		}, attachment.TypeText)
	}

	var providers []attachment.Provider
	for i := 0; i < 6; i++ {
		providers = append(providers, gauge(fmt.Sprintf("p%d", i)))
	}
	c, err := New([]Item{NewItem("", providers...)}, rec.done, WithConcurrency(2))
	require.NoError(t, err)

	c.BeginLoading()
	assert.Equal(t, report.Finished, rec.await(t))
	drain(t, c)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestProviderPanicFails(t *testing.T) {
	rec := newRecorder()
	bad := attachment.NewFunc("bad", func(ctx context.Context, typeID string) (*attachment.Payload, error) {
		panic("corrupt provider")
	}, attachment.TypeText)

	c, err := New([]Item{NewItem("", bad)}, rec.done)
	require.NoError(t, err)
	c.BeginLoading()
	assert.Equal(t, report.Failed, rec.await(t))
	assert.ErrorIs(t, c.Err(), attachment.ErrIO)
}

func TestNilPayloadFails(t *testing.T) {
	rec := newRecorder()
	empty := attachment.NewFunc("empty", func(ctx context.Context, typeID string) (*attachment.Payload, error) {
		return nil, nil
	}, attachment.TypeText)

	c, err := New([]Item{NewItem("", empty)}, rec.done)
	require.NoError(t, err)
	c.BeginLoading()
	assert.Equal(t, report.Failed, rec.await(t))
	assert.ErrorIs(t, c.Err(), ErrNoPayload)
}

func TestNoDeclaredTypeFails(t *testing.T) {
	rec := newRecorder()
	typeless := attachment.NewFunc("typeless", func(ctx context.Context, typeID string) (*attachment.Payload, error) {
		return &attachment.Payload{}, nil
	})

	c, err := New([]Item{NewItem("", typeless)}, rec.done)
	require.NoError(t, err)
	c.BeginLoading()
	assert.Equal(t, report.Failed, rec.await(t))
	assert.ErrorIs(t, c.Err(), attachment.ErrUnsupportedType)
}

func TestTypePreference(t *testing.T) {
	rec := newRecorder()
	c, err := New([]Item{NewItem("", attachment.NewText("link", "https://example.com/a"))}, rec.done,
		WithTypePreference(attachment.TypeURL, attachment.TypeText))
	require.NoError(t, err)
	c.BeginLoading()
	assert.Equal(t, report.Finished, rec.await(t))

	loaded := c.Loaded()
	require.Len(t, loaded, 1)
	assert.Equal(t, attachment.TypeURL, loaded[0].TypeID)
	assert.Equal(t, "example.com", loaded[0].URL.Host)
}

func TestExactlyOneTerminalUnderRace(t *testing.T) {
	for i := 0; i < 50; i++ {
		rec := newRecorder()
		c, err := New([]Item{NewItem("",
			delayed("ok", 0, nil, nil),
			delayed("bad", 0, attachment.ErrIO, nil),
		)}, rec.done)
		require.NoError(t, err)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); c.BeginLoading() }()
		go func() { defer wg.Done(); c.Cancel() }()
		wg.Wait()

		rec.await(t)
		drain(t, c)
		assert.Equal(t, 1, rec.calls())
		assert.True(t, c.State().IsTerminal())
	}
}

func TestWait(t *testing.T) {
	c, err := New([]Item{NewItem("", blocking("a", nil))}, func(report.Result) {})
	require.NoError(t, err)
	c.BeginLoading()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = c.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	c.Cancel()
	res, err := c.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, report.Cancelled, res)
	drain(t, c)
}

func TestEventsArePublished(t *testing.T) {
	bus := events.NewMemoryBus()
	defer bus.Close()

	var (
		mu   sync.Mutex
		seen []events.Event
	)
	_, err := bus.Subscribe(context.Background(), func(ev events.Event) {
		mu.Lock()
		seen = append(seen, ev)
		mu.Unlock()
	})
	require.NoError(t, err)

	rec := newRecorder()
	c, err := New([]Item{NewItem("", delayed("a", time.Millisecond, nil, nil))}, rec.done,
		WithBus(bus), WithSession("session-1"))
	require.NoError(t, err)
	c.BeginLoading()
	assert.Equal(t, report.Finished, rec.await(t))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, events.KindStarted, seen[0].Kind)
	assert.Equal(t, events.KindLoaded, seen[1].Kind)
	assert.Equal(t, events.KindTerminal, seen[2].Kind)
	assert.Equal(t, "finished", seen[2].Result)
	assert.Equal(t, "session-1", seen[2].Session)
}

func TestTypedNilProviderSkipped(t *testing.T) {
	rec := newRecorder()
	var missing *attachment.Func
	c, err := New([]Item{NewItem("", missing, delayed("a", time.Millisecond, nil, nil))}, rec.done)
	require.NoError(t, err)
	require.Len(t, c.Attachments(), 1)

	c.BeginLoading()
	assert.Equal(t, report.Finished, rec.await(t))
	groups := c.Payloads()
	require.Len(t, groups, 1)
	require.Len(t, groups[0].Payloads, 1)
	assert.Equal(t, "a", groups[0].Payloads[0].AttachmentID)
}

// stalledBus accepts publishes and never returns until released.
type stalledBus struct {
	release chan struct{}
	calls   atomic.Int32
}

func (b *stalledBus) Publish(ctx context.Context, evs ...events.Event) error {
	b.calls.Add(1)
	<-b.release
	return nil
}

func (b *stalledBus) Subscribe(context.Context, events.Handler, ...events.Option) (string, error) {
	return "", nil
}

func (b *stalledBus) Unsubscribe(context.Context, string) error { return nil }

func (b *stalledBus) Close() error { return nil }

func TestStalledBusDoesNotDelayLoads(t *testing.T) {
	bus := &stalledBus{release: make(chan struct{})}
	defer close(bus.release)

	var providers []attachment.Provider
	for i := 0; i < 100; i++ {
		providers = append(providers, delayed(fmt.Sprintf("p%d", i), 50*time.Millisecond, nil, nil))
	}
	rec := newRecorder()
	c, err := New([]Item{NewItem("", providers...)}, rec.done, WithBus(bus))
	require.NoError(t, err)

	start := time.Now()
	c.BeginLoading()
	assert.Equal(t, report.Finished, rec.await(t))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	drain(t, c)
	require.Eventually(t, func() bool { return bus.calls.Load() == 1 }, time.Second, time.Millisecond)
}

func TestUnresponsiveRedisBusDoesNotDelayLoads(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, conn := range conns {
			_ = conn.Close()
		}
	})

	rdb := redis.NewClient(&redis.Options{Addr: ln.Addr().String(), ContextTimeoutEnabled: true})
	t.Cleanup(func() { _ = rdb.Close() })
	bus := events.NewBroker(events.WithRedisClient(rdb))
	t.Cleanup(func() { _ = bus.Close() })

	rec := newRecorder()
	c, err := New([]Item{NewItem("", delayed("a", 50*time.Millisecond, nil, nil))}, rec.done, WithBus(bus))
	require.NoError(t, err)

	start := time.Now()
	c.BeginLoading()
	assert.Equal(t, report.Finished, rec.await(t))
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, 500*time.Millisecond)
	drain(t, c)
}
