package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// DefaultChannel is the Redis pub/sub channel used when none is configured.
const DefaultChannel = "share:events"

var errRedisBusClosed = errors.New("events: redis bus is closed")

// RedisBus fans events out over a Redis pub/sub channel so diagnostics can be
// observed from other processes.
type RedisBus struct {
	client  redis.UniversalClient
	channel string

	mu     sync.Mutex
	closed bool
	subs   map[string]*redisSubscription
}

type redisSubscription struct {
	*subscription
	ps   *redis.PubSub
	done chan struct{}
}

// NewRedisBus creates a Bus publishing to channel.
func NewRedisBus(client redis.UniversalClient, channel string) *RedisBus {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisBus{client: client, channel: channel, subs: make(map[string]*redisSubscription)}
}

// Publish implements Bus.
func (r *RedisBus) Publish(ctx context.Context, events ...Event) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return errRedisBusClosed
	}

	for _, ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			log.Error().Err(err).Str("kind", string(ev.Kind)).Msg("failed to marshal event")
			continue
		}
		if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
			return fmt.Errorf("publish event to %s: %w", r.channel, err)
		}
	}
	return nil
}

// Subscribe implements Bus. It returns once Redis has confirmed the subscription.
func (r *RedisBus) Subscribe(ctx context.Context, handler Handler, opts ...Option) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return "", errRedisBusClosed
	}

	base, err := newSubscription(handler, opts...)
	if err != nil {
		return "", err
	}

	ps := r.client.Subscribe(ctx, r.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		base.close()
		return "", fmt.Errorf("subscribe to %s: %w", r.channel, err)
	}

	sub := &redisSubscription{subscription: base, ps: ps, done: make(chan struct{})}
	r.subs[sub.ID] = sub
	go sub.listen()

	log.Debug().Str("subscription_id", sub.ID).Str("channel", r.channel).Msg("redis event subscription created")
	return sub.ID, nil
}

func (s *redisSubscription) listen() {
	defer close(s.done)
	for msg := range s.ps.Channel() {
		var ev Event
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			log.Warn().Err(err).Str("subscription_id", s.ID).Msg("skipping malformed event")
			continue
		}
		if ok, err := s.offer(ev); err == nil && !ok {
			log.Warn().Str("subscription_id", s.ID).Str("kind", string(ev.Kind)).Msg("event dropped, subscriber queue full")
		}
	}
}

func (s *redisSubscription) stop() {
	if err := s.ps.Close(); err != nil {
		log.Warn().Err(err).Str("subscription_id", s.ID).Msg("error closing redis subscription")
	}
	<-s.done
	s.close()
}

// Unsubscribe implements Bus. Unknown IDs are ignored.
func (r *RedisBus) Unsubscribe(ctx context.Context, id string) error {
	r.mu.Lock()
	sub, ok := r.subs[id]
	delete(r.subs, id)
	r.mu.Unlock()

	if ok {
		sub.stop()
		log.Debug().Str("subscription_id", id).Msg("redis event subscription removed")
	}
	return nil
}

// Close implements Bus. The Redis client itself is owned by the caller.
func (r *RedisBus) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	subs := r.subs
	r.subs = make(map[string]*redisSubscription)
	r.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	log.Info().Str("channel", r.channel).Msg("redis event bus closed")
	return nil
}
