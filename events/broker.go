package events

import (
	"context"
	"errors"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Broker wraps a Bus implementation chosen at construction time.
type Broker struct {
	impl Bus
	mu   sync.RWMutex
}

// BrokerOption configures the Broker.
type BrokerOption func(*brokerOptions)

type brokerOptions struct {
	redisClient redis.UniversalClient
	channel     string
}

// WithRedisClient selects the Redis pub/sub backend.
func WithRedisClient(client redis.UniversalClient) BrokerOption {
	return func(o *brokerOptions) {
		o.redisClient = client
	}
}

// WithChannel sets the Redis channel name.
func WithChannel(name string) BrokerOption {
	return func(o *brokerOptions) {
		o.channel = name
	}
}

// NewBroker creates a Broker backed by memory, or by Redis when a client is given.
func NewBroker(opts ...BrokerOption) *Broker {
	options := &brokerOptions{}
	for _, opt := range opts {
		opt(options)
	}

	var bus Bus
	if options.redisClient != nil {
		log.Info().Str("channel", options.channel).Msg("initializing event broker with redis backend")
		bus = NewRedisBus(options.redisClient, options.channel)
	} else {
		log.Debug().Msg("initializing event broker with memory backend")
		bus = NewMemoryBus()
	}
	return &Broker{impl: bus}
}

var errBrokerClosed = errors.New("events: broker closed")

// Publish implements Bus.
func (b *Broker) Publish(ctx context.Context, events ...Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.impl == nil {
		return errBrokerClosed
	}
	return b.impl.Publish(ctx, events...)
}

// Subscribe implements Bus.
func (b *Broker) Subscribe(ctx context.Context, handler Handler, opts ...Option) (string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.impl == nil {
		return "", errBrokerClosed
	}
	return b.impl.Subscribe(ctx, handler, opts...)
}

// Unsubscribe implements Bus.
func (b *Broker) Unsubscribe(ctx context.Context, id string) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.impl == nil {
		return errBrokerClosed
	}
	return b.impl.Unsubscribe(ctx, id)
}

// Close implements Bus.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.impl == nil {
		return nil
	}
	err := b.impl.Close()
	b.impl = nil
	return err
}
