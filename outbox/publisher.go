// Package outbox hands confirmed shares to the messaging transport through a
// Redis list.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// ErrDuplicate is returned when an envelope for the same session was already posted.
var ErrDuplicate = errors.New("outbox: session already posted")

// Publisher pushes envelopes onto a Redis list.
type Publisher struct {
	rdb  redis.Cmdable
	list string
	opts publisherOptions
}

// NewPublisher creates a Publisher for list. An empty list uses DefaultList.
func NewPublisher(rdb redis.Cmdable, list string, opts ...PublisherOption) *Publisher {
	cfg := defaultPublisherOptions()
	for _, opt := range opts {
		opt(&cfg)
	}
	if list == "" {
		list = DefaultList
	}
	return &Publisher{rdb: rdb, list: list, opts: cfg}
}

// List returns the Redis list the publisher writes to.
func (p *Publisher) List() string { return p.list }

// Post publishes env once per session.
func (p *Publisher) Post(ctx context.Context, env *Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	if _, deadlineSet := ctx.Deadline(); !deadlineSet {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.postTimeout)
		defer cancel()
	}

	data, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Str("envelope_id", env.ID).Msg("failed to serialize envelope")
		return fmt.Errorf("serialization failed: %w", err)
	}

	marker := p.markerKey(env.Session)
	if p.opts.dedupeTTL > 0 {
		ok, err := p.rdb.SetNX(ctx, marker, uuid.NewString(), p.opts.dedupeTTL).Result()
		if err != nil {
			log.Error().Err(err).Str("session", env.Session).Msg("failed to set outbox marker")
			return err
		}
		if !ok {
			log.Warn().Str("session", env.Session).Str("envelope_id", env.ID).Msg("duplicate post rejected")
			return ErrDuplicate
		}
	}

	if err := p.rdb.LPush(ctx, p.list, data).Err(); err != nil {
		log.Error().Err(err).Str("list", p.list).Str("envelope_id", env.ID).Msg("failed to publish envelope (lpush)")
		if p.opts.dedupeTTL > 0 {
			// let a retry of the same session through.
			if delErr := p.rdb.Del(context.WithoutCancel(ctx), marker).Err(); delErr != nil {
				log.Warn().Err(delErr).Str("session", env.Session).Msg("failed to clear outbox marker")
			}
		}
		return err
	}

	if p.opts.maxLen > 0 {
		if err := p.rdb.LTrim(ctx, p.list, 0, p.opts.maxLen-1).Err(); err != nil {
			log.Warn().Err(err).Str("list", p.list).Int64("max_len", p.opts.maxLen).Msg("failed to trim list after lpush")
		}
	}

	log.Debug().Str("list", p.list).Str("envelope_id", env.ID).Str("session", env.Session).Int("entries", env.Count()).Int("size", len(data)).Msg("envelope posted")
	return nil
}

func (p *Publisher) markerKey(session string) string {
	return p.list + ":posted:" + session
}
