package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// ErrEmpty is returned by Next when no envelope arrived within the block time.
var ErrEmpty = errors.New("outbox: no envelope available")

// Consumer pops envelopes from the list in posting order.
type Consumer struct {
	rdb  redis.Cmdable
	list string
	opts consumerOptions
}

// NewConsumer creates a Consumer for list. An empty list uses DefaultList.
func NewConsumer(rdb redis.Cmdable, list string, opts ...ConsumerOption) *Consumer {
	cfg := defaultConsumerOptions()
	for _, opt := range opts {
		opt(&cfg)
	}
	if list == "" {
		list = DefaultList
	}
	return &Consumer{rdb: rdb, list: list, opts: cfg}
}

// Next blocks for the oldest envelope.
func (c *Consumer) Next(ctx context.Context) (*Envelope, error) {
	result, err := c.rdb.BRPop(ctx, c.opts.blockTime, c.list).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			log.Trace().Str("list", c.list).Msg("brpop timeout")
			return nil, ErrEmpty
		}
		return nil, err
	}
	// BRPOP returns [list, value].
	if len(result) != 2 || result[0] != c.list {
		log.Error().Str("list", c.list).Strs("brpop_result", result).Msg("invalid result format from brpop")
		return nil, fmt.Errorf("outbox: unexpected brpop reply of %d elements", len(result))
	}

	var env Envelope
	if err := json.Unmarshal([]byte(result[1]), &env); err != nil {
		log.Error().Err(err).Str("list", c.list).Msg("failed to deserialize envelope, skipping")
		return nil, fmt.Errorf("deserialization failed: %w", err)
	}
	log.Debug().Str("list", c.list).Str("envelope_id", env.ID).Int("entries", env.Count()).Msg("received envelope from list")
	return &env, nil
}
