package attachment

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Hash fields of content staged in Redis by the host.
const (
	fieldData = "data"
	fieldMIME = "mime"
	fieldName = "name"
)

// Staged is content a host writes to Redis for a Redis provider to load.
type Staged struct {
	Data []byte
	MIME string
	Name string
}

// Stage writes content under key with an optional ttl (zero keeps it).
func Stage(ctx context.Context, rdb redis.Cmdable, key string, content Staged, ttl time.Duration) error {
	_, err := rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fieldData, content.Data, fieldMIME, content.MIME, fieldName, content.Name)
		if ttl > 0 {
			pipe.Expire(ctx, key, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("stage %s: %w", key, err)
	}
	return nil
}

// RevokeStaged marks staged content as withdrawn by the host.
func RevokeStaged(ctx context.Context, rdb redis.Cmdable, key string) error {
	return rdb.Set(ctx, revokedKey(key), 1, 0).Err()
}

func revokedKey(key string) string { return key + ":revoked" }

// Redis provides content the host staged in Redis.
type Redis struct {
	typeSet
	client redis.Cmdable
	key    string
}

// NewRedis creates a provider reading key. With no types it declares TypeFile.
func NewRedis(id string, client redis.Cmdable, key string, types ...string) *Redis {
	if len(types) == 0 {
		types = []string{TypeFile}
	}
	return &Redis{typeSet: newTypeSet(id, types...), client: client, key: key}
}

// Load implements Provider.
func (r *Redis) Load(ctx context.Context, typeID string) (*Payload, error) {
	if err := checkType(r, typeID); err != nil {
		return nil, err
	}

	var (
		revoked *redis.IntCmd
		fields  *redis.MapStringStringCmd
	)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		revoked = pipe.Exists(ctx, revokedKey(r.key))
		fields = pipe.HGetAll(ctx, r.key)
		return nil
	})
	if err != nil {
		if isContextErr(err) || ctx.Err() != nil {
			return nil, ctxError(r.id, typeID, contextCause(ctx, err))
		}
		log.Error().Err(err).Str("attachment", r.id).Str("key", r.key).Msg("failed to read staged attachment")
		return nil, ioError(r.id, typeID, err)
	}

	if revoked.Val() > 0 {
		return nil, &LoadError{AttachmentID: r.id, TypeID: typeID, Err: ErrRevoked}
	}
	staged := fields.Val()
	if len(staged) == 0 {
		return nil, ioError(r.id, typeID, fmt.Errorf("staged key %s not found", r.key))
	}

	data := []byte(staged[fieldData])
	return &Payload{
		AttachmentID: r.id,
		TypeID:       typeID,
		Kind:         KindOf(typeID),
		MIME:         staged[fieldMIME],
		Name:         staged[fieldName],
		Data:         data,
	}, nil
}

func contextCause(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
