// Package config loads share settings from a config file, an optional .env
// file and SHARE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/toolink/share/attachment"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Event bus backends.
const (
	BackendNone   = "none"
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config is the full share configuration.
type Config struct {
	Log         LogConfig         `mapstructure:"log"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Events      EventsConfig      `mapstructure:"events"`
	Outbox      OutboxConfig      `mapstructure:"outbox"`
}

// LogConfig controls the global zerolog logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

// CoordinatorConfig mirrors the coordinator options.
type CoordinatorConfig struct {
	EagerLoad      bool          `mapstructure:"eager_load"`
	Concurrency    int           `mapstructure:"concurrency"`
	LoadTimeout    time.Duration `mapstructure:"load_timeout"`
	TypePreference []string      `mapstructure:"type_preference"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Options returns go-redis client options. Commands honour context deadlines.
func (c RedisConfig) Options() *redis.Options {
	return &redis.Options{Addr: c.Addr, Password: c.Password, DB: c.DB, ContextTimeoutEnabled: true}
}

type EventsConfig struct {
	Backend string `mapstructure:"backend"`
	Channel string `mapstructure:"channel"`
}

type OutboxConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	List        string        `mapstructure:"list"`
	MaxLen      int64         `mapstructure:"max_len"`
	DedupeTTL   time.Duration `mapstructure:"dedupe_ttl"`
	PostTimeout time.Duration `mapstructure:"post_timeout"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Log: LogConfig{Level: "info", Format: "console"},
		Coordinator: CoordinatorConfig{
			TypePreference: append([]string(nil), attachment.DefaultPreference...),
		},
		Events: EventsConfig{Backend: BackendMemory, Channel: "share:events"},
		Outbox: OutboxConfig{
			List:        "share:outbox",
			DedupeTTL:   10 * time.Minute,
			PostTimeout: 5 * time.Second,
		},
	}
}

// Validate checks value ranges and cross-field requirements.
func (c *Config) Validate() error {
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil || c.Log.Level == "" {
		return fmt.Errorf("%w: log.level %q", ErrInvalid, c.Log.Level)
	}
	if !slices.Contains([]string{"json", "console"}, c.Log.Format) {
		return fmt.Errorf("%w: log.format must be json or console (got: %s)", ErrInvalid, c.Log.Format)
	}
	if c.Coordinator.Concurrency < 0 {
		return fmt.Errorf("%w: coordinator.concurrency must not be negative", ErrInvalid)
	}
	if c.Coordinator.LoadTimeout < 0 {
		return fmt.Errorf("%w: coordinator.load_timeout must not be negative", ErrInvalid)
	}
	if !slices.Contains([]string{BackendNone, BackendMemory, BackendRedis}, c.Events.Backend) {
		return fmt.Errorf("%w: events.backend must be one of none, memory, redis (got: %s)", ErrInvalid, c.Events.Backend)
	}
	if c.Events.Backend == BackendRedis && c.Redis.Addr == "" {
		return fmt.Errorf("%w: events.backend redis requires redis.addr", ErrInvalid)
	}
	if c.Outbox.Enabled {
		if c.Redis.Addr == "" {
			return fmt.Errorf("%w: outbox requires redis.addr", ErrInvalid)
		}
		if c.Outbox.List == "" {
			return fmt.Errorf("%w: outbox.list is empty", ErrInvalid)
		}
	}
	if c.Outbox.MaxLen < 0 || c.Outbox.DedupeTTL < 0 || c.Outbox.PostTimeout < 0 {
		return fmt.Errorf("%w: outbox limits must not be negative", ErrInvalid)
	}
	return nil
}

// NeedsRedis reports whether any configured component talks to Redis.
func (c *Config) NeedsRedis() bool {
	return c.Outbox.Enabled || c.Events.Backend == BackendRedis
}
