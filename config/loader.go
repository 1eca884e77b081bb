package config

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. SHARE_COORDINATOR_EAGER_LOAD.
const EnvPrefix = "SHARE"

type loaderConfig struct {
	envFile string
}

// LoaderOption configures Load.
type LoaderOption func(*loaderConfig)

// WithEnvFile loads path into the process environment before reading overrides.
func WithEnvFile(path string) LoaderOption {
	return func(lc *loaderConfig) { lc.envFile = path }
}

// Load reads the config file at path (optional), applies environment
// overrides and validates the result.
func Load(path string, opts ...LoaderOption) (Config, error) {
	var lc loaderConfig
	for _, opt := range opts {
		opt(&lc)
	}

	if lc.envFile != "" {
		if err := godotenv.Load(lc.envFile); err != nil {
			return Config{}, fmt.Errorf("failed to load env file %s: %w", lc.envFile, err)
		}
	}

	v := viper.New()
	setDefaults(v, Default())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		lenientBoolHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("coordinator.eager_load", d.Coordinator.EagerLoad)
	v.SetDefault("coordinator.concurrency", d.Coordinator.Concurrency)
	v.SetDefault("coordinator.load_timeout", d.Coordinator.LoadTimeout)
	v.SetDefault("coordinator.type_preference", d.Coordinator.TypePreference)
	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("events.backend", d.Events.Backend)
	v.SetDefault("events.channel", d.Events.Channel)
	v.SetDefault("outbox.enabled", d.Outbox.Enabled)
	v.SetDefault("outbox.list", d.Outbox.List)
	v.SetDefault("outbox.max_len", d.Outbox.MaxLen)
	v.SetDefault("outbox.dedupe_ttl", d.Outbox.DedupeTTL)
	v.SetDefault("outbox.post_timeout", d.Outbox.PostTimeout)
}

// ParseBool is the lenient boolean used for every flag: "true", "yes" and
// "1" in any case are true, everything else is false.
func ParseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "yes", "1":
		return true
	default:
		return false
	}
}

func lenientBoolHook() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to.Kind() != reflect.Bool || from.Kind() != reflect.String {
			return data, nil
		}
		return ParseBool(reflect.ValueOf(data).String()), nil
	}
}
