// Package config loads engine configuration from layered sources:
// defaults, an optional YAML file, and environment variables, in
// ascending priority. Environment variables use the TIERCACHE_ prefix
// with underscores as separators (TIERCACHE_REDIS_HOST=localhost).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	env "github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/gaborage/tiercache/cache"
	"github.com/gaborage/tiercache/cache/redis"
	"github.com/gaborage/tiercache/invalidation"
)

// envPrefix namespaces the engine's environment variables.
const envPrefix = "TIERCACHE_"

// Config is the full engine configuration.
type Config struct {
	Log    LogConfig    `koanf:"log"`
	Local  LocalConfig  `koanf:"local"`
	Redis  redis.Config `koanf:"redis"`
	Events EventsConfig `koanf:"events"`
	Warmup WarmupConfig `koanf:"warmup"`
}

// LogConfig configures engine logging.
type LogConfig struct {
	Level  string `koanf:"level"`
	Pretty bool   `koanf:"pretty"`
}

// LocalConfig configures the in-process tier and entry defaults.
type LocalConfig struct {
	// Namespace is the key prefix the engine owns (enables remote Clear).
	Namespace string `koanf:"namespace"`

	// MaxKeys bounds the local tier size.
	MaxKeys int `koanf:"max_keys"`

	// DefaultTTLSeconds applies to operations without an explicit TTL.
	// Zero means operations must always supply one.
	DefaultTTLSeconds int64 `koanf:"default_ttl_seconds"`

	// MaxTTLSeconds caps any TTL constructed from this configuration.
	MaxTTLSeconds int64 `koanf:"max_ttl_seconds"`

	// StaleWindow is the default stale-while-revalidate window for
	// operations requesting SWR without an explicit window.
	StaleWindow time.Duration `koanf:"stale_window"`
}

// EventsConfig configures the invalidation event pipeline.
type EventsConfig struct {
	// DedupWindow is how long processed event digests are remembered.
	DedupWindow time.Duration `koanf:"dedup_window"`

	// Consumer configures the optional AMQP event consumer. Disabled
	// when the URL is empty.
	Consumer invalidation.ConsumerConfig `koanf:"consumer"`
}

// WarmupConfig configures the startup warmup runner.
type WarmupConfig struct {
	Concurrency int64 `koanf:"concurrency"`
}

// Load reads configuration from defaults, the optional YAML file at
// path (skipped silently when path is empty or missing), and environment
// variables.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("config: failed to load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: failed to load %s: %w", path, err)
		}
	}

	if err := loadEnv(k); err != nil {
		return nil, err
	}

	return unmarshal(k)
}

// LoadBytes reads configuration from raw YAML layered over defaults.
// Intended for tests and embedded configuration.
func LoadBytes(raw []byte) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("config: failed to load defaults: %w", err)
	}

	if err := k.Load(rawbytes.Provider(raw), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("config: failed to parse raw config: %w", err)
	}

	return unmarshal(k)
}

func loadEnv(k *koanf.Koanf) error {
	err := k.Load(env.Provider(".", env.Opt{
		Prefix: envPrefix,
		TransformFunc: func(key, value string) (string, any) {
			key = strings.TrimPrefix(key, envPrefix)
			key = strings.ReplaceAll(strings.ToLower(key), "_", ".")
			return key, value
		},
	}), nil)
	if err != nil {
		return fmt.Errorf("config: failed to load environment: %w", err)
	}
	return nil
}

func unmarshal(k *koanf.Koanf) (*Config, error) {
	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func defaults() map[string]any {
	return map[string]any{
		"log.level":  "info",
		"log.pretty": false,

		"local.max_keys":            cache.DefaultLocalSize,
		"local.default_ttl_seconds": 0,
		"local.max_ttl_seconds":     cache.DefaultMaxTTL,
		"local.stale_window":        cache.DefaultStaleWindow.String(),

		"redis.host":          "localhost",
		"redis.port":          6379,
		"redis.database":      0,
		"redis.pool_size":     10,
		"redis.dial_timeout":  "5s",
		"redis.read_timeout":  "3s",
		"redis.write_timeout": "3s",
		"redis.max_retries":   3,

		"events.dedup_window":      cache.DefaultDedupWindow.String(),
		"events.consumer.prefetch": 10,

		"warmup.concurrency": cache.DefaultWarmupConcurrency,
	}
}

// Validate fails fast on malformed configuration.
func (c *Config) Validate() error {
	if err := c.Redis.Validate(); err != nil {
		return err
	}

	if c.Local.MaxKeys <= 0 {
		return cache.NewConfigError("local.max_keys", fmt.Sprintf("must be positive, got %d", c.Local.MaxKeys), nil)
	}

	if c.Local.MaxTTLSeconds <= 0 {
		return cache.NewConfigError("local.max_ttl_seconds", fmt.Sprintf("must be positive, got %d", c.Local.MaxTTLSeconds), nil)
	}

	if c.Local.DefaultTTLSeconds < 0 {
		return cache.NewConfigError("local.default_ttl_seconds", "cannot be negative", nil)
	}
	if c.Local.DefaultTTLSeconds > c.Local.MaxTTLSeconds {
		return cache.NewConfigError("local.default_ttl_seconds", "exceeds local.max_ttl_seconds", nil)
	}

	if c.Local.StaleWindow < 0 {
		return cache.NewConfigError("local.stale_window", "cannot be negative", nil)
	}

	if c.Events.DedupWindow <= 0 {
		return cache.NewConfigError("events.dedup_window", "must be positive", nil)
	}

	if c.Warmup.Concurrency <= 0 {
		return cache.NewConfigError("warmup.concurrency", "must be positive", nil)
	}

	return nil
}

// DefaultTTL returns the configured default TTL, or the zero TTL when
// none is configured.
func (c *Config) DefaultTTL() (cache.TTL, error) {
	if c.Local.DefaultTTLSeconds == 0 {
		return cache.TTL{}, nil
	}
	return cache.NewTTLWithMax(float64(c.Local.DefaultTTLSeconds), c.Local.MaxTTLSeconds)
}
