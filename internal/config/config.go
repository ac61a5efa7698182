// =================================
// File: internal/config/config.go
// =================================
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// SWAPFLOW_WORKER_CONCURRENCY.
const EnvPrefix = "SWAPFLOW"

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Storage StorageConfig `mapstructure:"storage"`
	Queue   QueueConfig   `mapstructure:"queue"`
	Worker  WorkerConfig  `mapstructure:"worker"`
	Venues  VenuesConfig  `mapstructure:"venues"`
	Kafka   KafkaConfig   `mapstructure:"kafka"`
	Log     LogConfig     `mapstructure:"log"`
}

type ServerConfig struct {
	Host              string  `mapstructure:"host"`
	Port              int     `mapstructure:"port"`
	ShutdownTimeoutMs int     `mapstructure:"shutdown_timeout_ms"`
	RateLimit         float64 `mapstructure:"rate_limit"` // submissions per second per client, 0 disables
	RateBurst         int     `mapstructure:"rate_burst"`
}

type StorageConfig struct {
	DSN              string `mapstructure:"dsn"` // empty runs on the in-memory tier only
	PoolMax          int    `mapstructure:"pool_max"`
	PoolMin          int    `mapstructure:"pool_min"`
	RetryInitialMs   int    `mapstructure:"retry_initial_ms"`
	RetryMaxMs       int    `mapstructure:"retry_max_ms"`
	HealthIntervalMs int    `mapstructure:"health_interval_ms"`
	SlowQueryMs      int    `mapstructure:"slow_query_ms"`
	LogQueries       bool   `mapstructure:"log_queries"`
}

type QueueConfig struct {
	RedisURL          string `mapstructure:"redis_url"` // empty selects the in-process broker
	Prefix            string `mapstructure:"prefix"`
	Capacity          int    `mapstructure:"capacity"`
	PollTimeoutMs     int    `mapstructure:"poll_timeout_ms"`
	PromoteIntervalMs int    `mapstructure:"promote_interval_ms"`
}

type WorkerConfig struct {
	Concurrency  int `mapstructure:"concurrency"`
	MaxAttempts  int `mapstructure:"max_attempts"`
	BackoffMs    int `mapstructure:"backoff_ms"`
	MaxBackoffMs int `mapstructure:"max_backoff_ms"`
	BuildDelayMs int `mapstructure:"build_delay_ms"`
}

type VenuesConfig struct {
	BasePrice      float64 `mapstructure:"base_price"`
	QuoteLatencyMs int     `mapstructure:"quote_latency_ms"`
	SwapLatencyMs  int     `mapstructure:"swap_latency_ms"`
	SwapJitterMs   int     `mapstructure:"swap_jitter_ms"`
	FailureRate    float64 `mapstructure:"failure_rate"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"` // empty disables event export
	Topic   string   `mapstructure:"topic"`
}

type LogConfig struct {
	File        string `mapstructure:"file"`
	MaxSize     int    `mapstructure:"max_size"`
	MaxAge      int    `mapstructure:"max_age"`
	MaxBackups  int    `mapstructure:"max_backups"`
	Compress    bool   `mapstructure:"compress"`
	Development bool   `mapstructure:"development"`
}

const (
	DefaultPort          = 3000
	DefaultConcurrency   = 10
	DefaultMaxAttempts   = 3
	DefaultBackoffMs     = 5000
	DefaultMaxBackoffMs  = 600000
	DefaultBuildDelayMs  = 500
	DefaultQuoteLatency  = 200
	DefaultPoolMax       = 10
	DefaultPoolMin       = 2
	DefaultQueueCapacity = 1024
)

var defaults = map[string]interface{}{
	"server.host":                "0.0.0.0",
	"server.port":                DefaultPort,
	"server.shutdown_timeout_ms": 30000,
	"server.rate_limit":          20.0,
	"server.rate_burst":          40,

	"storage.dsn":                "",
	"storage.pool_max":           DefaultPoolMax,
	"storage.pool_min":           DefaultPoolMin,
	"storage.retry_initial_ms":   500,
	"storage.retry_max_ms":       30000,
	"storage.health_interval_ms": 15000,
	"storage.slow_query_ms":      200,
	"storage.log_queries":        false,

	"queue.redis_url":           "",
	"queue.prefix":              "swapflow:transactions",
	"queue.capacity":            DefaultQueueCapacity,
	"queue.poll_timeout_ms":     1000,
	"queue.promote_interval_ms": 250,

	"worker.concurrency":    DefaultConcurrency,
	"worker.max_attempts":   DefaultMaxAttempts,
	"worker.backoff_ms":     DefaultBackoffMs,
	"worker.max_backoff_ms": DefaultMaxBackoffMs,
	"worker.build_delay_ms": DefaultBuildDelayMs,

	"venues.base_price":       1.0,
	"venues.quote_latency_ms": DefaultQuoteLatency,
	"venues.swap_latency_ms":  2000,
	"venues.swap_jitter_ms":   1000,
	"venues.failure_rate":     0.0,

	"kafka.brokers": []string{},
	"kafka.topic":   "swapflow.transactions",

	"log.file":        "swapflow.log",
	"log.max_size":    100,
	"log.max_age":     7,
	"log.max_backups": 3,
	"log.compress":    true,
	"log.development": false,
}

// legacyEnv maps config keys to the bare environment names older
// deployments still export. The prefixed name always wins.
var legacyEnv = map[string][]string{
	"server.host":             {"SERVER_HOST", "HOST"},
	"server.port":             {"SERVER_PORT", "PORT"},
	"storage.dsn":             {"DATABASE_URL"},
	"storage.pool_max":        {"DATABASE_POOL_MAX"},
	"storage.pool_min":        {"DATABASE_POOL_MIN"},
	"queue.redis_url":         {"REDIS_URL"},
	"worker.concurrency":      {"WORKER_CONCURRENCY_LIMIT", "MAX_CONCURRENT_ORDERS"},
	"worker.max_attempts":     {"RETRY_ATTEMPT_LIMIT", "MAX_RETRIES"},
	"worker.backoff_ms":       {"RETRY_BACKOFF_DURATION", "RETRY_DELAY_MS"},
	"venues.quote_latency_ms": {"SIMULATION_LATENCY", "MOCK_DELAY_MS"},
}

// LoadConfig reads defaults, the optional file at path and environment
// overrides, in that order of precedence.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := loadEnvironmentVariables(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	normalize(&cfg)
	return &cfg, validateConfig(&cfg)
}

func loadEnvironmentVariables(v *viper.Viper) error {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, names := range legacyEnv {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(append([]string{key, prefixed}, names...)...); err != nil {
			return fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	return nil
}

// normalize clamps numeric knobs; non-positive values fall back to defaults.
func normalize(cfg *Config) {
	cfg.Worker.Concurrency = clamp(cfg.Worker.Concurrency, 1, 256, DefaultConcurrency)
	cfg.Worker.MaxAttempts = clamp(cfg.Worker.MaxAttempts, 1, 20, DefaultMaxAttempts)
	if cfg.Worker.BackoffMs < 0 {
		cfg.Worker.BackoffMs = DefaultBackoffMs
	}
	if cfg.Worker.MaxBackoffMs < cfg.Worker.BackoffMs {
		cfg.Worker.MaxBackoffMs = cfg.Worker.BackoffMs
	}
	if cfg.Worker.BuildDelayMs < 0 {
		cfg.Worker.BuildDelayMs = 0
	}
	cfg.Storage.PoolMax = clamp(cfg.Storage.PoolMax, 1, 100, DefaultPoolMax)
	if cfg.Storage.PoolMin < 0 || cfg.Storage.PoolMin > cfg.Storage.PoolMax {
		cfg.Storage.PoolMin = min(DefaultPoolMin, cfg.Storage.PoolMax)
	}
	cfg.Queue.Capacity = clamp(cfg.Queue.Capacity, 1, 1<<20, DefaultQueueCapacity)
	cfg.Kafka.Brokers = cleanList(cfg.Kafka.Brokers)
}

func clamp(val, lo, hi, def int) int {
	if val <= 0 {
		return def
	}
	if val < lo {
		return lo
	}
	if val > hi {
		return hi
	}
	return val
}

func cleanList(items []string) []string {
	var out []string
	for _, item := range items {
		for _, part := range strings.Split(item, ",") {
			if clean := strings.TrimSpace(part); clean != "" {
				out = append(out, clean)
			}
		}
	}
	return out
}

func validateConfig(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port: %d", cfg.Server.Port)
	}
	if cfg.Server.RateLimit < 0 {
		return errors.New("invalid server.rate_limit")
	}
	if cfg.Storage.DSN != "" {
		if err := validateDSN(cfg.Storage.DSN); err != nil {
			return err
		}
	}
	if cfg.Queue.RedisURL != "" {
		if err := validateURLWithCache(cfg.Queue.RedisURL, "redis"); err != nil {
			return fmt.Errorf("invalid queue.redis_url: %w", err)
		}
	}
	if cfg.Venues.BasePrice <= 0 {
		return errors.New("venues.base_price must be positive")
	}
	if cfg.Venues.FailureRate < 0 || cfg.Venues.FailureRate > 1 {
		return errors.New("venues.failure_rate must be within [0, 1]")
	}
	if len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.Topic == "" {
		return errors.New("kafka.topic is required when brokers are set")
	}
	return nil
}

func validateDSN(dsn string) error {
	switch {
	case strings.HasPrefix(dsn, "sqlite://"), strings.HasPrefix(dsn, "host="):
		return nil
	}
	if err := validateURLWithCache(dsn, "postgres"); err != nil {
		return fmt.Errorf("invalid storage.dsn: %w", err)
	}
	return nil
}

var urlCache sync.Map

func validateURLWithCache(rawURL string, protocol string) error {
	if _, ok := urlCache.Load(rawURL); ok {
		return nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return errors.New("invalid URL format")
	}
	if !strings.HasPrefix(parsed.Scheme, protocol) {
		return errors.New("invalid URL protocol")
	}
	urlCache.Store(rawURL, parsed)
	return nil
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

func (s ServerConfig) Addr() string                   { return fmt.Sprintf("%s:%d", s.Host, s.Port) }
func (s ServerConfig) ShutdownTimeout() time.Duration { return ms(s.ShutdownTimeoutMs) }

func (s StorageConfig) RetryInitial() time.Duration   { return ms(s.RetryInitialMs) }
func (s StorageConfig) RetryMax() time.Duration       { return ms(s.RetryMaxMs) }
func (s StorageConfig) HealthInterval() time.Duration { return ms(s.HealthIntervalMs) }
func (s StorageConfig) SlowQuery() time.Duration      { return ms(s.SlowQueryMs) }

func (q QueueConfig) PollTimeout() time.Duration     { return ms(q.PollTimeoutMs) }
func (q QueueConfig) PromoteInterval() time.Duration { return ms(q.PromoteIntervalMs) }

func (w WorkerConfig) Backoff() time.Duration    { return ms(w.BackoffMs) }
func (w WorkerConfig) MaxBackoff() time.Duration { return ms(w.MaxBackoffMs) }
func (w WorkerConfig) BuildDelay() time.Duration { return ms(w.BuildDelayMs) }

func (v VenuesConfig) QuoteLatency() time.Duration { return ms(v.QuoteLatencyMs) }
func (v VenuesConfig) SwapLatency() time.Duration  { return ms(v.SwapLatencyMs) }
func (v VenuesConfig) SwapJitter() time.Duration   { return ms(v.SwapJitterMs) }
