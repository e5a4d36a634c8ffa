package delivery

import (
	"log/slog"
	"time"

	"leadez/internal/domain"
	"leadez/internal/ratelimit"
)

const (
	DefaultBatchSize      = 50
	DefaultMaxPerMinute   = 10
	DefaultMinThreshold   = 10
	DefaultMaxRetries     = 3
	DefaultFlushThreshold = 25
	defaultFlushTimeout   = 5 * time.Second
)

// Config defines how a Queue batches, paces and retries.
type Config struct {
	BatchSize      int
	MaxPerMinute   int
	MinThreshold   int
	MaxRetries     int
	FlushThreshold int
	// MaxDispatch stops a run after this many sender invocations; zero means unbounded.
	MaxDispatch  int
	FlushTimeout time.Duration
	Clock        ratelimit.Clock
	Logger       *slog.Logger
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:      DefaultBatchSize,
		MaxPerMinute:   DefaultMaxPerMinute,
		MinThreshold:   DefaultMinThreshold,
		MaxRetries:     DefaultMaxRetries,
		FlushThreshold: DefaultFlushThreshold,
	}
}

func (c Config) withDefaults() Config {
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = defaultFlushTimeout
	}
	if c.Clock == nil {
		c.Clock = ratelimit.SystemClock{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Validate rejects non-positive sizes. Values are never clamped.
func (c Config) Validate() error {
	for _, check := range []struct {
		field string
		value int
	}{
		{"batch_size", c.BatchSize},
		{"max_per_minute", c.MaxPerMinute},
		{"min_threshold", c.MinThreshold},
		{"max_retries", c.MaxRetries},
		{"flush_threshold", c.FlushThreshold},
	} {
		if err := domain.RequirePositive(check.field, check.value); err != nil {
			return err
		}
	}
	if c.MaxDispatch < 0 {
		return &domain.ConfigurationError{Field: "max_dispatch", Reason: "must not be negative"}
	}
	return nil
}

// Option configures a Queue.
type Option func(*Config)

func WithConfig(cfg Config) Option {
	return func(c *Config) {
		clock, logger := c.Clock, c.Logger
		*c = cfg
		if c.Clock == nil {
			c.Clock = clock
		}
		if c.Logger == nil {
			c.Logger = logger
		}
	}
}

func WithBatchSize(n int) Option {
	return func(c *Config) { c.BatchSize = n }
}

func WithMaxPerMinute(n int) Option {
	return func(c *Config) { c.MaxPerMinute = n }
}

func WithMinThreshold(n int) Option {
	return func(c *Config) { c.MinThreshold = n }
}

func WithMaxRetries(n int) Option {
	return func(c *Config) { c.MaxRetries = n }
}

func WithFlushThreshold(n int) Option {
	return func(c *Config) { c.FlushThreshold = n }
}

func WithMaxDispatch(n int) Option {
	return func(c *Config) { c.MaxDispatch = n }
}

func WithClock(clock ratelimit.Clock) Option {
	return func(c *Config) { c.Clock = clock }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) { c.Logger = logger }
}
