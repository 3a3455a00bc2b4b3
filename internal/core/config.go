package core

import (
	"log/slog"
	"math/rand/v2"

	"github.com/benbjohnson/clock"

	"github.com/joshuafuller/beacon-mdns/internal/errors"
	"github.com/joshuafuller/beacon-mdns/internal/logger"
	"github.com/joshuafuller/beacon-mdns/internal/metrics"
	"github.com/joshuafuller/beacon-mdns/internal/protocol"
)

// Message size limits accepted by Validate.
const (
	MinMaxMessageSize = 512
	MaxMaxMessageSize = 9000
)

// Config holds the values the engine options produce.
type Config struct {
	// Clock drives every timer. Tests pass a *clock.Mock.
	Clock clock.Clock

	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Rand supplies the randomized delays of RFC 6762 §6 and §8.1.
	Rand *rand.Rand

	// MaxMessageSize is the size at which outgoing messages are split.
	MaxMessageSize int

	// QuestionUnicast sets the QU bit on the first probe (RFC 6762 §8.1).
	QuestionUnicast bool
}

// DefaultConfig returns the configuration used when no option is given.
func DefaultConfig() Config {
	return Config{
		Clock:           clock.New(),
		Logger:          logger.Logger("core"),
		Rand:            rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		MaxMessageSize:  protocol.DefaultMaxMessageSize,
		QuestionUnicast: true,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Clock == nil {
		return &errors.ValidationError{Field: "Clock", Value: nil, Message: "clock is required"}
	}
	if c.Logger == nil {
		return &errors.ValidationError{Field: "Logger", Value: nil, Message: "logger is required"}
	}
	if c.Rand == nil {
		return &errors.ValidationError{Field: "Rand", Value: nil, Message: "random source is required"}
	}
	if c.MaxMessageSize < MinMaxMessageSize || c.MaxMessageSize > MaxMaxMessageSize {
		return &errors.ValidationError{
			Field:   "MaxMessageSize",
			Value:   c.MaxMessageSize,
			Message: "must be between 512 and 9000 bytes",
		}
	}
	return nil
}

// Option configures a Core in New.
type Option func(*Config) error

// WithClock replaces the wall clock, typically with clock.NewMock().
func WithClock(clk clock.Clock) Option {
	return func(c *Config) error {
		c.Clock = clk
		return nil
	}
}

// WithLogger sets the engine logger. Use logger.Discard() to silence it.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) error {
		c.Logger = l
		return nil
	}
}

// WithMetrics attaches Prometheus collectors created by metrics.New.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Config) error {
		c.Metrics = m
		return nil
	}
}

// WithMaxMessageSize sets the size at which outgoing messages are split
// (default 1200 bytes).
func WithMaxMessageSize(n int) Option {
	return func(c *Config) error {
		c.MaxMessageSize = n
		return nil
	}
}

// WithQuestionUnicast controls the QU bit on first probes.
func WithQuestionUnicast(allow bool) Option {
	return func(c *Config) error {
		c.QuestionUnicast = allow
		return nil
	}
}

// WithRand supplies a seeded random source, for reproducible delays in tests.
func WithRand(r *rand.Rand) Option {
	return func(c *Config) error {
		if r == nil {
			return &errors.ValidationError{Field: "Rand", Value: nil, Message: "random source is required"}
		}
		c.Rand = r
		return nil
	}
}
