// Package resilience provides fault tolerance patterns
package resilience

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/meetcap/meetcap/internal/errors"
)

// Retry configuration constants
const (
	DefaultMaxRetries   = 3
	DefaultBaseDelay    = 500 * time.Millisecond
	DefaultMaxDelay     = 10 * time.Second
	DefaultJitterFactor = 0.2 // 20% jitter

	// Store-specific: short delays, SQLite lock contention clears quickly
	StoreMaxRetries = 5
	StoreBaseDelay  = 20 * time.Millisecond
	StoreMaxDelay   = 500 * time.Millisecond
)

// RetryConfig holds retry settings.
type RetryConfig struct {
	MaxRetries   int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64
	IsRetryable  func(error) bool
}

// DefaultRetryConfig returns standard retry settings.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   DefaultMaxRetries,
		BaseDelay:    DefaultBaseDelay,
		MaxDelay:     DefaultMaxDelay,
		JitterFactor: DefaultJitterFactor,
		IsRetryable:  errors.IsRetryable,
	}
}

// StoreRetryConfig returns settings tuned for transient database lock errors.
func StoreRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   StoreMaxRetries,
		BaseDelay:    StoreBaseDelay,
		MaxDelay:     StoreMaxDelay,
		JitterFactor: DefaultJitterFactor,
		IsRetryable:  errors.IsRetryable,
	}
}

// Retry executes fn with exponential backoff. Returns last error if all retries fail.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	cfg = cfg.withDefaults()
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		if lastErr = fn(); lastErr == nil {
			return nil
		}

		if !cfg.IsRetryable(lastErr) || attempt == cfg.MaxRetries {
			return lastErr
		}

		delay := backoffDelay(cfg, attempt)
		slog.Debug("retrying after error", "attempt", attempt+1, "max", cfg.MaxRetries, "delay", delay, "error", lastErr)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}

// backoffDelay calculates exponential backoff with jitter.
func backoffDelay(cfg RetryConfig, attempt int) time.Duration {
	delay := cfg.BaseDelay << min(attempt, 6) // Cap shift to prevent overflow
	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	jitter := float64(delay) * cfg.JitterFactor * (rand.Float64() - 0.5)
	return time.Duration(float64(delay) + jitter)
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.JitterFactor <= 0 {
		c.JitterFactor = DefaultJitterFactor
	}
	if c.IsRetryable == nil {
		c.IsRetryable = errors.IsRetryable
	}
	return c
}
