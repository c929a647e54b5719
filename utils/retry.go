package utils

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig holds configuration for retry operations
type RetryConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
	// MaxAttempts caps retries after the first try; zero means only the
	// elapsed-time limit applies.
	MaxAttempts uint64
}

// DefaultRetryConfig returns a default retry configuration
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		MaxElapsedTime:  10 * time.Second,
	}
}

// NewBackOff builds the exponential policy described by config.
func (config *RetryConfig) NewBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = config.InitialInterval
	b.MaxInterval = config.MaxInterval
	b.MaxElapsedTime = config.MaxElapsedTime
	b.Reset()
	return b
}

// WithRetry executes an operation with retry logic using exponential backoff.
// It stops early when ctx ends or the operation returns backoff.Permanent.
func WithRetry(ctx context.Context, operation func() error, config *RetryConfig) error {
	if config == nil {
		config = DefaultRetryConfig()
	}
	var b backoff.BackOff = config.NewBackOff()
	if config.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, config.MaxAttempts)
	}
	return backoff.Retry(operation, backoff.WithContext(b, ctx))
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
