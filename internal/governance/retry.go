package governance

import (
	"errors"
	"math"
	"math/rand"
	"time"
)

var (
	// ErrMaxRetriesExceeded is returned when all retry attempts have been exhausted.
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
	// ErrPluginTimeout is returned when a plugin invocation exceeds its deadline.
	ErrPluginTimeout = errors.New("plugin invocation timeout exceeded")
)

// TransientError marks a plugin failure as retryable. Plugins wrap flaky upstream
// conditions in it; everything else fails the token on the first attempt.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "transient: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// RetryConfig defines retry behavior for plugin invocations.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts (0 = no retries).
	MaxRetries int
	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff caps the delay between retries.
	MaxBackoff time.Duration
	// BackoffMultiplier is the factor by which backoff increases.
	BackoffMultiplier float64
	// Jitter adds randomness to backoff to avoid retry storms.
	Jitter bool
}

// DefaultRetryConfig returns sensible defaults for plugin retries.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        0,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

// RetryPolicy determines whether and when a plugin invocation is retried.
type RetryPolicy struct {
	config RetryConfig
}

// NewRetryPolicy creates a retry policy with the given configuration.
func NewRetryPolicy(config RetryConfig) *RetryPolicy {
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = 100 * time.Millisecond
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 5 * time.Second
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = 2.0
	}
	return &RetryPolicy{config: config}
}

// Config returns the policy configuration.
func (p *RetryPolicy) Config() RetryConfig {
	return p.config
}

// ShouldRetry reports whether the attempt-th failure with err warrants another try.
func (p *RetryPolicy) ShouldRetry(attempt int, err error) bool {
	if p == nil || err == nil {
		return false
	}
	if attempt >= p.config.MaxRetries {
		return false
	}
	return IsTransient(err)
}

// CalculateBackoff returns the sleep before the attempt-th retry (0-based).
func (p *RetryPolicy) CalculateBackoff(attempt int) time.Duration {
	backoff := float64(p.config.InitialBackoff) * math.Pow(p.config.BackoffMultiplier, float64(attempt))
	if backoff > float64(p.config.MaxBackoff) {
		backoff = float64(p.config.MaxBackoff)
	}
	if p.config.Jitter {
		// +/-25% keeps concurrent retries from synchronizing.
		backoff *= 0.75 + rand.Float64()*0.5 //nolint:gosec // Jitter does not need crypto randomness.
	}
	return time.Duration(backoff)
}
