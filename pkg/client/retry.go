package client

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for retry operations.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recordgw_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "recordgw_retry_backoff_seconds",
		Help:    "Backoff duration before retries by error class",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"error_class"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recordgw_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

// RetryConfig holds the configuration for retry logic.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	MaxAttempts int

	// BaseDelay is the wait before the second attempt. It doubles for every
	// further attempt.
	BaseDelay time.Duration

	// MaxDelay caps a single wait. Zero disables the cap.
	MaxDelay time.Duration

	// Jitter randomises each wait by ±Jitter (0.2 = ±20%). Zero keeps waits exact.
	Jitter float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   1 * time.Second,
	}
}

// Delay returns the wait before attempt (1-indexed, attempt >= 2) without jitter:
// BaseDelay * 2^(attempt-2).
func (c RetryConfig) Delay(attempt int) time.Duration {
	if attempt < 2 {
		return 0
	}
	d := c.BaseDelay
	for i := 2; i < attempt; i++ {
		d *= 2
		if c.MaxDelay > 0 && d >= c.MaxDelay {
			break
		}
	}
	if c.MaxDelay > 0 && d > c.MaxDelay {
		return c.MaxDelay
	}
	return d
}

func (c RetryConfig) withDefaults() RetryConfig {
	def := DefaultRetryConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = def.BaseDelay
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
	return c
}

// WithRetry runs op until it succeeds, fails with a non-transient error, or
// MaxAttempts is reached. The last error is returned unchanged.
func WithRetry[T any](ctx context.Context, cfg RetryConfig, op func(context.Context) (T, error)) (T, error) {
	cfg = cfg.withDefaults()

	var zero T
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			errorClass := string(ClassOf(lastErr))
			wait := cfg.Delay(attempt)
			if cfg.Jitter > 0 {
				wait = time.Duration(float64(wait) * (1 - cfg.Jitter + rand.Float64()*2*cfg.Jitter))
			}

			retriesTotal.WithLabelValues(errorClass).Inc()
			retryBackoffSeconds.WithLabelValues(errorClass).Observe(wait.Seconds())

			log.Debug().
				Str("error_class", errorClass).
				Int("attempt", attempt).
				Dur("backoff", wait).
				Msg("Retrying after backoff")

			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				log.Warn().
					Str("error_class", errorClass).
					Int("attempt", attempt).
					Msg("Context cancelled during retry backoff")
				return zero, fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
			case <-t.C:
			}
		}

		result, err := op(ctx)
		if err == nil {
			if attempt > 1 {
				log.Info().
					Int("attempt", attempt).
					Msg("Request succeeded after retry")
			}
			return result, nil
		}

		lastErr = err
		if !IsTransient(err) {
			return zero, err
		}
	}

	errorClass := string(ClassOf(lastErr))
	retryExhaustedTotal.WithLabelValues(errorClass).Inc()
	log.Warn().
		Err(lastErr).
		Str("error_class", errorClass).
		Int("max_attempts", cfg.MaxAttempts).
		Msg("Retry attempts exhausted")

	return zero, lastErr
}
