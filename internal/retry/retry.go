// Package retry is a generic exponential-backoff retry helper.
//
// Used for resilience against transient failures in:
//   - HTTP calls to the LLM provider
//   - Coordination-store calls through the Service/Tool Registry
//
// Strategy: exponential backoff with a configurable multiplier and a
// ceiling on the maximum delay.
package retry

import (
	"context"
	"fmt"
	"math"
	"net"
	"strings"
	"time"

	"github.com/lilycore/gateway-core/internal/logx"
)

// Config is the retry policy for one call site.
type Config struct {
	MaxRetries   int           // maximum number of retries (default 3)
	InitialDelay time.Duration // delay before the first retry (default 500ms)
	MaxDelay     time.Duration // ceiling on the delay between attempts (default 10s)
	Multiplier   float64       // backoff growth factor (default 1.5)
}

// DefaultConfig is the fallback used whenever a Config field is unset.
var DefaultConfig = Config{
	MaxRetries:   3,
	InitialDelay: 500 * time.Millisecond,
	MaxDelay:     10 * time.Second,
	Multiplier:   1.5,
}

// ToolCallConfig is a policy sized for MCP tool calls. The Tool Executor
// does not use it: it makes one round trip per server and moves on.
var ToolCallConfig = Config{
	MaxRetries:   3,
	InitialDelay: 1 * time.Second,
	MaxDelay:     8 * time.Second,
	Multiplier:   2.0,
}

// RegistryConfig is used for coordination-store HTTP calls (service
// discovery, self-registration, deregistration).
var RegistryConfig = Config{
	MaxRetries:   3,
	InitialDelay: 500 * time.Millisecond,
	MaxDelay:     5 * time.Second,
	Multiplier:   1.5,
}

// LLMConfig is used for calls to the LLM provider.
var LLMConfig = Config{
	MaxRetries:   3,
	InitialDelay: 2 * time.Second,
	MaxDelay:     15 * time.Second,
	Multiplier:   2.0,
}

// IsRetryable reports whether err looks transient and worth retrying.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()

	var netErr net.Error
	if isNetError(err, &netErr) {
		return true
	}

	for _, code := range []string{"502", "503", "504", "429"} {
		if strings.Contains(errStr, code) {
			return true
		}
	}

	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"eof",
		"timeout",
		"temporary failure",
		"no such host",
		"i/o timeout",
	}
	for _, pattern := range retryablePatterns {
		if strings.Contains(strings.ToLower(errStr), pattern) {
			return true
		}
	}

	return false
}

func isNetError(err error, target *net.Error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset")
}

// Do runs fn with retry on transient errors, using exponential backoff.
func Do(cfg Config, fn func() error) error {
	return DoWithContext(context.Background(), cfg, fn)
}

// DoWithContext is Do with cancellation support.
func DoWithContext(ctx context.Context, cfg Config, fn func() error) error {
	cfg = withDefaults(cfg)

	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			logx.Warn().
				Int("attempt", attempt).
				Int("max_retries", cfg.MaxRetries).
				Dur("delay", delay).
				Err(lastErr).
				Msg("retry: retrying after transient failure")

			select {
			case <-ctx.Done():
				return fmt.Errorf("retry cancelled: %w (last error: %v)", ctx.Err(), lastErr)
			case <-time.After(delay):
			}

			delay = time.Duration(float64(delay) * cfg.Multiplier)
			if delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
		}

		err := fn()
		if err == nil {
			if attempt > 0 {
				logx.Info().Int("attempt", attempt).Msg("retry: succeeded after retry")
			}
			return nil
		}

		lastErr = err

		if !IsRetryable(err) {
			logx.Debug().Err(err).Msg("retry: error is not transient, skipping retry")
			return err
		}
	}

	return fmt.Errorf("all %d attempts exhausted: %w", cfg.MaxRetries+1, lastErr)
}

// DoWithResult runs fn with retry and returns its result alongside the
// error, for call sites that need more than a plain error return.
func DoWithResult[T any](cfg Config, fn func() (T, error)) (T, error) {
	return DoWithResultContext[T](context.Background(), cfg, fn)
}

// DoWithResultContext is DoWithResult with cancellation support.
func DoWithResultContext[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	cfg = withDefaults(cfg)

	var zero T
	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			logx.Warn().
				Int("attempt", attempt).
				Int("max_retries", cfg.MaxRetries).
				Dur("delay", delay).
				Err(lastErr).
				Msg("retry: retrying after transient failure")

			select {
			case <-ctx.Done():
				return zero, fmt.Errorf("retry cancelled: %w (last error: %v)", ctx.Err(), lastErr)
			case <-time.After(delay):
			}

			delay = time.Duration(math.Min(float64(delay)*cfg.Multiplier, float64(cfg.MaxDelay)))
		}

		result, err := fn()
		if err == nil {
			if attempt > 0 {
				logx.Info().Int("attempt", attempt).Msg("retry: succeeded after retry")
			}
			return result, nil
		}

		lastErr = err

		if !IsRetryable(err) {
			return zero, err
		}
	}

	return zero, fmt.Errorf("all %d attempts exhausted: %w", cfg.MaxRetries+1, lastErr)
}

func withDefaults(cfg Config) Config {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultConfig.MaxRetries
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = DefaultConfig.InitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultConfig.MaxDelay
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = DefaultConfig.Multiplier
	}
	return cfg
}
