package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"strings"
	"time"
)

// Config holds retry configuration.
//
// With Fixed set, every wait between attempts is exactly BaseBackoff. Otherwise waits grow
// exponentially from BaseBackoff up to MaxBackoff with jitter.
type Config struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Fixed       bool
}

// FixedConfig returns a configuration that waits the same delay between every attempt.
func FixedConfig(attempts int, delay time.Duration) Config {
	return Config{
		MaxAttempts: attempts,
		BaseBackoff: delay,
		MaxBackoff:  delay,
		Fixed:       true,
	}
}

// permanentError marks an error that must not be retried or failed over.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so that Failover stops immediately when fn returns it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Failover calls fn against the ordered endpoints, moving to the next endpoint (wrapping
// around) after every failure, for at most cfg.MaxAttempts calls. Any error other than a
// Permanent one triggers failover, unless ctx is done. It returns the index of the endpoint that succeeded, or of
// the last endpoint tried on failure.
func Failover[E any](ctx context.Context, cfg Config, endpoints []E, fn func(ctx context.Context, endpoint E) error) (int, error) {
	if len(endpoints) == 0 {
		return -1, errors.New("no endpoints configured")
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = len(endpoints)
	}

	var lastErr error
	idx := 0
	for attempt := 1; attempt <= attempts; attempt++ {
		idx = (attempt - 1) % len(endpoints)
		if attempt > 1 {
			if err := wait(ctx, cfg, attempt-1); err != nil {
				return idx, err
			}
		}

		lastErr = fn(ctx, endpoints[idx])
		if lastErr == nil {
			return idx, nil
		}
		if IsPermanent(lastErr) || ctx.Err() != nil {
			return idx, lastErr
		}
	}

	return idx, fmt.Errorf("failed after %d attempts across %d endpoints: %w", attempts, len(endpoints), lastErr)
}

func wait(ctx context.Context, cfg Config, attempt int) error {
	delay := cfg.BaseBackoff
	if !cfg.Fixed {
		delay = calculateBackoff(cfg.BaseBackoff, cfg.MaxBackoff, attempt)
	}
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	// Context cancellation is not retryable
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return true
		}
		if strings.Contains(err.Error(), "connection") ||
			strings.Contains(err.Error(), "EOF") ||
			strings.Contains(err.Error(), "broken pipe") {
			return true
		}
	}

	// Check for HTTP status codes
	type hasStatusCode interface {
		StatusCode() int
	}
	var sc hasStatusCode
	if errors.As(err, &sc) {
		switch sc.StatusCode() {
		case http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			return true
		}
	}

	errStr := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection closed",
		"connection refused",
		"eof",
		"broken pipe",
		"connection reset",
		"timeout",
		"temporary failure",
		"service unavailable",
		"rate limit",
		"too many requests",
		"unable to acquire database lock",
	}

	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// calculateBackoff calculates exponential backoff with jitter.
// Formula: base * 2^attempt * (0.5 + rand(0, 0.5))
func calculateBackoff(base, max time.Duration, attempt int) time.Duration {
	backoff := base * time.Duration(1<<uint(attempt))
	if backoff > max {
		backoff = max
	}
	jitter := 0.5 + rand.Float64()*0.5
	return time.Duration(float64(backoff) * jitter)
}
