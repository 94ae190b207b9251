package chorus

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"strings"
	"time"
)

// Transient marks an error as retryable (database busy, net timeout).
// Stores wrap such failures so Retry can tell them from permanent
// ones.
type Transient struct {
	Err error
}

func (t *Transient) Error() string { return "transient: " + t.Err.Error() }
func (t *Transient) Unwrap() error { return t.Err }

// IsTransient reports whether err is retryable. Besides the explicit
// Transient wrapper it recognises the sqlite busy/locked strings that
// leak through database/sql.
func IsTransient(err error) bool {
	var t *Transient
	if errors.As(err, &t) {
		return true
	}
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "i/o timeout")
}

const (
	retryMaxAttempts = 3
	retryBaseDelay   = 100 * time.Millisecond
)

// Retry calls fn up to retryMaxAttempts times, sleeping between
// transient failures with exponential backoff plus jitter. Permanent
// errors return immediately.
func Retry[T any](ctx context.Context, logger *slog.Logger, op string, fn func() (T, error)) (T, error) {
	var zero T
	var last error
	for i := 0; i < retryMaxAttempts; i++ {
		result, err := fn()
		if err == nil || !IsTransient(err) {
			return result, err
		}
		last = err
		logger.Warn("retrying transient error",
			"op", op,
			"attempt", i+1,
			"max_attempts", retryMaxAttempts,
			"error", err)
		if i < retryMaxAttempts-1 {
			timer := time.NewTimer(retryBackoff(retryBaseDelay, i))
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, ctx.Err()
			case <-timer.C:
			}
		}
	}
	logger.Error("all retry attempts exhausted", "op", op, "attempts", retryMaxAttempts, "error", last)
	return zero, last
}

// retryBackoff returns the delay for retry i (0-indexed).
// Exponential: base * 2^i, plus up to 50% random jitter.
func retryBackoff(base time.Duration, i int) time.Duration {
	exp := base * (1 << i)
	jitter := time.Duration(rand.Int63n(int64(exp)/2 + 1))
	return exp + jitter
}
