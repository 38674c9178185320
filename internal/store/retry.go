// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package store

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/ManuGH/vodforge/internal/log"
	"github.com/ManuGH/vodforge/internal/metrics"
)

const (
	retryAttempts = 5
	retryBase     = 100 * time.Millisecond
	retryCap      = 2 * time.Second
)

// IsRetryable reports whether err is transient lock contention or a
// serialization/connection hiccup worth retrying.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "database is locked"),
		strings.Contains(msg, "database table is locked"),
		strings.Contains(msg, "sqlite_busy"),
		strings.Contains(msg, "sqlite_locked"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "serialization failure"):
		return true
	}
	return false
}

// WithRetry runs fn with exponential backoff and jitter on retryable errors.
// After the budget is exhausted it returns ErrRetryableExhausted wrapping the
// last error.
func WithRetry(ctx context.Context, op string, fn func() error) error {
	var last error
	delay := retryBase

	for attempt := 1; attempt <= retryAttempts; attempt++ {
		last = fn()
		if last == nil {
			return nil
		}
		if !IsRetryable(last) {
			return last
		}

		if attempt == retryAttempts {
			break
		}

		// Full jitter on the current backoff window.
		sleep := time.Duration(rand.Int63n(int64(delay) + 1)) // #nosec G404 -- jitter, not crypto
		logger := log.WithComponent("store")
		logger.Debug().
			Str("op", op).
			Int("attempt", attempt).
			Dur("backoff", sleep).
			Err(last).
			Msg("retrying contended database operation")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}

		delay *= 2
		if delay > retryCap {
			delay = retryCap
		}
	}

	metrics.RetryableExhausted.Inc()
	return fmt.Errorf("%w: %s: %v", ErrRetryableExhausted, op, last)
}
