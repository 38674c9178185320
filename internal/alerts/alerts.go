// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package alerts delivers operational events to a webhook. Delivery is best
// effort: alerts are rate limited, and a failing endpoint trips a breaker so
// a dead webhook cannot slow the maintenance loop down.
package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/ManuGH/vodforge/internal/log"
	"github.com/ManuGH/vodforge/internal/metrics"
)

// Event classifies an alert.
type Event string

const (
	EventJobRecovered  Event = "job_recovered"
	EventJobExhausted  Event = "job_exhausted"
	EventWorkerOffline Event = "worker_offline"
	EventQueueDegraded Event = "queue_degraded"
)

const (
	deliverTimeout = 10 * time.Second
	breakThreshold = 3
	breakReset     = 5 * time.Minute
)

// Notifier posts alerts to one webhook URL. A nil Notifier and an empty URL
// are both valid and drop everything, so call sites stay unconditional.
type Notifier struct {
	url    string
	httpc  *http.Client
	limit  *rate.Limiter
	logger zerolog.Logger
	now    func() time.Time

	mu       sync.Mutex
	failures int
	openedAt time.Time
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(n *Notifier) { n.now = now }
}

// New creates a Notifier. url may be empty.
func New(url string, opts ...Option) *Notifier {
	n := &Notifier{
		url:   url,
		httpc: &http.Client{Timeout: deliverTimeout},
		// One alert per 10s sustained, short bursts allowed.
		limit:  rate.NewLimiter(rate.Every(10*time.Second), 5),
		logger: log.WithComponent("alerts"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

type payload struct {
	Event     Event          `json:"event"`
	Timestamp time.Time      `json:"timestamp"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Notify posts one event. Failures are counted, never returned: an alert
// that cannot be delivered is logged and dropped.
func (n *Notifier) Notify(ctx context.Context, event Event, fields map[string]any) {
	if n == nil || n.url == "" {
		return
	}
	if !n.limit.Allow() {
		metrics.AlertDeliveries.WithLabelValues(string(event), "throttled").Inc()
		return
	}
	if n.open() {
		metrics.AlertDeliveries.WithLabelValues(string(event), "suppressed").Inc()
		return
	}

	body, err := json.Marshal(payload{Event: event, Timestamp: n.now().UTC(), Fields: fields})
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, deliverTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpc.Do(req)
	if err == nil {
		_ = resp.Body.Close()
	}
	if err != nil || resp.StatusCode >= 300 {
		n.recordFailure()
		metrics.AlertDeliveries.WithLabelValues(string(event), "error").Inc()
		n.logger.Warn().Err(err).Str("event", string(event)).Msg("alert delivery failed")
		return
	}

	n.recordSuccess()
	metrics.AlertDeliveries.WithLabelValues(string(event), "ok").Inc()
}

// open reports whether the breaker currently suppresses deliveries, closing
// it again once the reset window elapsed.
func (n *Notifier) open() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failures < breakThreshold {
		return false
	}
	if n.now().Sub(n.openedAt) >= breakReset {
		// Half-open: let one delivery probe the endpoint.
		n.failures = breakThreshold - 1
		return false
	}
	return true
}

func (n *Notifier) recordFailure() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures++
	if n.failures == breakThreshold {
		n.openedAt = n.now()
		n.logger.Warn().Msg("alert webhook breaker opened")
	}
}

func (n *Notifier) recordSuccess() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures = 0
}
