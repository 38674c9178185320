// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package queue carries job dispatch hints between the coordinator and its
// workers. The database remains the source of truth: losing a dispatch only
// delays a job until the next poll, it never loses work.
package queue

import (
	"context"
	"time"
)

// Dispatch is one job hint on the wire. The worker still has to win the
// database claim; a dispatch is an invitation, not a lease.
type Dispatch struct {
	JobID      int64     `json:"job_id"`
	VideoID    int64     `json:"video_id"`
	Slug       string    `json:"slug"`
	Priority   string    `json:"priority"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Message is a received dispatch plus the transport bookkeeping needed to
// acknowledge it.
type Message struct {
	Dispatch

	// StreamID is the broker-assigned entry ID.
	StreamID string
	// Stream is the priority stream the entry came from.
	Stream string
	// DeliveryCount is how often this entry has been handed out.
	DeliveryCount int64
}

// Broker moves dispatches. Implementations must tolerate duplicate delivery;
// consumers deduplicate through the claim CAS.
type Broker interface {
	// Enqueue publishes a dispatch on its priority stream.
	Enqueue(ctx context.Context, d Dispatch) error

	// Receive returns the next dispatch, preferring higher priority streams.
	// It blocks up to the configured block duration and returns (nil, nil)
	// when nothing arrived.
	Receive(ctx context.Context, consumer string) (*Message, error)

	// Ack removes a handled dispatch from the pending entries list.
	Ack(ctx context.Context, m *Message) error

	// DeadLetter moves a poisoned dispatch to the dead-letter stream and
	// acknowledges the original.
	DeadLetter(ctx context.Context, m *Message, reason string) error

	// Close releases the transport.
	Close() error
}
