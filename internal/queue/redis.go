// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ManuGH/vodforge/internal/config"
	"github.com/ManuGH/vodforge/internal/log"
	"github.com/ManuGH/vodforge/internal/metrics"
)

// priorityOrder is the receive preference, highest first.
var priorityOrder = []string{"high", "normal", "low"}

const consumerGroup = "workers"

// RedisBroker implements Broker on Redis streams. One stream per priority
// plus a capped dead-letter stream; a single consumer group shares the load.
type RedisBroker struct {
	client         *redis.Client
	logger         zerolog.Logger
	prefix         string
	block          time.Duration
	pendingTimeout time.Duration
	maxLen         int64
	deadLetterMax  int64
}

// NewRedisBroker connects, verifies the server and creates the consumer
// groups. The streams are created empty so group creation never races
// producers.
func NewRedisBroker(ctx context.Context, cfg config.Queue) (*RedisBroker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  cfg.BlockDuration + 2*time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("queue: redis connection failed: %w", err)
	}

	b := &RedisBroker{
		client:         client,
		logger:         log.WithComponent("queue"),
		prefix:         cfg.StreamPrefix,
		block:          cfg.BlockDuration,
		pendingTimeout: cfg.PendingTimeout,
		maxLen:         cfg.StreamMaxLen,
		deadLetterMax:  cfg.DeadLetterMax,
	}

	for _, p := range priorityOrder {
		err := client.XGroupCreateMkStream(ctx, b.stream(p), consumerGroup, "0").Err()
		if err != nil && !isBusyGroup(err) {
			_ = client.Close()
			return nil, fmt.Errorf("queue: create group on %s: %w", b.stream(p), err)
		}
	}

	b.logger.Info().
		Str("event", "queue.connected").
		Str("addr", cfg.RedisAddr).
		Str("prefix", cfg.StreamPrefix).
		Msg("redis job queue ready")
	return b, nil
}

func isBusyGroup(err error) bool {
	return err != nil && (errors.Is(err, redis.Nil) ||
		// BUSYGROUP means the group already exists, which is fine.
		len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP")
}

func (b *RedisBroker) stream(priority string) string {
	return b.prefix + ":" + priority
}

func (b *RedisBroker) deadStream() string {
	return b.prefix + ":dead"
}

// Enqueue publishes the dispatch on its priority stream, trimming the stream
// to the configured cap.
func (b *RedisBroker) Enqueue(ctx context.Context, d Dispatch) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("queue: marshal dispatch: %w", err)
	}
	priority := d.Priority
	switch priority {
	case "high", "normal", "low":
	default:
		priority = "normal"
	}

	err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.stream(priority),
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]any{"dispatch": payload},
	}).Err()
	if err != nil {
		return fmt.Errorf("queue: xadd: %w", err)
	}

	metrics.JobsEnqueued.WithLabelValues(priority).Inc()
	b.logger.Debug().
		Str("event", "queue.enqueued").
		Int64(log.FieldJobID, d.JobID).
		Str("priority", priority).
		Msg("dispatch published")
	return nil
}

// Receive first reclaims entries another consumer left pending past the
// timeout, then reads new entries, walking the streams in priority order.
// The block wait happens only on the lowest priority so a burst of high
// priority work is never delayed behind it.
func (b *RedisBroker) Receive(ctx context.Context, consumer string) (*Message, error) {
	if m, err := b.reclaim(ctx, consumer); err != nil || m != nil {
		return m, err
	}

	for i, p := range priorityOrder {
		block := time.Duration(-1) // non-blocking probe
		if i == len(priorityOrder)-1 {
			block = b.block
		}
		m, err := b.read(ctx, consumer, p, block)
		if err != nil || m != nil {
			return m, err
		}
	}
	return nil, nil
}

func (b *RedisBroker) read(ctx context.Context, consumer, priority string, block time.Duration) (*Message, error) {
	res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    consumerGroup,
		Consumer: consumer,
		Streams:  []string{b.stream(priority), ">"},
		Count:    1,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: xreadgroup %s: %w", priority, err)
	}
	for _, stream := range res {
		for _, entry := range stream.Messages {
			return b.decode(stream.Stream, entry, 1)
		}
	}
	return nil, nil
}

// reclaim takes over entries whose consumer died: anything pending longer
// than the pending timeout, scanned across all priorities.
func (b *RedisBroker) reclaim(ctx context.Context, consumer string) (*Message, error) {
	for _, p := range priorityOrder {
		entries, _, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   b.stream(p),
			Group:    consumerGroup,
			Consumer: consumer,
			MinIdle:  b.pendingTimeout,
			Start:    "0-0",
			Count:    1,
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("queue: xautoclaim %s: %w", p, err)
		}
		if len(entries) == 0 {
			continue
		}

		metrics.QueueReclaims.WithLabelValues(p).Inc()
		m, err := b.decode(b.stream(p), entries[0], 2)
		if err != nil {
			return nil, err
		}
		b.logger.Warn().
			Str("event", "queue.reclaimed").
			Int64(log.FieldJobID, m.JobID).
			Str("priority", p).
			Str("stream_id", m.StreamID).
			Msg("pending dispatch reclaimed from stalled consumer")
		return m, nil
	}
	return nil, nil
}

func (b *RedisBroker) decode(stream string, entry redis.XMessage, deliveries int64) (*Message, error) {
	raw, ok := entry.Values["dispatch"]
	if !ok {
		return nil, fmt.Errorf("queue: entry %s has no dispatch payload", entry.ID)
	}
	var d Dispatch
	if err := json.Unmarshal([]byte(fmt.Sprint(raw)), &d); err != nil {
		return nil, fmt.Errorf("queue: decode entry %s: %w", entry.ID, err)
	}
	return &Message{
		Dispatch:      d,
		StreamID:      entry.ID,
		Stream:        stream,
		DeliveryCount: deliveries,
	}, nil
}

// Ack removes the entry from the pending entries list.
func (b *RedisBroker) Ack(ctx context.Context, m *Message) error {
	return b.client.XAck(ctx, m.Stream, consumerGroup, m.StreamID).Err()
}

// DeadLetter copies the dispatch to the capped dead-letter stream and acks
// the original so it stops circulating.
func (b *RedisBroker) DeadLetter(ctx context.Context, m *Message, reason string) error {
	payload, err := json.Marshal(m.Dispatch)
	if err != nil {
		return fmt.Errorf("queue: marshal dead letter: %w", err)
	}
	err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.deadStream(),
		MaxLen: b.deadLetterMax,
		Approx: true,
		Values: map[string]any{
			"dispatch": payload,
			"reason":   reason,
			"origin":   m.Stream,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("queue: dead letter xadd: %w", err)
	}
	if err := b.Ack(ctx, m); err != nil {
		return err
	}

	metrics.JobsDeadLettered.Inc()
	b.logger.Error().
		Str("event", "queue.dead_lettered").
		Int64(log.FieldJobID, m.JobID).
		Str("reason", reason).
		Msg("dispatch moved to dead-letter stream")
	return nil
}

// TrimDeadLetter enforces the dead-letter cap, returning the entries
// dropped. The janitor calls this on its sweep.
func (b *RedisBroker) TrimDeadLetter(ctx context.Context) (int64, error) {
	n, err := b.client.XTrimMaxLen(ctx, b.deadStream(), b.deadLetterMax).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: trim dead letter: %w", err)
	}
	return n, nil
}

// DeadLetters lists up to count entries from the dead-letter stream, oldest
// first, for the operator surface.
func (b *RedisBroker) DeadLetters(ctx context.Context, count int64) ([]Message, error) {
	entries, err := b.client.XRangeN(ctx, b.deadStream(), "-", "+", count).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: read dead letters: %w", err)
	}
	out := make([]Message, 0, len(entries))
	for _, e := range entries {
		m, err := b.decode(b.deadStream(), e, 0)
		if err != nil {
			b.logger.Warn().Err(err).Str("stream_id", e.ID).Msg("skipping undecodable dead letter")
			continue
		}
		out = append(out, *m)
	}
	return out, nil
}

// Ping reports transport health.
func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close releases the client.
func (b *RedisBroker) Close() error {
	return b.client.Close()
}
