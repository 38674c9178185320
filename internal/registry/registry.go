// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package registry manages worker identity: registration, API key issuance
// and request authentication. Keys are stored hashed; the raw secret exists
// only in the registration response.
package registry

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ManuGH/vodforge/internal/log"
	"github.com/ManuGH/vodforge/internal/metrics"
	"github.com/ManuGH/vodforge/internal/store"
)

// keyPrefixLen is how many leading characters of the presented key select
// hash candidates. Short enough to be useless alone, long enough to keep
// the candidate set tiny.
const keyPrefixLen = 8

// keySecretBytes is the entropy behind each issued key.
const keySecretBytes = 32

var (
	// ErrUnauthorized covers every authentication failure. Callers get no
	// detail; the reason only reaches logs and metrics.
	ErrUnauthorized = errors.New("registry: unauthorized")

	// ErrWorkerDisabled marks a valid key whose worker an operator disabled.
	ErrWorkerDisabled = errors.New("registry: worker disabled")
)

// Registry issues and validates worker credentials.
type Registry struct {
	store  *store.Store
	logger zerolog.Logger
}

// New creates a Registry over the store.
func New(s *store.Store) *Registry {
	return &Registry{
		store:  s,
		logger: log.WithComponent("registry"),
	}
}

// Registration is what a successful Register returns. APIKey is shown here
// and never again.
type Registration struct {
	Worker *store.Worker
	APIKey string
}

// Register creates the worker record and issues its first API key.
func (r *Registry) Register(ctx context.Context, name string, typ store.WorkerType, capabilities string) (*Registration, error) {
	id := uuid.NewString()
	w, err := r.store.CreateWorker(ctx, id, name, typ, capabilities)
	if err != nil {
		return nil, fmt.Errorf("registry: create worker: %w", err)
	}

	key, err := r.IssueKey(ctx, id, nil)
	if err != nil {
		return nil, err
	}

	r.logger.Info().
		Str("event", "registry.registered").
		Str(log.FieldWorkerID, id).
		Str("name", name).
		Str("type", string(typ)).
		Msg("worker registered")
	return &Registration{Worker: w, APIKey: key}, nil
}

// IssueKey mints a fresh key for an existing worker and returns the raw
// secret. Only the SHA-256 hash and a lookup prefix are persisted.
func (r *Registry) IssueKey(ctx context.Context, workerID string, expiresAt *time.Time) (string, error) {
	secret := make([]byte, keySecretBytes)
	if _, err := rand.Read(secret); err != nil {
		return "", fmt.Errorf("registry: generate key: %w", err)
	}
	raw := "vfk_" + hex.EncodeToString(secret)

	sum := sha256.Sum256([]byte(raw))
	hash := hex.EncodeToString(sum[:])

	if _, err := r.store.InsertAPIKey(ctx, workerID, hash, raw[:keyPrefixLen], expiresAt); err != nil {
		return "", fmt.Errorf("registry: persist key: %w", err)
	}
	return raw, nil
}

// Authenticate resolves a presented key to its worker. The prefix narrows
// the candidate set; the hash comparison is constant-time per candidate so
// timing reveals nothing about how close a guess came.
func (r *Registry) Authenticate(ctx context.Context, presented string) (*store.Worker, error) {
	if len(presented) < keyPrefixLen {
		metrics.AuthFailures.WithLabelValues("malformed").Inc()
		return nil, ErrUnauthorized
	}

	candidates, err := r.store.KeysByPrefix(ctx, presented[:keyPrefixLen])
	if err != nil {
		return nil, fmt.Errorf("registry: key lookup: %w", err)
	}
	if len(candidates) == 0 {
		metrics.AuthFailures.WithLabelValues("unknown_prefix").Inc()
		return nil, ErrUnauthorized
	}

	sum := sha256.Sum256([]byte(presented))
	hash := hex.EncodeToString(sum[:])

	now := time.Now().UTC()
	for i := range candidates {
		k := &candidates[i]
		if subtle.ConstantTimeCompare([]byte(hash), []byte(k.KeyHash)) != 1 {
			continue
		}
		if k.ExpiresAt.Valid && !k.ExpiresAt.Time.After(now) {
			metrics.AuthFailures.WithLabelValues("expired").Inc()
			return nil, ErrUnauthorized
		}

		w, err := r.store.GetWorker(ctx, k.WorkerID)
		if err != nil {
			return nil, fmt.Errorf("registry: load worker: %w", err)
		}
		if w.Status == store.WorkerDisabled {
			metrics.AuthFailures.WithLabelValues("disabled").Inc()
			return nil, ErrWorkerDisabled
		}

		// Usage telemetry must never fail the request.
		go func(keyID int64) {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := r.store.TouchKeyUsed(ctx, keyID); err != nil {
				r.logger.Debug().Err(err).Int64("key_id", keyID).Msg("last_used update failed")
			}
		}(k.ID)

		return w, nil
	}

	metrics.AuthFailures.WithLabelValues("bad_secret").Inc()
	return nil, ErrUnauthorized
}

// Heartbeat refreshes worker liveness.
func (r *Registry) Heartbeat(ctx context.Context, workerID string) error {
	if err := r.store.Heartbeat(ctx, workerID); err != nil {
		return fmt.Errorf("registry: heartbeat: %w", err)
	}
	return nil
}

// MarkOffline flips workers silent since cutoff to offline and returns them.
func (r *Registry) MarkOffline(ctx context.Context, cutoff time.Time) ([]string, error) {
	ids, err := r.store.MarkOfflineWorkers(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("registry: mark offline: %w", err)
	}
	for _, id := range ids {
		metrics.WorkersOffline.Inc()
		r.logger.Warn().
			Str("event", "registry.worker_offline").
			Str(log.FieldWorkerID, id).
			Msg("worker missed heartbeat window")
	}
	return ids, nil
}

// Disable blocks a worker and revokes its credentials.
func (r *Registry) Disable(ctx context.Context, workerID string) error {
	if err := r.store.SetWorkerStatus(ctx, workerID, store.WorkerDisabled); err != nil {
		return fmt.Errorf("registry: disable: %w", err)
	}
	n, err := r.store.RevokeWorkerKeys(ctx, workerID)
	if err != nil {
		return fmt.Errorf("registry: revoke keys: %w", err)
	}
	r.logger.Info().
		Str("event", "registry.worker_disabled").
		Str(log.FieldWorkerID, workerID).
		Int64("keys_revoked", n).
		Msg("worker disabled")
	return nil
}
