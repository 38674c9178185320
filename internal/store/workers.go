// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

const workerColumns = `id, name, worker_type, status, capabilities, registered_at, last_heartbeat`

func scanWorker(row interface{ Scan(...any) error }) (*Worker, error) {
	var w Worker
	err := row.Scan(&w.ID, &w.Name, &w.Type, &w.Status, &w.Capabilities,
		&w.RegisteredAt, &w.LastHeartbeat)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// CreateWorker registers a worker record. The ID is caller-supplied (UUID).
func (s *Store) CreateWorker(ctx context.Context, id, name string, typ WorkerType, capabilities string) (*Worker, error) {
	if capabilities == "" {
		capabilities = "{}"
	}
	now := s.now()
	var w *Worker
	err := WithRetry(ctx, "create_worker", func() error {
		row := s.db.QueryRowContext(ctx, `
			INSERT INTO workers (id, name, worker_type, status, capabilities, registered_at)
			VALUES (?, ?, ?, 'active', ?, ?)
			RETURNING `+workerColumns,
			id, name, typ, capabilities, now)
		got, err := scanWorker(row)
		if err != nil {
			return err
		}
		w = got
		return nil
	})
	return w, err
}

// GetWorker loads a worker by ID.
func (s *Store) GetWorker(ctx context.Context, id string) (*Worker, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE id = ?`, id)
	return scanWorker(row)
}

// ListWorkers returns all registered workers, newest first.
func (s *Store) ListWorkers(ctx context.Context) ([]Worker, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+workerColumns+` FROM workers ORDER BY registered_at DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

// Heartbeat refreshes last_heartbeat and flips offline workers back to
// active. Disabled workers stay disabled.
func (s *Store) Heartbeat(ctx context.Context, workerID string) error {
	return WithRetry(ctx, "heartbeat", func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE workers SET
				last_heartbeat = ?,
				status = CASE WHEN status = 'offline' THEN 'active' ELSE status END
			WHERE id = ? AND status != 'disabled'`,
			s.now(), workerID)
		if err != nil {
			return err
		}
		return requireRow(res)
	})
}

// MarkOfflineWorkers flips active workers whose heartbeat is older than
// cutoff to offline and returns their IDs.
func (s *Store) MarkOfflineWorkers(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE workers SET status = 'offline'
		WHERE status = 'active'
		  AND (last_heartbeat IS NULL AND registered_at < ? OR last_heartbeat < ?)
		RETURNING id`, cutoff, cutoff)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// SetWorkerStatus sets the registry state directly (admin disable/enable).
func (s *Store) SetWorkerStatus(ctx context.Context, workerID string, status WorkerStatus) error {
	return WithRetry(ctx, "set_worker_status", func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE workers SET status = ? WHERE id = ?`, status, workerID)
		if err != nil {
			return err
		}
		return requireRow(res)
	})
}

const apiKeyColumns = `id, worker_id, key_hash, key_prefix, expires_at, revoked_at, last_used_at, created_at`

func scanAPIKey(row interface{ Scan(...any) error }) (*WorkerAPIKey, error) {
	var k WorkerAPIKey
	err := row.Scan(&k.ID, &k.WorkerID, &k.KeyHash, &k.KeyPrefix,
		&k.ExpiresAt, &k.RevokedAt, &k.LastUsedAt, &k.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &k, nil
}

// InsertAPIKey stores a hashed credential for a worker. Only the hash and
// the lookup prefix persist; the raw secret is the caller's to show once.
func (s *Store) InsertAPIKey(ctx context.Context, workerID, keyHash, keyPrefix string, expiresAt *time.Time) (*WorkerAPIKey, error) {
	var exp any
	if expiresAt != nil {
		exp = *expiresAt
	}
	var k *WorkerAPIKey
	err := WithRetry(ctx, "insert_api_key", func() error {
		row := s.db.QueryRowContext(ctx, `
			INSERT INTO worker_api_keys (worker_id, key_hash, key_prefix, expires_at, created_at)
			VALUES (?, ?, ?, ?, ?)
			RETURNING `+apiKeyColumns,
			workerID, keyHash, keyPrefix, exp, s.now())
		got, err := scanAPIKey(row)
		if err != nil {
			return err
		}
		k = got
		return nil
	})
	return k, err
}

// KeysByPrefix returns the unrevoked candidates sharing a lookup prefix.
// The caller does the constant-time hash comparison.
func (s *Store) KeysByPrefix(ctx context.Context, prefix string) ([]WorkerAPIKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+apiKeyColumns+` FROM worker_api_keys
		WHERE key_prefix = ? AND revoked_at IS NULL`, prefix)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []WorkerAPIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *k)
	}
	return out, rows.Err()
}

// TouchKeyUsed updates last_used_at. Fire-and-forget from the auth path;
// failures only cost telemetry.
func (s *Store) TouchKeyUsed(ctx context.Context, keyID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE worker_api_keys SET last_used_at = ? WHERE id = ?`, s.now(), keyID)
	return err
}

// RevokeKey marks a credential revoked. Idempotent.
func (s *Store) RevokeKey(ctx context.Context, keyID int64) error {
	return WithRetry(ctx, "revoke_key", func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE worker_api_keys SET revoked_at = COALESCE(revoked_at, ?) WHERE id = ?`,
			s.now(), keyID)
		return err
	})
}

// RevokeWorkerKeys revokes every live credential of a worker.
func (s *Store) RevokeWorkerKeys(ctx context.Context, workerID string) (int64, error) {
	var n int64
	err := WithRetry(ctx, "revoke_worker_keys", func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE worker_api_keys SET revoked_at = ? WHERE worker_id = ? AND revoked_at IS NULL`,
			s.now(), workerID)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}
