// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package store

import (
	"context"
	"database/sql"
	"fmt"
)

// schema is applied at open. Statements are idempotent; additive migrations
// append to this list and are guarded by IF NOT EXISTS.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS videos (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		title          TEXT NOT NULL,
		slug           TEXT NOT NULL UNIQUE,
		description    TEXT NOT NULL DEFAULT '',
		category_id    INTEGER,
		duration       REAL,
		source_width   INTEGER,
		source_height  INTEGER,
		source_ext     TEXT NOT NULL DEFAULT 'mp4',
		status         TEXT NOT NULL DEFAULT 'pending'
			CHECK (status IN ('pending','processing','ready','failed')),
		error_message  TEXT,
		published_at   TIMESTAMP,
		deleted_at     TIMESTAMP,
		created_at     TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at     TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,

	`CREATE TABLE IF NOT EXISTS video_qualities (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		video_id      INTEGER NOT NULL REFERENCES videos(id) ON DELETE CASCADE,
		quality       TEXT NOT NULL
			CHECK (quality IN ('2160p','1440p','1080p','720p','480p','360p','original')),
		width         INTEGER NOT NULL,
		height        INTEGER NOT NULL,
		bitrate_kbps  INTEGER NOT NULL,
		created_at    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (video_id, quality)
	)`,

	`CREATE TABLE IF NOT EXISTS workers (
		id              TEXT PRIMARY KEY,
		name            TEXT NOT NULL DEFAULT '',
		worker_type     TEXT NOT NULL DEFAULT 'remote'
			CHECK (worker_type IN ('local','remote')),
		status          TEXT NOT NULL DEFAULT 'active'
			CHECK (status IN ('active','offline','disabled')),
		capabilities    TEXT NOT NULL DEFAULT '{}',
		registered_at   TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		last_heartbeat  TIMESTAMP
	)`,

	`CREATE TABLE IF NOT EXISTS worker_api_keys (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		worker_id     TEXT NOT NULL REFERENCES workers(id) ON DELETE CASCADE,
		key_hash      TEXT NOT NULL UNIQUE,
		key_prefix    TEXT NOT NULL,
		expires_at    TIMESTAMP,
		revoked_at    TIMESTAMP,
		last_used_at  TIMESTAMP,
		created_at    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_worker_api_keys_prefix ON worker_api_keys(key_prefix)`,

	`CREATE TABLE IF NOT EXISTS transcoding_jobs (
		id                INTEGER PRIMARY KEY AUTOINCREMENT,
		video_id          INTEGER NOT NULL UNIQUE REFERENCES videos(id) ON DELETE CASCADE,
		worker_id         TEXT REFERENCES workers(id) ON DELETE SET NULL,
		priority          INTEGER NOT NULL DEFAULT 1,
		current_step      TEXT NOT NULL DEFAULT 'pending'
			CHECK (current_step IN ('pending','probe','thumbnail','transcode','master_playlist','finalize')),
		progress_percent  REAL NOT NULL DEFAULT 0
			CHECK (progress_percent >= 0 AND progress_percent <= 100),
		attempt_number    INTEGER NOT NULL DEFAULT 1 CHECK (attempt_number >= 1),
		max_attempts      INTEGER NOT NULL DEFAULT 3,
		claimed_at        TIMESTAMP,
		claim_expires_at  TIMESTAMP,
		started_at        TIMESTAMP,
		last_checkpoint   TIMESTAMP,
		completed_at      TIMESTAMP,
		last_error        TEXT,
		created_at        TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at        TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_claimable
		ON transcoding_jobs(priority DESC, created_at ASC)
		WHERE completed_at IS NULL`,

	`CREATE TABLE IF NOT EXISTS quality_progress (
		id                INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id            INTEGER NOT NULL REFERENCES transcoding_jobs(id) ON DELETE CASCADE,
		quality           TEXT NOT NULL,
		status            TEXT NOT NULL DEFAULT 'pending'
			CHECK (status IN ('pending','in_progress','uploading','uploaded','completed','failed','skipped')),
		progress_percent  REAL NOT NULL DEFAULT 0
			CHECK (progress_percent >= 0 AND progress_percent <= 100),
		error_message     TEXT,
		created_at        TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at        TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (job_id, quality)
	)`,
}

// Migrate applies the schema. Safe to call on every startup.
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migration %d failed: %w", i, err)
		}
	}
	return nil
}
