// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// NewVideo carries the fields of an upload request.
type NewVideo struct {
	Title       string
	Slug        string
	Description string
	SourceExt   string
	Priority    int
	MaxAttempts int
}

const videoColumns = `id, title, slug, description, category_id, duration,
	source_width, source_height, source_ext, status, error_message,
	published_at, deleted_at, created_at, updated_at`

func scanVideo(row interface{ Scan(...any) error }) (*Video, error) {
	var v Video
	err := row.Scan(&v.ID, &v.Title, &v.Slug, &v.Description, &v.CategoryID,
		&v.Duration, &v.SourceWidth, &v.SourceHeight, &v.SourceExt, &v.Status,
		&v.ErrorMessage, &v.PublishedAt, &v.DeletedAt, &v.CreatedAt, &v.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// CreateVideoWithJob inserts the video record and its pending transcoding job
// in one transaction. Exactly one job per video.
func (s *Store) CreateVideoWithJob(ctx context.Context, nv NewVideo) (*Video, *TranscodingJob, error) {
	if nv.MaxAttempts < 1 {
		nv.MaxAttempts = 3
	}
	now := s.now()

	var video *Video
	var job *TranscodingJob

	err := WithRetry(ctx, "create_video_with_job", func() error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			row := tx.QueryRowContext(ctx, `
				INSERT INTO videos (title, slug, description, source_ext, status, created_at, updated_at)
				VALUES (?, ?, ?, ?, 'pending', ?, ?)
				RETURNING `+videoColumns,
				nv.Title, nv.Slug, nv.Description, nv.SourceExt, now, now)
			v, err := scanVideo(row)
			if err != nil {
				if isUniqueViolation(err, "videos.slug") {
					return ErrSlugTaken
				}
				return fmt.Errorf("insert video: %w", err)
			}

			jrow := tx.QueryRowContext(ctx, `
				INSERT INTO transcoding_jobs (video_id, priority, max_attempts, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?)
				RETURNING `+jobColumns,
				v.ID, nv.Priority, nv.MaxAttempts, now, now)
			j, err := scanJob(jrow)
			if err != nil {
				return fmt.Errorf("insert job: %w", err)
			}

			video, job = v, j
			return nil
		})
	})
	if err != nil {
		return nil, nil, err
	}
	return video, job, nil
}

func isUniqueViolation(err error, constraint string) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") && strings.Contains(msg, strings.ToLower(constraint))
}

// GetVideo loads a video by ID, tombstoned or not.
func (s *Store) GetVideo(ctx context.Context, id int64) (*Video, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+videoColumns+` FROM videos WHERE id = ?`, id)
	return scanVideo(row)
}

// GetVideoBySlug loads a live (not soft-deleted) video by slug.
func (s *Store) GetVideoBySlug(ctx context.Context, slug string) (*Video, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+videoColumns+` FROM videos WHERE slug = ? AND deleted_at IS NULL`, slug)
	return scanVideo(row)
}

// SlugExists reports whether any video (including tombstoned) holds slug.
func (s *Store) SlugExists(ctx context.Context, slug string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM videos WHERE slug = ?`, slug).Scan(&n)
	return n > 0, err
}

// PatchSourceMeta fills duration and source dimensions if still unset.
// Idempotent: later probes never overwrite the first reported values.
func (s *Store) PatchSourceMeta(ctx context.Context, videoID int64, duration *float64, width, height *int) error {
	return WithRetry(ctx, "patch_source_meta", func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE videos SET
				duration      = COALESCE(duration, ?),
				source_width  = COALESCE(source_width, ?),
				source_height = COALESCE(source_height, ?),
				updated_at    = ?
			WHERE id = ?`,
			duration, width, height, s.now(), videoID)
		return err
	})
}

// SoftDeleteVideo tombstones a video. The caller moves its files to the
// archive tree.
func (s *Store) SoftDeleteVideo(ctx context.Context, id int64) error {
	return WithRetry(ctx, "soft_delete_video", func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE videos SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
			s.now(), s.now(), id)
		if err != nil {
			return err
		}
		return requireRow(res)
	})
}

// RestoreVideo clears the tombstone.
func (s *Store) RestoreVideo(ctx context.Context, id int64) error {
	return WithRetry(ctx, "restore_video", func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE videos SET deleted_at = NULL, updated_at = ? WHERE id = ? AND deleted_at IS NOT NULL`,
			s.now(), id)
		if err != nil {
			return err
		}
		return requireRow(res)
	})
}

// DeleteVideoPermanent removes the video and its dependents in FK order.
// Cascades would cover this, but explicit ordering keeps the delete auditable
// on stores without cascade support.
func (s *Store) DeleteVideoPermanent(ctx context.Context, id int64) error {
	return WithRetry(ctx, "delete_video_permanent", func() error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			stmts := []string{
				`DELETE FROM quality_progress WHERE job_id IN (SELECT id FROM transcoding_jobs WHERE video_id = ?)`,
				`DELETE FROM transcoding_jobs WHERE video_id = ?`,
				`DELETE FROM video_qualities WHERE video_id = ?`,
				`DELETE FROM videos WHERE id = ?`,
			}
			for _, q := range stmts {
				if _, err := tx.ExecContext(ctx, q, id); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

// ListExpiredArchived returns soft-deleted videos whose tombstone is older
// than cutoff, bounded by limit.
func (s *Store) ListExpiredArchived(ctx context.Context, cutoff time.Time, limit int) ([]Video, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+videoColumns+` FROM videos
		WHERE deleted_at IS NOT NULL AND deleted_at < ?
		ORDER BY deleted_at ASC LIMIT ?`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Video
	for rows.Next() {
		v, err := scanVideo(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

// VideoQualities lists the produced variants for a video.
func (s *Store) VideoQualities(ctx context.Context, videoID int64) ([]VideoQuality, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, video_id, quality, width, height, bitrate_kbps, created_at
		FROM video_qualities WHERE video_id = ? ORDER BY height DESC`, videoID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []VideoQuality
	for rows.Next() {
		var q VideoQuality
		if err := rows.Scan(&q.ID, &q.VideoID, &q.Quality, &q.Width, &q.Height, &q.BitrateKbps, &q.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// QualityReferenced reports whether (slug, quality) is backed by a
// video_qualities row. The janitor uses this to identify orphan directories.
func (s *Store) QualityReferenced(ctx context.Context, slug, quality string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM video_qualities q
		JOIN videos v ON v.id = q.video_id
		WHERE v.slug = ? AND q.quality = ?`, slug, quality).Scan(&n)
	return n > 0, err
}

// HasActiveJob reports whether the video's job is still in flight.
func (s *Store) HasActiveJob(ctx context.Context, slug string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM transcoding_jobs j
		JOIN videos v ON v.id = j.video_id
		WHERE v.slug = ? AND j.completed_at IS NULL`, slug).Scan(&n)
	return n > 0, err
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
