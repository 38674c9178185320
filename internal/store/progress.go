// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package store

import (
	"context"
)

// UpsertQualityProgress records the per-variant state for a job. The row is
// keyed on (job_id, quality); repeated reports update in place.
func (s *Store) UpsertQualityProgress(ctx context.Context, jobID int64, quality string, status QualityStatus, percent float64, errMsg string) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	var msg any
	if errMsg != "" {
		msg = Truncate(errMsg, maxErrorLen)
	}
	now := s.now()
	return WithRetry(ctx, "upsert_quality_progress", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO quality_progress (job_id, quality, status, progress_percent, error_message, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (job_id, quality) DO UPDATE SET
				status           = excluded.status,
				progress_percent = excluded.progress_percent,
				error_message    = excluded.error_message,
				updated_at       = excluded.updated_at`,
			jobID, quality, status, percent, msg, now, now)
		return err
	})
}

// MarkQualityUploaded flips a variant to uploaded after its archive has been
// extracted and promoted.
func (s *Store) MarkQualityUploaded(ctx context.Context, jobID int64, quality string) error {
	return s.UpsertQualityProgress(ctx, jobID, quality, QualityUploaded, 100, "")
}

// ListQualityProgress returns the per-variant rows for a job, stable order.
func (s *Store) ListQualityProgress(ctx context.Context, jobID int64) ([]QualityProgress, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, quality, status, progress_percent, error_message, created_at, updated_at
		FROM quality_progress WHERE job_id = ? ORDER BY quality`, jobID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []QualityProgress
	for rows.Next() {
		var p QualityProgress
		if err := rows.Scan(&p.ID, &p.JobID, &p.Quality, &p.Status, &p.ProgressPercent,
			&p.ErrorMessage, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UploadedQualities returns the variants a job has fully uploaded, used to
// gate finalize.
func (s *Store) UploadedQualities(ctx context.Context, jobID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT quality FROM quality_progress
		WHERE job_id = ? AND status IN ('uploaded', 'completed')
		ORDER BY quality`, jobID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var q string
		if err := rows.Scan(&q); err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}
