// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const jobColumns = `id, video_id, worker_id, priority, current_step,
	progress_percent, attempt_number, max_attempts, claimed_at,
	claim_expires_at, started_at, last_checkpoint, completed_at, last_error,
	created_at, updated_at`

// maxErrorLen caps stored error messages; longer reports are truncated.
const maxErrorLen = 500

func scanJob(row interface{ Scan(...any) error }) (*TranscodingJob, error) {
	var j TranscodingJob
	err := row.Scan(&j.ID, &j.VideoID, &j.WorkerID, &j.Priority, &j.CurrentStep,
		&j.ProgressPercent, &j.AttemptNumber, &j.MaxAttempts, &j.ClaimedAt,
		&j.ClaimExpiresAt, &j.StartedAt, &j.LastCheckpoint, &j.CompletedAt,
		&j.LastError, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// GetJob loads a job by ID.
func (s *Store) GetJob(ctx context.Context, id int64) (*TranscodingJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM transcoding_jobs WHERE id = ?`, id)
	return scanJob(row)
}

// GetJobByVideo loads the job owning videoID.
func (s *Store) GetJobByVideo(ctx context.Context, videoID int64) (*TranscodingJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM transcoding_jobs WHERE video_id = ?`, videoID)
	return scanJob(row)
}

// ClaimNext atomically picks and claims the oldest pending job. It is the
// single claim CAS: the conditional UPDATE either claims a row or affects
// nothing, so at most one worker ever holds a live lease per job.
// Returns (nil, nil) when no job is claimable.
func (s *Store) ClaimNext(ctx context.Context, workerID string, lease time.Duration) (*JobEnvelope, error) {
	return s.claim(ctx, workerID, lease, `
		SELECT j.id FROM transcoding_jobs j
		JOIN videos v ON v.id = j.video_id
		WHERE v.status = 'pending'
		  AND v.deleted_at IS NULL
		  AND j.completed_at IS NULL
		  AND (j.worker_id IS NULL OR j.claim_expires_at <= ?)
		ORDER BY j.priority DESC, j.created_at ASC
		LIMIT 1`, nil)
}

// ClaimByID claims one specific job (Redis-dispatched confirmation path).
// Returns (nil, nil) when the job is not claimable, which the caller treats
// as "already handled, acknowledge the dispatch".
func (s *Store) ClaimByID(ctx context.Context, jobID int64, workerID string, lease time.Duration) (*JobEnvelope, error) {
	return s.claim(ctx, workerID, lease, `
		SELECT j.id FROM transcoding_jobs j
		JOIN videos v ON v.id = j.video_id
		WHERE j.id = ?
		  AND v.deleted_at IS NULL
		  AND v.status IN ('pending','processing')
		  AND j.completed_at IS NULL
		  AND (j.worker_id IS NULL OR j.claim_expires_at <= ?)`, &jobID)
}

func (s *Store) claim(ctx context.Context, workerID string, lease time.Duration, candidate string, jobID *int64) (*JobEnvelope, error) {
	now := s.now()
	expires := now.Add(lease)

	var env *JobEnvelope
	err := WithRetry(ctx, "claim", func() error {
		env = nil
		return s.inTx(ctx, func(tx *sql.Tx) error {
			// SET placeholders bind first, then the candidate subquery's.
			args := []any{workerID, now, expires, now, now}
			if jobID != nil {
				args = append(args, *jobID)
			}
			args = append(args, now)
			row := tx.QueryRowContext(ctx, `
				UPDATE transcoding_jobs SET
					worker_id        = ?,
					claimed_at       = ?,
					claim_expires_at = ?,
					started_at       = COALESCE(started_at, ?),
					current_step     = 'pending',
					updated_at       = ?
				WHERE id = (`+candidate+`)
				RETURNING `+jobColumns, args...)
			j, err := scanJob(row)
			if errors.Is(err, ErrNotFound) {
				return nil // nothing claimable
			}
			if err != nil {
				return fmt.Errorf("claim update: %w", err)
			}

			if _, err := tx.ExecContext(ctx,
				`UPDATE videos SET status = 'processing', updated_at = ? WHERE id = ? AND status = 'pending'`,
				now, j.VideoID); err != nil {
				return fmt.Errorf("video transition: %w", err)
			}

			e, err := s.envelopeTx(ctx, tx, j)
			if err != nil {
				return err
			}
			env = e
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return env, nil
}

func (s *Store) envelopeTx(ctx context.Context, tx *sql.Tx, j *TranscodingJob) (*JobEnvelope, error) {
	var (
		slug      string
		duration  sql.NullFloat64
		w, h      sql.NullInt64
		sourceExt string
	)
	err := tx.QueryRowContext(ctx,
		`SELECT slug, duration, source_width, source_height, source_ext FROM videos WHERE id = ?`,
		j.VideoID).Scan(&slug, &duration, &w, &h, &sourceExt)
	if err != nil {
		return nil, fmt.Errorf("envelope video: %w", err)
	}

	env := &JobEnvelope{
		JobID:          j.ID,
		VideoID:        j.VideoID,
		Slug:           slug,
		SourceFilename: fmt.Sprintf("%d.%s", j.VideoID, sourceExt),
		AttemptNumber:  j.AttemptNumber,
		ClaimExpiresAt: j.ClaimExpiresAt.Time,
	}
	if duration.Valid {
		env.Duration = &duration.Float64
	}
	if w.Valid {
		v := int(w.Int64)
		env.SourceWidth = &v
	}
	if h.Valid {
		v := int(h.Int64)
		env.SourceHeight = &v
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT quality FROM video_qualities WHERE video_id = ? ORDER BY height DESC`, j.VideoID)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	for rows.Next() {
		var q string
		if err := rows.Scan(&q); err != nil {
			_ = rows.Close()
			return nil, err
		}
		seen[q] = true
		env.ExistingQualities = append(env.ExistingQualities, q)
	}
	// The transaction's connection must be free before the next query.
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if !s.keepCompleted {
		return env, nil
	}

	// Checkpoint resume: variants a previous attempt fully uploaded are
	// already installed under the slug; advertise them so this attempt
	// skips the encode.
	prows, err := tx.QueryContext(ctx,
		`SELECT quality FROM quality_progress
		 WHERE job_id = ? AND status = 'uploaded' ORDER BY quality`, j.ID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = prows.Close() }()
	for prows.Next() {
		var q string
		if err := prows.Scan(&q); err != nil {
			return nil, err
		}
		if seen[q] {
			continue
		}
		seen[q] = true
		env.ExistingQualities = append(env.ExistingQualities, q)
		env.ResumedQualities = append(env.ResumedQualities, q)
	}
	return env, prows.Err()
}

// VerifyOwnership checks (job.worker_id == workerID) AND a live lease.
// Any mismatch, expiry or completed job yields ErrClaimConflict.
func (s *Store) VerifyOwnership(ctx context.Context, jobID int64, workerID string) (*TranscodingJob, error) {
	j, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !j.WorkerID.Valid || j.WorkerID.String != workerID {
		return nil, ErrClaimConflict
	}
	if j.CompletedAt.Valid {
		return nil, ErrClaimConflict
	}
	if !j.ClaimExpiresAt.Valid || !j.ClaimExpiresAt.Time.After(s.now()) {
		return nil, ErrClaimConflict
	}
	return j, nil
}

// Progress records a checkpoint and extends the lease. The ownership and
// lease conditions live in the WHERE clause, so a lost claim affects zero
// rows and surfaces as ErrClaimConflict without a read-modify-write.
func (s *Store) Progress(ctx context.Context, jobID int64, workerID string, step JobStep, percent float64, lease time.Duration) (time.Time, error) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	now := s.now()
	expires := now.Add(lease)

	var got time.Time
	err := WithRetry(ctx, "progress", func() error {
		row := s.db.QueryRowContext(ctx, `
			UPDATE transcoding_jobs SET
				current_step     = ?,
				progress_percent = ?,
				last_checkpoint  = ?,
				claim_expires_at = ?,
				updated_at       = ?
			WHERE id = ? AND worker_id = ? AND completed_at IS NULL AND claim_expires_at > ?
			RETURNING claim_expires_at`,
			step, percent, now, expires, now, jobID, workerID, now)
		err := row.Scan(&got)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrClaimConflict
		}
		return err
	})
	if err != nil {
		return time.Time{}, err
	}
	return got, nil
}

// ExtendLease pushes claim_expires_at forward without touching progress.
// Used by upload handlers while a long transfer is in flight.
func (s *Store) ExtendLease(ctx context.Context, jobID int64, workerID string, lease time.Duration) (time.Time, error) {
	now := s.now()
	expires := now.Add(lease)

	var got time.Time
	err := WithRetry(ctx, "extend_lease", func() error {
		row := s.db.QueryRowContext(ctx, `
			UPDATE transcoding_jobs SET claim_expires_at = ?, updated_at = ?
			WHERE id = ? AND worker_id = ? AND completed_at IS NULL AND claim_expires_at > ?
			RETURNING claim_expires_at`,
			expires, now, jobID, workerID, now)
		err := row.Scan(&got)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrClaimConflict
		}
		return err
	})
	if err != nil {
		return time.Time{}, err
	}
	return got, nil
}

// CompletedQuality is one variant reported by complete().
type CompletedQuality struct {
	Quality     string `json:"quality"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	BitrateKbps int    `json:"bitrate_kbps"`
}

// Complete finishes a job: variant rows, video READY, job closed, claim
// released. One transaction; the READY transition is therefore never
// observable without its VideoQuality rows.
func (s *Store) Complete(ctx context.Context, jobID int64, workerID string, qualities []CompletedQuality, duration float64, srcW, srcH int) error {
	now := s.now()
	return WithRetry(ctx, "complete", func() error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			var videoID int64
			err := tx.QueryRowContext(ctx, `
				UPDATE transcoding_jobs SET
					completed_at     = ?,
					progress_percent = 100,
					worker_id        = NULL,
					claim_expires_at = NULL,
					updated_at       = ?
				WHERE id = ? AND worker_id = ? AND completed_at IS NULL AND claim_expires_at > ?
				RETURNING video_id`,
				now, now, jobID, workerID, now).Scan(&videoID)
			if errors.Is(err, sql.ErrNoRows) {
				return ErrClaimConflict
			}
			if err != nil {
				return fmt.Errorf("close job: %w", err)
			}

			for _, q := range qualities {
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO video_qualities (video_id, quality, width, height, bitrate_kbps, created_at)
					VALUES (?, ?, ?, ?, ?, ?)
					ON CONFLICT (video_id, quality) DO UPDATE SET
						width = excluded.width,
						height = excluded.height,
						bitrate_kbps = excluded.bitrate_kbps`,
					videoID, q.Quality, q.Width, q.Height, q.BitrateKbps, now); err != nil {
					return fmt.Errorf("upsert quality %s: %w", q.Quality, err)
				}
			}

			if _, err := tx.ExecContext(ctx, `
				UPDATE videos SET
					status        = 'ready',
					published_at  = COALESCE(published_at, ?),
					duration      = COALESCE(duration, ?),
					source_width  = COALESCE(source_width, ?),
					source_height = COALESCE(source_height, ?),
					error_message = NULL,
					updated_at    = ?
				WHERE id = ?`,
				now, duration, srcW, srcH, now, videoID); err != nil {
				return fmt.Errorf("video ready: %w", err)
			}
			return nil
		})
	})
}

// FailResult describes the outcome of a failure report.
type FailResult struct {
	WillRetry     bool
	AttemptNumber int
	VideoID       int64
	Slug          string
}

// Fail records a failure report. With retry budget left the job is released
// back to pending; otherwise the video goes FAILED and the job is closed.
func (s *Store) Fail(ctx context.Context, jobID int64, workerID string, errMsg string, retry bool) (*FailResult, error) {
	errMsg = Truncate(errMsg, maxErrorLen)
	now := s.now()

	var res *FailResult
	err := WithRetry(ctx, "fail", func() error {
		res = nil
		return s.inTx(ctx, func(tx *sql.Tx) error {
			var (
				videoID int64
				attempt int
				maxAtt  int
			)
			err := tx.QueryRowContext(ctx, `
				UPDATE transcoding_jobs SET
					last_error = COALESCE(last_error || char(10), '') || ?,
					updated_at = ?
				WHERE id = ? AND worker_id = ? AND completed_at IS NULL AND claim_expires_at > ?
				RETURNING video_id, attempt_number, max_attempts`,
				errMsg, now, jobID, workerID, now).Scan(&videoID, &attempt, &maxAtt)
			if errors.Is(err, sql.ErrNoRows) {
				return ErrClaimConflict
			}
			if err != nil {
				return fmt.Errorf("record failure: %w", err)
			}

			var slug string
			if err := tx.QueryRowContext(ctx, `SELECT slug FROM videos WHERE id = ?`, videoID).Scan(&slug); err != nil {
				return err
			}

			if retry && attempt < maxAtt {
				if _, err := tx.ExecContext(ctx, `
					UPDATE transcoding_jobs SET
						attempt_number   = attempt_number + 1,
						worker_id        = NULL,
						claimed_at       = NULL,
						claim_expires_at = NULL,
						current_step     = 'pending',
						progress_percent = 0,
						updated_at       = ?
					WHERE id = ?`, now, jobID); err != nil {
					return err
				}
				if !s.keepCompleted {
					// Without resume the next attempt starts from scratch;
					// stale per-variant rows must not outlive this attempt.
					if _, err := tx.ExecContext(ctx,
						`DELETE FROM quality_progress WHERE job_id = ?`, jobID); err != nil {
						return err
					}
				}
				if _, err := tx.ExecContext(ctx,
					`UPDATE videos SET status = 'pending', updated_at = ? WHERE id = ?`,
					now, videoID); err != nil {
					return err
				}
				res = &FailResult{WillRetry: true, AttemptNumber: attempt + 1, VideoID: videoID, Slug: slug}
				return nil
			}

			if _, err := tx.ExecContext(ctx, `
				UPDATE transcoding_jobs SET
					completed_at     = ?,
					worker_id        = NULL,
					claim_expires_at = NULL,
					updated_at       = ?
				WHERE id = ?`, now, now, jobID); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE videos SET status = 'failed', error_message = ?, updated_at = ? WHERE id = ?`,
				errMsg, now, videoID); err != nil {
				return err
			}
			res = &FailResult{WillRetry: false, AttemptNumber: attempt, VideoID: videoID, Slug: slug}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// RecoveredClaim describes one stale claim the janitor released.
type RecoveredClaim struct {
	JobID         int64
	VideoID       int64
	Slug          string
	WorkerID      string
	AttemptNumber int
	Exhausted     bool
}

// RecoverStaleClaims treats every expired claim as a failed attempt:
// re-queue while budget remains, FAILED when exhausted. Bounded by limit.
func (s *Store) RecoverStaleClaims(ctx context.Context, limit int) ([]RecoveredClaim, error) {
	now := s.now()
	rows, err := s.db.QueryContext(ctx, `
		SELECT j.id, j.video_id, v.slug, j.worker_id, j.attempt_number, j.max_attempts
		FROM transcoding_jobs j
		JOIN videos v ON v.id = j.video_id
		WHERE j.worker_id IS NOT NULL
		  AND j.completed_at IS NULL
		  AND j.claim_expires_at <= ?
		ORDER BY j.claim_expires_at ASC
		LIMIT ?`, now, limit)
	if err != nil {
		return nil, err
	}

	type stale struct {
		jobID, videoID  int64
		slug, workerID  string
		attempt, maxAtt int
	}
	var found []stale
	for rows.Next() {
		var st stale
		if err := rows.Scan(&st.jobID, &st.videoID, &st.slug, &st.workerID, &st.attempt, &st.maxAtt); err != nil {
			_ = rows.Close()
			return nil, err
		}
		found = append(found, st)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	var out []RecoveredClaim
	for _, st := range found {
		exhausted := st.attempt >= st.maxAtt
		err := WithRetry(ctx, "recover_stale", func() error {
			return s.inTx(ctx, func(tx *sql.Tx) error {
				var res sql.Result
				var err error
				if exhausted {
					res, err = tx.ExecContext(ctx, `
						UPDATE transcoding_jobs SET
							completed_at     = ?,
							worker_id        = NULL,
							claim_expires_at = NULL,
							last_error       = COALESCE(last_error || char(10), '') || 'claim expired, attempts exhausted',
							updated_at       = ?
						WHERE id = ? AND worker_id = ? AND completed_at IS NULL AND claim_expires_at <= ?`,
						now, now, st.jobID, st.workerID, now)
				} else {
					res, err = tx.ExecContext(ctx, `
						UPDATE transcoding_jobs SET
							attempt_number   = attempt_number + 1,
							worker_id        = NULL,
							claimed_at       = NULL,
							claim_expires_at = NULL,
							current_step     = 'pending',
							progress_percent = 0,
							last_error       = COALESCE(last_error || char(10), '') || 'claim expired, recovered by janitor',
							updated_at       = ?
						WHERE id = ? AND worker_id = ? AND completed_at IS NULL AND claim_expires_at <= ?`,
						now, st.jobID, st.workerID, now)
				}
				if err != nil {
					return err
				}
				n, err := res.RowsAffected()
				if err != nil {
					return err
				}
				if n == 0 {
					// The worker came back or someone else reclaimed; skip.
					return nil
				}

				status := "pending"
				if exhausted {
					status = "failed"
				}
				if _, err := tx.ExecContext(ctx,
					`UPDATE videos SET status = ?, updated_at = ? WHERE id = ?`,
					status, now, st.videoID); err != nil {
					return err
				}
				out = append(out, RecoveredClaim{
					JobID:         st.jobID,
					VideoID:       st.videoID,
					Slug:          st.slug,
					WorkerID:      st.workerID,
					AttemptNumber: st.attempt,
					Exhausted:     exhausted,
				})
				return nil
			})
		})
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

// ReenqueueVideo puts an existing video back into the pending pipeline for a
// selective re-transcode. Existing quality rows stay and are advertised back
// to the worker through the claim envelope.
func (s *Store) ReenqueueVideo(ctx context.Context, videoID int64, priority int) error {
	now := s.now()
	return WithRetry(ctx, "reenqueue", func() error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			res, err := tx.ExecContext(ctx, `
				UPDATE transcoding_jobs SET
					priority         = ?,
					worker_id        = NULL,
					claimed_at       = NULL,
					claim_expires_at = NULL,
					started_at       = NULL,
					completed_at     = NULL,
					current_step     = 'pending',
					progress_percent = 0,
					attempt_number   = 1,
					last_error       = NULL,
					updated_at       = ?
				WHERE video_id = ?`, priority, now, videoID)
			if err != nil {
				return err
			}
			if err := requireRow(res); err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx,
				`UPDATE videos SET status = 'pending', error_message = NULL, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
				now, videoID)
			return err
		})
	})
}

// Truncate clips s to max bytes on a rune boundary.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	r := []rune(s)
	for len(string(r)) > max {
		r = r[:len(r)-1]
	}
	return string(r)
}
