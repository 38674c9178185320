// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package janitor is the coordinator's periodic maintenance loop: stale
// claim recovery, offline worker detection, orphan cleanup, archive
// retention and dead-letter trimming. Every step is independent; one
// failing never blocks the others.
package janitor

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/vodforge/internal/alerts"
	"github.com/ManuGH/vodforge/internal/config"
	"github.com/ManuGH/vodforge/internal/library"
	"github.com/ManuGH/vodforge/internal/log"
	"github.com/ManuGH/vodforge/internal/metrics"
	"github.com/ManuGH/vodforge/internal/queue"
	"github.com/ManuGH/vodforge/internal/registry"
	"github.com/ManuGH/vodforge/internal/store"
)

// recoverBatch bounds stale claims processed per sweep.
const recoverBatch = 100

// purgeBatch bounds expired archives deleted per sweep.
const purgeBatch = 50

// Janitor runs the maintenance sweeps.
type Janitor struct {
	cfg      config.Config
	st       *store.Store
	reg      *registry.Registry
	lib      *library.Library
	broker   queue.Broker // nil in database queue mode
	notifier *alerts.Notifier
	logger   zerolog.Logger

	clock   func() time.Time
	started time.Time
}

// New creates a Janitor. broker and notifier may be nil.
func New(cfg config.Config, st *store.Store, reg *registry.Registry, lib *library.Library, broker queue.Broker, notifier *alerts.Notifier) *Janitor {
	return &Janitor{
		cfg:      cfg,
		st:       st,
		reg:      reg,
		lib:      lib,
		broker:   broker,
		notifier: notifier,
		logger:   log.WithComponent("janitor"),
		clock:    func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps on the configured interval until ctx is canceled.
func (j *Janitor) Run(ctx context.Context) error {
	interval := j.cfg.Janitor.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	j.started = j.clock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep runs all maintenance steps once.
func (j *Janitor) Sweep(ctx context.Context) {
	j.recoverStaleClaims(ctx)
	j.markOfflineWorkers(ctx)
	j.purgeExpiredArchives(ctx)
	j.removeOrphanQualities(ctx)
	j.trimDeadLetter(ctx)
}

// recoverStaleClaims releases expired leases. Jobs with retry budget go back
// to pending with a fresh dispatch; exhausted ones are failed for good.
func (j *Janitor) recoverStaleClaims(ctx context.Context) {
	recovered, err := j.st.RecoverStaleClaims(ctx, recoverBatch)
	if err != nil {
		j.logger.Error().Err(err).Msg("stale claim recovery failed")
		return
	}

	for _, rec := range recovered {
		metrics.StaleClaimsRecovered.Inc()
		j.logger.Warn().
			Str("event", "janitor.stale_claim").
			Int64(log.FieldJobID, rec.JobID).
			Str(log.FieldWorkerID, rec.WorkerID).
			Str(log.FieldSlug, rec.Slug).
			Bool("exhausted", rec.Exhausted).
			Msg("expired claim released")

		if rec.Exhausted {
			j.notifier.Notify(ctx, alerts.EventJobExhausted, map[string]any{
				"job_id":    rec.JobID,
				"video_id":  rec.VideoID,
				"slug":      rec.Slug,
				"worker_id": rec.WorkerID,
				"attempts":  rec.AttemptNumber,
			})
			if j.cfg.Transcoding.CleanupOnFailure {
				if video, err := j.st.GetVideo(ctx, rec.VideoID); err == nil {
					_ = j.lib.RemoveSource(video.ID, video.SourceExt)
				}
			}
			continue
		}

		j.notifier.Notify(ctx, alerts.EventJobRecovered, map[string]any{
			"job_id":    rec.JobID,
			"slug":      rec.Slug,
			"worker_id": rec.WorkerID,
			"attempt":   rec.AttemptNumber + 1,
		})
		j.redispatch(ctx, rec)
	}
}

func (j *Janitor) redispatch(ctx context.Context, rec store.RecoveredClaim) {
	if j.broker == nil {
		return
	}
	priority := store.PriorityNormal
	if job, err := j.st.GetJob(ctx, rec.JobID); err == nil {
		priority = job.Priority
	}
	err := j.broker.Enqueue(ctx, queue.Dispatch{
		JobID:      rec.JobID,
		VideoID:    rec.VideoID,
		Slug:       rec.Slug,
		Priority:   store.PriorityName(priority),
		Attempt:    rec.AttemptNumber + 1,
		EnqueuedAt: j.clock(),
	})
	if err != nil {
		j.logger.Warn().Err(err).
			Int64(log.FieldJobID, rec.JobID).
			Msg("re-dispatch failed, job waits for polling")
	}
}

func (j *Janitor) markOfflineWorkers(ctx context.Context) {
	threshold := j.cfg.Worker.OfflineThreshold
	if threshold <= 0 {
		threshold = 5 * time.Minute
	}
	ids, err := j.reg.MarkOffline(ctx, j.clock().Add(-threshold))
	if err != nil {
		j.logger.Error().Err(err).Msg("offline sweep failed")
		return
	}
	for _, id := range ids {
		j.notifier.Notify(ctx, alerts.EventWorkerOffline, map[string]any{"worker_id": id})
	}
}

// purgeExpiredArchives permanently removes soft-deleted videos past the
// retention window: database row, archive tree and any leftover source.
func (j *Janitor) purgeExpiredArchives(ctx context.Context) {
	retention := j.cfg.Limits.ArchiveRetention
	if retention <= 0 {
		return
	}
	expired, err := j.st.ListExpiredArchived(ctx, j.clock().Add(-retention), purgeBatch)
	if err != nil {
		j.logger.Error().Err(err).Msg("archive retention scan failed")
		return
	}
	for _, v := range expired {
		if err := j.st.DeleteVideoPermanent(ctx, v.ID); err != nil {
			j.logger.Error().Err(err).Int64(log.FieldVideoID, v.ID).Msg("archive purge failed")
			continue
		}
		_ = j.lib.Purge(v.Slug)
		_ = j.lib.RemoveSource(v.ID, v.SourceExt)
		metrics.ArchivePurged.Inc()
		j.logger.Info().
			Str("event", "janitor.archive_purged").
			Int64(log.FieldVideoID, v.ID).
			Str(log.FieldSlug, v.Slug).
			Msg("expired archive removed")
	}
}

// removeOrphanQualities deletes variant directories no video_qualities row
// references. Grace windows keep it away from fresh uploads and from
// anything touched before this process can judge it.
func (j *Janitor) removeOrphanQualities(ctx context.Context) {
	if j.clock().Sub(j.started) < j.cfg.Janitor.StartupGrace {
		return
	}
	entries, err := j.lib.InstalledQualities()
	if err != nil {
		j.logger.Error().Err(err).Msg("orphan scan failed")
		return
	}
	cutoff := j.clock().Add(-j.cfg.Janitor.OrphanGrace)

	for _, e := range entries {
		if e.ModTime.After(cutoff) {
			continue
		}
		active, err := j.st.HasActiveJob(ctx, e.Slug)
		if err != nil || active {
			continue
		}
		referenced, err := j.st.QualityReferenced(ctx, e.Slug, e.Quality)
		if err != nil || referenced {
			continue
		}
		if err := j.lib.RemoveQuality(e.Slug, e.Quality); err != nil {
			j.logger.Error().Err(err).
				Str(log.FieldSlug, e.Slug).
				Str(log.FieldQuality, e.Quality).
				Msg("orphan removal failed")
			continue
		}
		metrics.OrphansDeleted.Inc()
		j.logger.Info().
			Str("event", "janitor.orphan_removed").
			Str(log.FieldSlug, e.Slug).
			Str(log.FieldQuality, e.Quality).
			Msg("orphaned variant removed")
	}
}

func (j *Janitor) trimDeadLetter(ctx context.Context) {
	rb, ok := j.broker.(*queue.RedisBroker)
	if !ok {
		return
	}
	n, err := rb.TrimDeadLetter(ctx)
	if err != nil {
		j.logger.Warn().Err(err).Msg("dead-letter trim failed")
		return
	}
	if n > 0 {
		j.logger.Info().Int64("dropped", n).Msg("dead-letter stream trimmed")
	}
}
