// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/ManuGH/vodforge/internal/archive"
	"github.com/ManuGH/vodforge/internal/log"
	"github.com/ManuGH/vodforge/internal/store"
)

// session binds one claimed job to the coordinator: it is the pipeline's
// Reporter and Uploader. Checkpoint reports always go out; per-variant media
// progress is rate limited so a fast encode cannot flood the API.
type session struct {
	client *Client
	env    *store.JobEnvelope
	limit  *rate.Limiter
	logger zerolog.Logger

	mu      sync.Mutex
	step    store.JobStep
	percent float64
	dirty   map[string]qualityEntry
}

func newSession(client *Client, env *store.JobEnvelope, progressInterval time.Duration) *session {
	if progressInterval <= 0 {
		progressInterval = 5 * time.Second
	}
	return &session{
		client: client,
		env:    env,
		limit:  rate.NewLimiter(rate.Every(progressInterval), 1),
		logger: log.WithComponent("worker").With().
			Int64(log.FieldJobID, env.JobID).
			Str(log.FieldSlug, env.Slug).
			Logger(),
		step:    store.StepPending,
		dirty:   make(map[string]qualityEntry),
	}
}

// Progress reports a step checkpoint, carrying any buffered variant updates.
// Errors propagate: a checkpoint the coordinator rejects aborts the job.
func (s *session) Progress(ctx context.Context, step store.JobStep, percent float64) error {
	s.mu.Lock()
	s.step = step
	s.percent = percent
	payload := s.drainLocked()
	s.mu.Unlock()

	return s.client.Progress(ctx, s.env.JobID, payload)
}

// QualityUpdate buffers a per-variant state change. Terminal states and the
// rate limiter decide when a wire report actually happens. Claim loss is the
// only error worth surfacing mid-encode.
func (s *session) QualityUpdate(ctx context.Context, quality string, status store.QualityStatus, percent float64, errMsg string) error {
	s.mu.Lock()
	s.dirty[quality] = qualityEntry{
		Quality:         quality,
		Status:          string(status),
		ProgressPercent: percent,
		ErrorMessage:    errMsg,
	}
	terminal := status != store.QualityInProgress
	var payload progressPayload
	send := terminal || s.limit.Allow()
	if send {
		payload = s.drainLocked()
	}
	s.mu.Unlock()

	if !send {
		return nil
	}
	err := s.client.Progress(ctx, s.env.JobID, payload)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrClaimConflict):
		return err
	default:
		s.logger.Warn().Err(err).
			Str(log.FieldQuality, quality).
			Msg("progress report failed, continuing")
		return nil
	}
}

// drainLocked snapshots the current step and pending variant updates.
// Callers hold s.mu.
func (s *session) drainLocked() progressPayload {
	p := progressPayload{
		CurrentStep:     string(s.step),
		ProgressPercent: s.percent,
	}
	for _, e := range s.dirty {
		p.QualityProgress = append(p.QualityProgress, e)
	}
	s.dirty = make(map[string]qualityEntry)
	return p
}

// UploadQuality bundles the variant directory and streams it up.
func (s *session) UploadQuality(ctx context.Context, quality, dir string) error {
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(archive.Pack(dir, pw))
	}()
	if err := s.client.UploadQuality(ctx, s.env.VideoID, quality, pr); err != nil {
		_ = pr.CloseWithError(err)
		return fmt.Errorf("worker: upload %s: %w", quality, err)
	}
	return nil
}

// UploadFinalize ships the master playlist and thumbnail. Empty paths mean
// the artifact is preserved from a previous run and stays out of the bundle.
func (s *session) UploadFinalize(ctx context.Context, masterPath, thumbPath string) error {
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(archive.PackFiles(map[string]string{
			"master.m3u8":   masterPath,
			"thumbnail.jpg": thumbPath,
		}, pw))
	}()
	if err := s.client.UploadFinalize(ctx, s.env.VideoID, pr); err != nil {
		_ = pr.CloseWithError(err)
		return fmt.Errorf("worker: upload finalize: %w", err)
	}
	return nil
}
