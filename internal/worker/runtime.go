// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ManuGH/vodforge/internal/config"
	"github.com/ManuGH/vodforge/internal/log"
	"github.com/ManuGH/vodforge/internal/pipeline"
	"github.com/ManuGH/vodforge/internal/pipeline/ffmpeg"
	"github.com/ManuGH/vodforge/internal/pipeline/hardware"
	"github.com/ManuGH/vodforge/internal/queue"
	"github.com/ManuGH/vodforge/internal/store"
)

// Runtime is the worker main loop: heartbeats, claims, pipeline runs and
// result reporting. One Runtime processes one job at a time.
type Runtime struct {
	cfg    config.Config
	client *Client
	broker queue.Broker // nil means pure database polling
	runner *ffmpeg.Runner
	pipe   *pipeline.Pipeline
	logger zerolog.Logger

	workerID string
	workDir  string
	verified []string
}

// New creates a Runtime. broker may be nil.
func New(cfg config.Config, client *Client, broker queue.Broker) *Runtime {
	runner := ffmpeg.NewRunner(5 * time.Second)
	return &Runtime{
		cfg:    cfg,
		client: client,
		broker: broker,
		runner: runner,
		pipe:   pipeline.New(cfg.Transcoding, cfg.Hardware, runner),
		logger: log.WithComponent("worker"),
	}
}

// Run registers if needed and drives the heartbeat and claim loops until ctx
// is canceled. A job in flight finishes before Run returns.
func (r *Runtime) Run(ctx context.Context) error {
	r.workDir = r.cfg.Worker.WorkDir
	if r.workDir == "" {
		r.workDir = filepath.Join(os.TempDir(), "vodforge-worker")
	}
	if err := os.MkdirAll(r.workDir, 0o755); err != nil {
		return fmt.Errorf("worker: work dir: %w", err)
	}

	r.preflight(ctx)

	if err := r.ensureRegistered(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.heartbeatLoop(gctx) })
	g.Go(func() error { return r.claimLoop(gctx) })
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// preflight verifies hardware encoders with short real encodes and records
// the outcome. Selection is fail-closed on these results.
func (r *Runtime) preflight(ctx context.Context) {
	results := make(map[string]bool)
	defer func() {
		hardware.SetPreflightResults(results)
		r.verified = r.verified[:0]
		for enc, ok := range results {
			if ok {
				r.verified = append(r.verified, enc)
			}
		}
		sort.Strings(r.verified)
	}()

	if r.cfg.Hardware.Accel == config.HWAccelNone {
		r.logger.Info().Msg("hardware acceleration disabled, software encodes only")
		return
	}

	codecs := []string{r.cfg.Hardware.PreferredCodec}
	if r.cfg.Hardware.PreferredCodec != "h264" {
		codecs = append(codecs, "h264")
	}

	var candidates []string
	nvidia := r.cfg.Hardware.Accel == config.HWAccelNvidia ||
		(r.cfg.Hardware.Accel == config.HWAccelAuto && hardware.HasNVIDIA())
	vaapi := r.cfg.Hardware.Accel == config.HWAccelIntel ||
		(r.cfg.Hardware.Accel == config.HWAccelAuto && hardware.HasVAAPI())
	for _, codec := range codecs {
		if nvidia {
			candidates = append(candidates, codec+"_nvenc")
		}
		if vaapi {
			candidates = append(candidates, codec+"_vaapi")
		}
	}

	for _, enc := range candidates {
		_, err := r.runner.Run(ctx, r.cfg.Transcoding.FFmpegBin, ffmpeg.PreflightArgs(enc), 30*time.Second, nil)
		results[enc] = err == nil
		evt := r.logger.Info().Str(log.FieldEncoder, enc)
		if err != nil {
			evt = r.logger.Warn().Str(log.FieldEncoder, enc).Err(err)
		}
		evt.Bool("verified", err == nil).Msg("encoder preflight")
	}
}

func (r *Runtime) ensureRegistered(ctx context.Context) error {
	if r.client.HasAPIKey() {
		return nil
	}

	caps, _ := json.Marshal(map[string]any{
		"hwaccel":  string(r.cfg.Hardware.Accel),
		"gpu":      hardware.GPUName(),
		"encoders": r.verified,
	})
	id, err := r.client.Register(ctx, r.name(), string(store.WorkerRemote), string(caps))
	if err != nil {
		return fmt.Errorf("worker: register: %w", err)
	}
	r.workerID = id
	// The key exists nowhere else. Without persisting it the worker has to
	// re-register after every restart.
	r.logger.Warn().
		Str(log.FieldWorkerID, id).
		Msg("registered with a fresh API key; set VODFORGE_WORKER_API_KEY to reuse this identity")
	return nil
}

func (r *Runtime) name() string {
	if r.cfg.Worker.Name != "" {
		return r.cfg.Worker.Name
	}
	host, err := os.Hostname()
	if err != nil {
		return "worker"
	}
	return host
}

func (r *Runtime) heartbeatLoop(ctx context.Context) error {
	interval := r.cfg.Worker.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := r.client.Heartbeat(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, ErrUnauthorized) {
				return fmt.Errorf("worker: heartbeat rejected: %w", err)
			}
			r.logger.Warn().Err(err).Msg("heartbeat failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// claimLoop acquires work. With a broker, dispatch hints steer the claim;
// either way the database claim is the only thing that grants ownership.
func (r *Runtime) claimLoop(ctx context.Context) error {
	poll := r.cfg.Worker.PollInterval
	if poll <= 0 {
		poll = 10 * time.Second
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var msg *queue.Message
		if r.broker != nil {
			m, err := r.broker.Receive(ctx, r.name())
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				r.logger.Warn().Err(err).Msg("queue receive failed, falling back to polling")
				if err := sleepCtx(ctx, poll); err != nil {
					return err
				}
			}
			msg = m
		}

		var (
			env *store.JobEnvelope
			err error
		)
		if msg != nil {
			env, err = r.client.Claim(ctx, &msg.JobID)
			if err == nil && env == nil {
				// Stale hint: the job is claimed, finished or gone.
				_ = r.broker.Ack(ctx, msg)
				continue
			}
		} else {
			env, err = r.client.Claim(ctx, nil)
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, ErrUnauthorized) {
				return fmt.Errorf("worker: claim rejected: %w", err)
			}
			r.logger.Warn().Err(err).Msg("claim failed")
			if err := sleepCtx(ctx, poll); err != nil {
				return err
			}
			continue
		}
		if env == nil {
			// Nothing pending. The broker path already blocked; pure polling
			// waits here.
			if r.broker == nil {
				if err := sleepCtx(ctx, poll); err != nil {
					return err
				}
			}
			continue
		}

		r.runJob(ctx, env, msg)
	}
}

// runJob executes one claimed job end to end. Shutdown does not interrupt
// it: the job context survives cancellation and encode timeouts bound the
// worst case.
func (r *Runtime) runJob(ctx context.Context, env *store.JobEnvelope, msg *queue.Message) {
	jobCtx := context.WithoutCancel(ctx)
	logger := r.logger.With().
		Int64(log.FieldJobID, env.JobID).
		Int64(log.FieldVideoID, env.VideoID).
		Str(log.FieldSlug, env.Slug).
		Int(log.FieldAttempt, env.AttemptNumber).
		Logger()

	jobDir := filepath.Join(r.workDir, fmt.Sprintf("job-%d", env.JobID))
	defer func() { _ = os.RemoveAll(jobDir) }()
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		r.reportFailure(jobCtx, env, msg, fmt.Errorf("worker: job dir: %w", err), logger)
		return
	}

	srcPath := filepath.Join(jobDir, "source"+filepath.Ext(env.SourceFilename))
	logger.Info().Str("event", "worker.job_started").Msg("downloading source")
	if err := r.client.DownloadSource(jobCtx, env.VideoID, srcPath); err != nil {
		r.reportFailure(jobCtx, env, msg, fmt.Errorf("worker: source download: %w", err), logger)
		return
	}

	sess := newSession(r.client, env, r.cfg.Limits.ProgressInterval)
	res, err := r.pipe.Run(jobCtx, env, srcPath, jobDir, sess, sess)
	if err == nil {
		err = r.client.Complete(jobCtx, env.JobID, completePayload{
			Qualities:    res.Qualities,
			Duration:     res.Duration,
			SourceWidth:  res.Width,
			SourceHeight: res.Height,
		})
	}

	if err == nil {
		if msg != nil {
			_ = r.broker.Ack(jobCtx, msg)
		}
		logger.Info().
			Str("event", "worker.job_completed").
			Int("qualities", len(res.Qualities)).
			Msg("job finished")
		return
	}

	if errors.Is(err, store.ErrClaimConflict) {
		// The lease is gone; whoever holds it now owns the outcome.
		if msg != nil {
			_ = r.broker.Ack(jobCtx, msg)
		}
		logger.Warn().Err(err).Msg("claim lost mid-job, abandoning")
		return
	}

	r.reportFailure(jobCtx, env, msg, err, logger)
}

// reportFailure files the failure with the coordinator and routes the
// dispatch message per the retry decision.
func (r *Runtime) reportFailure(ctx context.Context, env *store.JobEnvelope, msg *queue.Message, jobErr error, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	willRetry, err := r.client.Fail(ctx, env.JobID, jobErr.Error(), true)
	if err != nil {
		// Leave the dispatch unacked; pending reclaim redelivers it.
		logger.Error().Err(err).AnErr("job_error", jobErr).Msg("failure report did not reach the coordinator")
		return
	}

	logger.Warn().
		Str("event", "worker.job_failed").
		Bool("will_retry", willRetry).
		Err(jobErr).
		Msg("job failed")

	if msg == nil {
		return
	}
	if willRetry {
		// The coordinator published a fresh dispatch for the next attempt.
		_ = r.broker.Ack(ctx, msg)
		return
	}
	if err := r.broker.DeadLetter(ctx, msg, jobErr.Error()); err != nil {
		logger.Error().Err(err).Msg("dead-letter routing failed")
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
