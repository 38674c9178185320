// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ManuGH/vodforge/internal/config"
	"github.com/ManuGH/vodforge/internal/hls"
	"github.com/ManuGH/vodforge/internal/log"
	"github.com/ManuGH/vodforge/internal/metrics"
	"github.com/ManuGH/vodforge/internal/pipeline/ffmpeg"
	"github.com/ManuGH/vodforge/internal/store"
)

// Progress bands per step. Within transcode, per-quality media progress is
// scaled into the band by completed fraction.
const (
	bandProbeStart     = 5.0
	bandProbeEnd       = 8.0
	bandThumbnailEnd   = 15.0
	bandTranscodeEnd   = 90.0
	bandMasterPlaylist = 95.0
	bandFinalize       = 98.0
)

// Reporter receives checkpoint and per-variant updates. A Reporter returning
// an error aborts the pipeline; claim loss surfaces here.
type Reporter interface {
	Progress(ctx context.Context, step store.JobStep, percent float64) error
	QualityUpdate(ctx context.Context, quality string, status store.QualityStatus, percent float64, errMsg string) error
}

// Uploader delivers finished artifacts to the coordinator.
type Uploader interface {
	// UploadQuality bundles dir and ships it as the named variant.
	UploadQuality(ctx context.Context, quality, dir string) error
	// UploadFinalize ships master.m3u8 and the thumbnail. Either path may
	// be empty when that artifact is preserved from a previous run.
	UploadFinalize(ctx context.Context, masterPath, thumbPath string) error
}

// Result is what a completed pipeline reports to complete().
type Result struct {
	Duration  float64
	Width     int
	Height    int
	Qualities []store.CompletedQuality
	Failed    []string
}

// Pipeline runs the transcode steps for claimed jobs.
type Pipeline struct {
	cfg    config.Transcoding
	hw     config.Hardware
	runner ffmpeg.CommandRunner
	logger zerolog.Logger
}

// New creates a Pipeline using the given subprocess runner.
func New(cfg config.Transcoding, hw config.Hardware, runner ffmpeg.CommandRunner) *Pipeline {
	return &Pipeline{
		cfg:    cfg,
		hw:     hw,
		runner: runner,
		logger: log.WithComponent("pipeline"),
	}
}

// Run executes probe through finalize for one job. sourcePath is the local
// source file; workDir is a scratch directory owned by this job. The caller
// reports complete() with the returned Result.
func (p *Pipeline) Run(ctx context.Context, env *store.JobEnvelope, sourcePath, workDir string, rep Reporter, up Uploader) (*Result, error) {
	logger := p.logger.With().
		Int64(log.FieldJobID, env.JobID).
		Str(log.FieldSlug, env.Slug).
		Logger()

	probe, err := p.stepProbe(ctx, sourcePath, rep, logger)
	if err != nil {
		return nil, err
	}

	thumbPath, err := p.stepThumbnail(ctx, sourcePath, workDir, probe, rep, logger)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Duration: probe.Duration,
		Width:    probe.Width,
		Height:   probe.Height,
	}

	variants, err := p.stepTranscode(ctx, env, sourcePath, workDir, probe, rep, up, res, logger)
	if err != nil {
		return nil, err
	}

	// Variants resumed from a previous attempt are installed but not yet
	// published; report them so completion creates their quality rows.
	resumed := resumedVariants(env, probe, sourcePath)
	for _, v := range resumed {
		res.Qualities = append(res.Qualities, store.CompletedQuality{
			Quality:     v.Quality,
			Width:       v.Width,
			Height:      v.Height,
			BitrateKbps: v.BitrateKbps,
		})
	}

	// Selective re-transcode of a published video preserves its master
	// playlist. A resumed first publish has none yet and must build one
	// covering the resumed variants too.
	rebuildMaster := len(env.ExistingQualities) == len(env.ResumedQualities)
	var masterPath string
	if rebuildMaster {
		masterPath, err = p.stepMasterPlaylist(ctx, workDir, append(variants, resumed...), rep, logger)
		if err != nil {
			return nil, err
		}
	}

	if err := rep.Progress(ctx, store.StepFinalize, bandFinalize); err != nil {
		return nil, err
	}
	start := time.Now()
	if err := up.UploadFinalize(ctx, masterPath, thumbPath); err != nil {
		return nil, fmt.Errorf("pipeline: finalize upload: %w", err)
	}
	metrics.PipelineStepSeconds.WithLabelValues("finalize").Observe(time.Since(start).Seconds())

	logger.Info().
		Str("event", "pipeline.finished").
		Int("qualities", len(res.Qualities)).
		Strs("failed", res.Failed).
		Msg("pipeline complete, awaiting completion report")
	return res, nil
}

func (p *Pipeline) stepProbe(ctx context.Context, sourcePath string, rep Reporter, logger zerolog.Logger) (*ffmpeg.ProbeResult, error) {
	if err := rep.Progress(ctx, store.StepProbe, bandProbeStart); err != nil {
		return nil, err
	}
	start := time.Now()
	probe, err := ffmpeg.Probe(ctx, p.runner, p.cfg.FFprobeBin, sourcePath, 60*time.Second, p.cfg.MaxDuration)
	if err != nil {
		return nil, fmt.Errorf("pipeline: probe: %w", err)
	}
	metrics.PipelineStepSeconds.WithLabelValues("probe").Observe(time.Since(start).Seconds())

	logger.Info().
		Str("event", "pipeline.probed").
		Float64(log.FieldDuration, probe.Duration).
		Str(log.FieldResolution, fmt.Sprintf("%dx%d", probe.Width, probe.Height)).
		Str(log.FieldCodec, probe.VideoCodec).
		Msg("source probed")

	if err := rep.Progress(ctx, store.StepProbe, bandProbeEnd); err != nil {
		return nil, err
	}
	return probe, nil
}

func (p *Pipeline) stepThumbnail(ctx context.Context, sourcePath, workDir string, probe *ffmpeg.ProbeResult, rep Reporter, logger zerolog.Logger) (string, error) {
	if err := rep.Progress(ctx, store.StepThumbnail, bandProbeEnd); err != nil {
		return "", err
	}

	offset := 5.0
	if quarter := probe.Duration / 4; quarter < offset {
		offset = quarter
	}
	thumbPath := filepath.Join(workDir, "thumbnail.jpg")

	start := time.Now()
	args := ffmpeg.ThumbnailArgs(sourcePath, offset, thumbPath)
	if _, err := p.runner.Run(ctx, p.cfg.FFmpegBin, args, 60*time.Second, nil); err != nil {
		// A video without an extractable frame still publishes; log and go on.
		logger.Warn().Err(err).Msg("thumbnail extraction failed, continuing without")
		thumbPath = ""
	}
	metrics.PipelineStepSeconds.WithLabelValues("thumbnail").Observe(time.Since(start).Seconds())

	if err := rep.Progress(ctx, store.StepThumbnail, bandThumbnailEnd); err != nil {
		return "", err
	}
	return thumbPath, nil
}

func (p *Pipeline) stepTranscode(ctx context.Context, env *store.JobEnvelope, sourcePath, workDir string, probe *ffmpeg.ProbeResult, rep Reporter, up Uploader, res *Result, logger zerolog.Logger) ([]hls.Variant, error) {
	qualities := ApplicableQualities(probe.Height, env.ExistingQualities)
	if len(qualities) == 0 {
		return nil, errors.New("pipeline: no qualities left to encode")
	}
	sel := SelectEncoder(p.hw)

	logger.Info().
		Str("event", "pipeline.transcode_plan").
		Strs("qualities", qualities).
		Strs("existing", env.ExistingQualities).
		Str(log.FieldEncoder, string(sel.Encoder)).
		Str(log.FieldCodec, sel.Codec).
		Msg("encode plan computed")

	parallel := p.cfg.ParallelQualities
	if parallel <= 0 {
		parallel = 1
		if sel.Encoder != ffmpeg.EncoderSoftware {
			parallel = 2 // consumer GPUs allow a couple of NVENC sessions
		}
	}

	var (
		mu       sync.Mutex
		variants []hls.Variant
		done     int
	)
	total := len(qualities)

	overall := func() float64 {
		span := bandTranscodeEnd - bandThumbnailEnd
		return bandThumbnailEnd + span*float64(done)/float64(total)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)

	for _, quality := range qualities {
		quality := quality
		g.Go(func() error {
			v, encErr := p.encodeOne(gctx, quality, sourcePath, workDir, probe, sel, rep, up)

			mu.Lock()
			done++
			pct := overall()
			if encErr != nil {
				res.Failed = append(res.Failed, quality)
			} else {
				variants = append(variants, *v)
				res.Qualities = append(res.Qualities, store.CompletedQuality{
					Quality:     v.Quality,
					Width:       v.Width,
					Height:      v.Height,
					BitrateKbps: v.BitrateKbps,
				})
			}
			mu.Unlock()

			if encErr != nil {
				// A lost claim aborts everything; a broken encode only
				// drops this variant.
				if errors.Is(encErr, store.ErrClaimConflict) {
					return encErr
				}
				logger.Error().Err(encErr).
					Str(log.FieldQuality, quality).
					Msg("variant encode failed")
				return nil
			}
			return rep.Progress(gctx, store.StepTranscode, pct)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if len(variants) == 0 {
		return nil, fmt.Errorf("pipeline: every variant failed: %v", res.Failed)
	}
	return variants, nil
}

// encodeOne produces, validates and uploads a single variant.
func (p *Pipeline) encodeOne(ctx context.Context, quality, sourcePath, workDir string, probe *ffmpeg.ProbeResult, sel Selection, rep Reporter, up Uploader) (*hls.Variant, error) {
	if err := rep.QualityUpdate(ctx, quality, store.QualityInProgress, 0, ""); err != nil {
		return nil, err
	}

	outDir := filepath.Join(workDir, quality)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("pipeline: out dir: %w", err)
	}

	var (
		args    []string
		preset  Preset
		timeout time.Duration
	)
	duration := time.Duration(probe.Duration * float64(time.Second))

	if quality == OriginalQuality {
		args = ffmpeg.RemuxArgs(sourcePath, outDir, p.cfg.SegmentDuration, p.cfg.Format == config.FormatCMAF)
		preset = Preset{Name: OriginalQuality, Width: probe.Width, Height: probe.Height, TimeoutMult: 0.5}
		timeout = EncodeTimeout(duration, p.cfg.EncodeTimeoutBaseMult, 0.5*p.cfg.EncodeTimeoutResMult,
			p.cfg.EncodeTimeoutMin, p.cfg.EncodeTimeoutMax)
	} else {
		var ok bool
		preset, ok = PresetByName(quality)
		if !ok {
			return nil, fmt.Errorf("pipeline: unknown quality %q", quality)
		}
		spec := ffmpeg.EncodeSpec{
			Input:           sourcePath,
			OutDir:          outDir,
			Quality:         quality,
			Width:           preset.Width,
			Height:          preset.Height,
			VideoKbps:       preset.VideoKbps,
			AudioKbps:       preset.AudioKbps,
			Codec:           sel.Codec,
			Encoder:         sel.Encoder,
			SegmentDuration: p.cfg.SegmentDuration,
			CMAF:            p.cfg.Format == config.FormatCMAF,
		}
		var err error
		args, err = ffmpeg.EncodeArgs(spec)
		if err != nil {
			return nil, err
		}
		timeout = EncodeTimeout(duration, p.cfg.EncodeTimeoutBaseMult, preset.TimeoutMult*p.cfg.EncodeTimeoutResMult,
			p.cfg.EncodeTimeoutMin, p.cfg.EncodeTimeoutMax)
	}

	onProgress := func(seconds float64) {
		if probe.Duration <= 0 {
			return
		}
		pct := 100 * seconds / probe.Duration
		if pct > 100 {
			pct = 100
		}
		// Best effort; a failed update here must not stop the encode.
		_ = rep.QualityUpdate(ctx, quality, store.QualityInProgress, pct, "")
	}

	start := time.Now()
	if _, err := p.runner.Run(ctx, p.cfg.FFmpegBin, args, timeout, onProgress); err != nil {
		_ = rep.QualityUpdate(ctx, quality, store.QualityFailed, 0, err.Error())
		return nil, fmt.Errorf("pipeline: encode %s: %w", quality, err)
	}
	metrics.PipelineStepSeconds.WithLabelValues("transcode").Observe(time.Since(start).Seconds())

	playlist := filepath.Join(outDir, quality+".m3u8")
	if p.cfg.Format == config.FormatCMAF {
		playlist = filepath.Join(outDir, "stream.m3u8")
	}
	if err := hls.ValidateVariantFile(playlist, hls.WithSegments); err != nil {
		_ = rep.QualityUpdate(ctx, quality, store.QualityFailed, 0, err.Error())
		return nil, fmt.Errorf("pipeline: validate %s: %w", quality, err)
	}

	// Aspect ratios can differ from the preset; trust the output.
	width, height := preset.Width, preset.Height
	if out, err := ffmpeg.Probe(ctx, p.runner, p.cfg.FFprobeBin, playlist, 30*time.Second, 0); err == nil {
		width, height = out.Width, out.Height
	}

	bitrate := preset.VideoKbps + preset.AudioKbps
	if quality == OriginalQuality {
		bitrate = estimateBitrateKbps(outDir, probe.Duration)
	}

	if err := rep.QualityUpdate(ctx, quality, store.QualityUploading, 100, ""); err != nil {
		return nil, err
	}
	if err := up.UploadQuality(ctx, quality, outDir); err != nil {
		_ = rep.QualityUpdate(ctx, quality, store.QualityFailed, 100, err.Error())
		return nil, fmt.Errorf("pipeline: upload %s: %w", quality, err)
	}
	if err := rep.QualityUpdate(ctx, quality, store.QualityUploaded, 100, ""); err != nil {
		return nil, err
	}

	// Uploaded variants free local disk immediately.
	_ = os.RemoveAll(outDir)

	return &hls.Variant{
		Quality:     quality,
		Width:       width,
		Height:      height,
		BitrateKbps: bitrate,
	}, nil
}

func (p *Pipeline) stepMasterPlaylist(ctx context.Context, workDir string, variants []hls.Variant, rep Reporter, logger zerolog.Logger) (string, error) {
	if err := rep.Progress(ctx, store.StepMasterPlaylist, bandMasterPlaylist); err != nil {
		return "", err
	}
	start := time.Now()
	if err := hls.WriteMaster(workDir, variants, p.cfg.Format); err != nil {
		return "", fmt.Errorf("pipeline: master playlist: %w", err)
	}
	metrics.PipelineStepSeconds.WithLabelValues("master_playlist").Observe(time.Since(start).Seconds())

	logger.Debug().
		Str("event", "pipeline.master_written").
		Int("variants", len(variants)).
		Msg("master playlist built")
	return filepath.Join(workDir, "master.m3u8"), nil
}

// resumedVariants reconstructs variant metadata for qualities a previous
// attempt already uploaded. Preset dimensions stand in for the real output;
// the original quality falls back to the probed source.
func resumedVariants(env *store.JobEnvelope, probe *ffmpeg.ProbeResult, sourcePath string) []hls.Variant {
	var out []hls.Variant
	for _, q := range env.ResumedQualities {
		if q == OriginalQuality {
			bitrate := 0
			if info, err := os.Stat(sourcePath); err == nil && probe.Duration > 0 {
				bitrate = int(float64(info.Size()*8) / probe.Duration / 1000)
			}
			out = append(out, hls.Variant{Quality: q, Width: probe.Width, Height: probe.Height, BitrateKbps: bitrate})
			continue
		}
		preset, ok := PresetByName(q)
		if !ok {
			continue
		}
		out = append(out, hls.Variant{
			Quality:     q,
			Width:       preset.Width,
			Height:      preset.Height,
			BitrateKbps: preset.VideoKbps + preset.AudioKbps,
		})
	}
	return out
}

// estimateBitrateKbps derives the remux bitrate from bytes on disk, since
// no preset prescribes one for the original quality.
func estimateBitrateKbps(dir string, duration float64) int {
	if duration <= 0 {
		return 0
	}
	var total int64
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	for _, e := range entries {
		if info, err := e.Info(); err == nil && e.Type().IsRegular() {
			total += info.Size()
		}
	}
	return int(float64(total*8) / duration / 1000)
}
