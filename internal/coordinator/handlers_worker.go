// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package coordinator

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ManuGH/vodforge/internal/log"
	"github.com/ManuGH/vodforge/internal/metrics"
	"github.com/ManuGH/vodforge/internal/store"
)

// sourceExts is the allow-list of source container extensions.
var sourceExts = map[string]bool{
	"mp4": true, "mkv": true, "webm": true, "mov": true, "avi": true,
}

type registerRequest struct {
	Name         string `json:"name"`
	Type         string `json:"type"`
	Capabilities string `json:"capabilities"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "name is required")
		return
	}
	typ := store.WorkerType(req.Type)
	if typ != store.WorkerLocal && typ != store.WorkerRemote {
		typ = store.WorkerRemote
	}

	registration, err := s.reg.Register(r.Context(), req.Name, typ, req.Capabilities)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	// The raw key crosses the wire exactly once.
	writeJSON(w, http.StatusOK, map[string]string{
		"worker_id": registration.Worker.ID,
		"api_key":   registration.APIKey,
	})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	worker := workerFrom(r)
	if err := s.reg.Heartbeat(r.Context(), worker.ID); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"server_time": time.Now().UTC().Format(time.RFC3339),
	})
}

type claimRequest struct {
	JobID *int64 `json:"job_id,omitempty"`
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	worker := workerFrom(r)

	var req claimRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
			return
		}
	}

	lease := s.cfg.Worker.ClaimDuration
	var (
		env *store.JobEnvelope
		err error
	)
	if req.JobID != nil {
		env, err = s.st.ClaimByID(r.Context(), *req.JobID, worker.ID, lease)
	} else {
		env, err = s.st.ClaimNext(r.Context(), worker.ID, lease)
	}
	if err != nil {
		metrics.ClaimsTotal.WithLabelValues("conflict").Inc()
		writeStoreError(w, err)
		return
	}
	if env == nil {
		metrics.ClaimsTotal.WithLabelValues("empty").Inc()
		writeJSON(w, http.StatusOK, map[string]string{"message": "No jobs"})
		return
	}
	metrics.ClaimsTotal.WithLabelValues("claimed").Inc()

	s.logger.Info().
		Str("event", "coordinator.claimed").
		Int64(log.FieldJobID, env.JobID).
		Str(log.FieldWorkerID, worker.ID).
		Str(log.FieldSlug, env.Slug).
		Int(log.FieldAttempt, env.AttemptNumber).
		Msg("job claimed")
	writeJSON(w, http.StatusOK, env)
}

type qualityProgressEntry struct {
	Quality         string  `json:"quality"`
	Status          string  `json:"status"`
	ProgressPercent float64 `json:"progress_percent"`
	ErrorMessage    string  `json:"error_message,omitempty"`
}

type progressRequest struct {
	CurrentStep     string                 `json:"current_step"`
	ProgressPercent float64                `json:"progress_percent"`
	QualityProgress []qualityProgressEntry `json:"quality_progress,omitempty"`
	Duration        *float64               `json:"duration,omitempty"`
	SourceWidth     *int                   `json:"source_width,omitempty"`
	SourceHeight    *int                   `json:"source_height,omitempty"`
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	worker := workerFrom(r)
	jobID, ok := pathID(w, r, "jobID")
	if !ok {
		return
	}

	var req progressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	step := store.JobStep(req.CurrentStep)
	if !store.ValidStep(step) {
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("unknown step %q", req.CurrentStep))
		return
	}
	for _, qp := range req.QualityProgress {
		if !store.ValidQualityStatus(store.QualityStatus(qp.Status)) {
			writeError(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("unknown quality status %q", qp.Status))
			return
		}
		if !store.QualityNames[qp.Quality] {
			writeError(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("unknown quality %q", qp.Quality))
			return
		}
	}

	expires, err := s.st.Progress(r.Context(), jobID, worker.ID, step, req.ProgressPercent, s.cfg.Worker.ClaimDuration)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	for _, qp := range req.QualityProgress {
		if err := s.st.UpsertQualityProgress(r.Context(), jobID, qp.Quality,
			store.QualityStatus(qp.Status), qp.ProgressPercent, qp.ErrorMessage); err != nil {
			writeStoreError(w, err)
			return
		}
	}

	// First probe reports the source metadata; later reports are no-ops.
	if req.Duration != nil || req.SourceWidth != nil || req.SourceHeight != nil {
		job, err := s.st.GetJob(r.Context(), jobID)
		if err == nil {
			if err := s.st.PatchSourceMeta(r.Context(), job.VideoID, req.Duration, req.SourceWidth, req.SourceHeight); err != nil {
				writeStoreError(w, err)
				return
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"claim_expires_at": expires.UTC().Format(time.RFC3339),
	})
}

type completeRequest struct {
	Qualities    []store.CompletedQuality `json:"qualities"`
	Duration     float64                  `json:"duration"`
	SourceWidth  int                      `json:"source_width"`
	SourceHeight int                      `json:"source_height"`
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	worker := workerFrom(r)
	jobID, ok := pathID(w, r, "jobID")
	if !ok {
		return
	}

	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if len(req.Qualities) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "complete requires at least one quality")
		return
	}
	for _, q := range req.Qualities {
		if !store.QualityNames[q.Quality] {
			writeError(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("unknown quality %q", q.Quality))
			return
		}
	}

	job, err := s.st.GetJob(r.Context(), jobID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	video, err := s.st.GetVideo(r.Context(), job.VideoID)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	if err := s.st.Complete(r.Context(), jobID, worker.ID, req.Qualities, req.Duration, req.SourceWidth, req.SourceHeight); err != nil {
		writeStoreError(w, err)
		return
	}
	metrics.JobsCompleted.Inc()

	// The published tree carries the video now; the raw source is done.
	if err := s.lib.RemoveSource(video.ID, video.SourceExt); err != nil {
		s.logger.Warn().Err(err).
			Int64(log.FieldVideoID, video.ID).
			Msg("source cleanup failed, janitor will retry")
	}

	s.logger.Info().
		Str("event", "coordinator.completed").
		Int64(log.FieldJobID, jobID).
		Str(log.FieldSlug, video.Slug).
		Int("qualities", len(req.Qualities)).
		Msg("video published")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type failRequest struct {
	ErrorMessage string `json:"error_message"`
	Retry        bool   `json:"retry"`
}

func (s *Server) handleFail(w http.ResponseWriter, r *http.Request) {
	worker := workerFrom(r)
	jobID, ok := pathID(w, r, "jobID")
	if !ok {
		return
	}

	var req failRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	// Without checkpoint resume the next attempt re-encodes everything, so
	// variants this attempt installed must go. Fail discards their rows;
	// snapshot the list first.
	var staleUploads []string
	if req.Retry && !s.cfg.Transcoding.KeepCompletedQualities {
		staleUploads, _ = s.st.UploadedQualities(r.Context(), jobID)
	}

	res, err := s.st.Fail(r.Context(), jobID, worker.ID, req.ErrorMessage, req.Retry)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	if res.WillRetry {
		metrics.JobsFailed.WithLabelValues("retry").Inc()
		for _, q := range staleUploads {
			if err := s.lib.RemoveQuality(res.Slug, q); err != nil {
				s.logger.Warn().Err(err).
					Str(log.FieldSlug, res.Slug).
					Str(log.FieldQuality, q).
					Msg("stale variant cleanup failed, janitor will retry")
			}
		}
		job, jerr := s.st.GetJob(r.Context(), jobID)
		if jerr == nil {
			s.enqueueDispatch(r.Context(), jobID, res.VideoID, res.Slug, job.Priority, res.AttemptNumber)
		}
	} else {
		metrics.JobsFailed.WithLabelValues("permanent").Inc()
		if s.cfg.Transcoding.CleanupOnFailure {
			video, verr := s.st.GetVideo(r.Context(), res.VideoID)
			if verr == nil {
				_ = s.lib.RemoveSource(video.ID, video.SourceExt)
			}
		}
	}

	s.logger.Warn().
		Str("event", "coordinator.failed").
		Int64(log.FieldJobID, jobID).
		Str(log.FieldWorkerID, worker.ID).
		Bool("will_retry", res.WillRetry).
		Int(log.FieldAttempt, res.AttemptNumber).
		Msg("failure reported")
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"will_retry":     res.WillRetry,
		"attempt_number": res.AttemptNumber,
	})
}

// handleSourceDownload streams the raw upload to the claiming worker. The
// path never derives from client input beyond the numeric video ID.
func (s *Server) handleSourceDownload(w http.ResponseWriter, r *http.Request) {
	worker := workerFrom(r)
	videoID, ok := pathID(w, r, "videoID")
	if !ok {
		return
	}

	video, _, ok := s.requireLiveClaim(w, r, videoID, worker.ID)
	if !ok {
		return
	}

	if !sourceExts[video.SourceExt] {
		writeError(w, http.StatusNotFound, "not_found", "no source available")
		return
	}
	f, size, err := s.lib.OpenSource(video.ID, video.SourceExt)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "no source available")
		return
	}
	defer func() { _ = f.Close() }()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", video.SourceFilename()))
	if _, err := io.Copy(w, f); err != nil {
		// Client went away mid-stream; nothing sensible to send.
		s.logger.Debug().Err(err).Int64(log.FieldVideoID, videoID).Msg("source stream aborted")
	}
}

func (s *Server) handleUploadQuality(w http.ResponseWriter, r *http.Request) {
	worker := workerFrom(r)
	videoID, ok := pathID(w, r, "videoID")
	if !ok {
		return
	}
	quality := chi.URLParam(r, "name")
	if !store.QualityNames[quality] {
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("unknown quality %q", quality))
		return
	}

	video, job, ok := s.requireLiveClaim(w, r, videoID, worker.ID)
	if !ok {
		return
	}

	body, n, err := s.uploadBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	defer func() { _ = body.Close() }()

	if err := s.lib.InstallQuality(r.Context(), video.Slug, quality, body); err != nil {
		writeStoreError(w, err)
		return
	}
	if err := s.st.MarkQualityUploaded(r.Context(), job.ID, quality); err != nil {
		writeStoreError(w, err)
		return
	}
	// Receiving artifacts is progress; keep the lease alive.
	if _, err := s.st.ExtendLease(r.Context(), job.ID, worker.ID, s.cfg.Worker.ClaimDuration); err != nil &&
		!errors.Is(err, store.ErrClaimConflict) {
		writeStoreError(w, err)
		return
	}
	metrics.UploadBytes.WithLabelValues("quality").Add(float64(n))

	s.logger.Info().
		Str("event", "coordinator.quality_uploaded").
		Int64(log.FieldJobID, job.ID).
		Str(log.FieldSlug, video.Slug).
		Str(log.FieldQuality, quality).
		Msg("variant received")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleUploadFinalize(w http.ResponseWriter, r *http.Request) {
	worker := workerFrom(r)
	videoID, ok := pathID(w, r, "videoID")
	if !ok {
		return
	}

	video, job, ok := s.requireLiveClaim(w, r, videoID, worker.ID)
	if !ok {
		return
	}

	body, n, err := s.uploadBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	defer func() { _ = body.Close() }()

	if err := s.lib.InstallFinalize(r.Context(), video.Slug, body); err != nil {
		writeStoreError(w, err)
		return
	}
	if _, err := s.st.ExtendLease(r.Context(), job.ID, worker.ID, s.cfg.Worker.ClaimDuration); err != nil &&
		!errors.Is(err, store.ErrClaimConflict) {
		writeStoreError(w, err)
		return
	}
	metrics.UploadBytes.WithLabelValues("finalize").Add(float64(n))

	s.logger.Info().
		Str("event", "coordinator.finalized").
		Int64(log.FieldJobID, job.ID).
		Str(log.FieldSlug, video.Slug).
		Msg("finalize bundle received")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// uploadBody returns the archive stream of an upload request: the "file"
// part of a multipart form, or the raw body. Size is capped either way.
func (s *Server) uploadBody(w http.ResponseWriter, r *http.Request) (io.ReadCloser, int64, error) {
	max := s.cfg.Limits.MaxArchiveSize
	if max <= 0 {
		max = 16 << 30
	}
	r.Body = http.MaxBytesReader(w, r.Body, max)

	n := r.ContentLength
	if n < 0 {
		n = 0
	}
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		mr, err := r.MultipartReader()
		if err != nil {
			return nil, 0, fmt.Errorf("bad multipart body: %w", err)
		}
		for {
			part, err := mr.NextPart()
			if err != nil {
				return nil, 0, fmt.Errorf("no file part in upload")
			}
			if part.FormName() == "file" {
				return part, n, nil
			}
			_ = part.Close()
		}
	}
	return r.Body, n, nil
}

// requireLiveClaim resolves the video and verifies the caller owns a live
// claim on its job. 404 before 409: an unknown video never leaks ownership.
func (s *Server) requireLiveClaim(w http.ResponseWriter, r *http.Request, videoID int64, workerID string) (*store.Video, *store.TranscodingJob, bool) {
	video, err := s.st.GetVideo(r.Context(), videoID)
	if err != nil {
		writeStoreError(w, err)
		return nil, nil, false
	}
	job, err := s.st.GetJobByVideo(r.Context(), videoID)
	if err != nil {
		writeStoreError(w, err)
		return nil, nil, false
	}
	if _, err := s.st.VerifyOwnership(r.Context(), job.ID, workerID); err != nil {
		writeStoreError(w, err)
		return nil, nil, false
	}
	return video, job, true
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid "+name)
		return 0, false
	}
	return id, true
}
