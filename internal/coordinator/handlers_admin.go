// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package coordinator

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ManuGH/vodforge/internal/log"
	"github.com/ManuGH/vodforge/internal/slug"
	"github.com/ManuGH/vodforge/internal/store"
)

// handleVideoUpload accepts a multipart source upload and atomically creates
// the video record with its pending job, then publishes a dispatch hint.
func (s *Server) handleVideoUpload(w http.ResponseWriter, r *http.Request) {
	max := s.cfg.Limits.MaxUploadSize
	if max <= 0 {
		max = 32 << 30
	}
	r.Body = http.MaxBytesReader(w, r.Body, max)

	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "expected multipart form data")
		return
	}

	var (
		title       string
		description string
		priority    = store.PriorityNormal
		filename    string
		filePart    *multipart.Part
	)
	// Text fields must precede the file part so metadata is known before
	// the stream starts.
	for filePart == nil {
		part, err := mr.NextPart()
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "missing file part")
			return
		}
		switch part.FormName() {
		case "title":
			title = formValue(part)
		case "description":
			description = formValue(part)
		case "priority":
			priority = store.PriorityFromName(strings.TrimSpace(formValue(part)))
		case "file":
			filename = part.FileName()
			filePart = part
		default:
			_ = part.Close()
		}
	}

	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	if !sourceExts[ext] {
		writeError(w, http.StatusBadRequest, "bad_request",
			fmt.Sprintf("unsupported source extension %q (want mp4, mkv, webm, mov or avi)", ext))
		return
	}
	if title == "" {
		title = strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	}

	nv := store.NewVideo{
		Title:       title,
		Slug:        slug.Make(title),
		Description: description,
		SourceExt:   ext,
		Priority:    priority,
		MaxAttempts: s.cfg.Transcoding.MaxAttempts,
	}
	video, job, err := s.st.CreateVideoWithJob(r.Context(), nv)
	if errors.Is(err, store.ErrSlugTaken) {
		nv.Slug = slug.WithSuffix(nv.Slug, filename+title)
		video, job, err = s.st.CreateVideoWithJob(r.Context(), nv)
	}
	if err != nil {
		writeStoreError(w, err)
		return
	}

	size, err := s.lib.SaveSource(video.ID, ext, filePart)
	if err != nil {
		// No source means the job can never run; roll the records back.
		_ = s.st.DeleteVideoPermanent(r.Context(), video.ID)
		writeStoreError(w, err)
		return
	}

	s.enqueueDispatch(r.Context(), job.ID, video.ID, video.Slug, job.Priority, job.AttemptNumber)

	s.logger.Info().
		Str("event", "coordinator.video_created").
		Int64(log.FieldVideoID, video.ID).
		Int64(log.FieldJobID, job.ID).
		Str(log.FieldSlug, video.Slug).
		Int64("size", size).
		Msg("upload accepted")
	writeJSON(w, http.StatusCreated, videoResponse(video, job))
}

func formValue(part *multipart.Part) string {
	b, _ := io.ReadAll(io.LimitReader(part, 4096))
	_ = part.Close()
	return string(b)
}

func (s *Server) handleVideoGet(w http.ResponseWriter, r *http.Request) {
	videoID, ok := pathID(w, r, "videoID")
	if !ok {
		return
	}
	video, err := s.st.GetVideo(r.Context(), videoID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	job, err := s.st.GetJobByVideo(r.Context(), videoID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	resp := videoResponse(video, job)
	if qualities, err := s.st.VideoQualities(r.Context(), videoID); err == nil {
		names := make([]string, 0, len(qualities))
		for _, q := range qualities {
			names = append(names, q.Quality)
		}
		resp["qualities"] = names
	}
	if progress, err := s.st.ListQualityProgress(r.Context(), job.ID); err == nil && len(progress) > 0 {
		entries := make([]map[string]any, 0, len(progress))
		for _, p := range progress {
			entries = append(entries, map[string]any{
				"quality":          p.Quality,
				"status":           p.Status,
				"progress_percent": p.ProgressPercent,
			})
		}
		resp["quality_progress"] = entries
	}
	writeJSON(w, http.StatusOK, resp)
}

func videoResponse(v *store.Video, j *store.TranscodingJob) map[string]any {
	resp := map[string]any{
		"id":         v.ID,
		"title":      v.Title,
		"slug":       v.Slug,
		"status":     v.Status,
		"created_at": v.CreatedAt,
	}
	if v.Duration.Valid {
		resp["duration"] = v.Duration.Float64
	}
	if v.DeletedAt.Valid {
		resp["deleted_at"] = v.DeletedAt.Time
	}
	if j != nil {
		resp["job"] = map[string]any{
			"id":               j.ID,
			"current_step":     j.CurrentStep,
			"progress_percent": j.ProgressPercent,
			"attempt_number":   j.AttemptNumber,
			"priority":         store.PriorityName(j.Priority),
		}
	}
	return resp
}

// handleVideoDelete soft-deletes: tombstone the record, move the published
// tree to the archive.
func (s *Server) handleVideoDelete(w http.ResponseWriter, r *http.Request) {
	videoID, ok := pathID(w, r, "videoID")
	if !ok {
		return
	}
	video, err := s.st.GetVideo(r.Context(), videoID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if err := s.st.SoftDeleteVideo(r.Context(), videoID); err != nil {
		writeStoreError(w, err)
		return
	}
	if err := s.lib.Archive(video.Slug); err != nil {
		// Record is tombstoned; a stranded tree is the janitor's problem.
		s.logger.Error().Err(err).Str(log.FieldSlug, video.Slug).Msg("archive move failed")
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "archived"})
}

func (s *Server) handleVideoRestore(w http.ResponseWriter, r *http.Request) {
	videoID, ok := pathID(w, r, "videoID")
	if !ok {
		return
	}
	video, err := s.st.GetVideo(r.Context(), videoID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if err := s.st.RestoreVideo(r.Context(), videoID); err != nil {
		writeStoreError(w, err)
		return
	}
	if err := s.lib.Restore(video.Slug); err != nil {
		s.logger.Error().Err(err).Str(log.FieldSlug, video.Slug).Msg("restore move failed")
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "restored"})
}

func (s *Server) handleVideoDeletePermanent(w http.ResponseWriter, r *http.Request) {
	videoID, ok := pathID(w, r, "videoID")
	if !ok {
		return
	}
	video, err := s.st.GetVideo(r.Context(), videoID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if err := s.st.DeleteVideoPermanent(r.Context(), videoID); err != nil {
		writeStoreError(w, err)
		return
	}
	_ = s.lib.RemoveSource(video.ID, video.SourceExt)
	_ = s.lib.RemoveVideoDir(video.Slug)
	_ = s.lib.Purge(video.Slug)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type retranscodeRequest struct {
	Priority string `json:"priority"`
}

// handleRetranscode re-queues a finished video. Existing qualities are
// preserved and carried in the claim envelope so workers skip them.
func (s *Server) handleRetranscode(w http.ResponseWriter, r *http.Request) {
	videoID, ok := pathID(w, r, "videoID")
	if !ok {
		return
	}
	var req retranscodeRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
			return
		}
	}
	priority := store.PriorityFromName(req.Priority)

	video, err := s.st.GetVideo(r.Context(), videoID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if video.DeletedAt.Valid {
		writeError(w, http.StatusConflict, "conflict", "restore the video before re-transcoding")
		return
	}
	if !sourceExts[video.SourceExt] {
		writeError(w, http.StatusConflict, "conflict", "no source file retained for this video")
		return
	}
	if f, _, err := s.lib.OpenSource(video.ID, video.SourceExt); err != nil {
		writeError(w, http.StatusConflict, "conflict", "source file no longer on disk")
		return
	} else {
		_ = f.Close()
	}

	if err := s.st.ReenqueueVideo(r.Context(), videoID, priority); err != nil {
		writeStoreError(w, err)
		return
	}
	job, err := s.st.GetJobByVideo(r.Context(), videoID)
	if err == nil {
		s.enqueueDispatch(r.Context(), job.ID, videoID, video.Slug, priority, 1)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "queued"})
}

func (s *Server) handleWorkersList(w http.ResponseWriter, r *http.Request) {
	workers, err := s.st.ListWorkers(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(workers))
	for _, wk := range workers {
		entry := map[string]any{
			"id":            wk.ID,
			"name":          wk.Name,
			"type":          wk.Type,
			"status":        wk.Status,
			"registered_at": wk.RegisteredAt,
		}
		if wk.LastHeartbeat.Valid {
			entry["last_heartbeat"] = wk.LastHeartbeat.Time
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{"workers": out})
}

func (s *Server) handleWorkerDisable(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "workerID")
	if workerID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing worker id")
		return
	}
	if err := s.reg.Disable(r.Context(), workerID); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
}
