// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package coordinator

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/vodforge/internal/config"
	"github.com/ManuGH/vodforge/internal/library"
	"github.com/ManuGH/vodforge/internal/registry"
	"github.com/ManuGH/vodforge/internal/store"
)

const testAdminToken = "test-admin-token"

type testEnv struct {
	ts  *httptest.Server
	st  *store.Store
	cfg config.Config
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	cfg := config.Default()
	cfg.Paths.DataDir = t.TempDir()
	cfg.Server.AdminToken = testAdminToken
	cfg.Server.RegisterOpen = true
	if mutate != nil {
		mutate(&cfg)
	}

	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"),
		store.WithKeepCompletedQualities(cfg.Transcoding.KeepCompletedQualities))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	lib := library.New(cfg.Paths, cfg.Transcoding.Format, cfg.Limits)
	require.NoError(t, lib.EnsureDirs())

	srv := New(cfg, st, nil, registry.New(st), lib)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &testEnv{ts: ts, st: st, cfg: cfg}
}

func (e *testEnv) do(t *testing.T, method, path string, headers map[string]string, body io.Reader) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.ts.URL+path, body)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := e.ts.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (e *testEnv) doJSON(t *testing.T, method, path, apiKey string, payload any) *http.Response {
	t.Helper()
	var body io.Reader
	headers := map[string]string{"Content-Type": "application/json"}
	if payload != nil {
		b, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewReader(b)
	}
	if apiKey != "" {
		headers["X-Worker-API-Key"] = apiKey
	}
	return e.do(t, method, path, headers, body)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (e *testEnv) registerWorker(t *testing.T, name string) (workerID, apiKey string) {
	t.Helper()
	resp := e.doJSON(t, http.MethodPost, "/api/worker/register", "",
		map[string]string{"name": name, "type": "remote"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	workerID, _ = body["worker_id"].(string)
	apiKey, _ = body["api_key"].(string)
	require.NotEmpty(t, workerID)
	require.True(t, strings.HasPrefix(apiKey, "vfk_"))
	return workerID, apiKey
}

// uploadVideo pushes a source through the admin surface and returns the new
// video and job IDs.
func (e *testEnv) uploadVideo(t *testing.T, title, filename, content string) (videoID, jobID int64) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("title", title))
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp := e.do(t, http.MethodPost, "/api/admin/videos", map[string]string{
		"Content-Type":  mw.FormDataContentType(),
		"X-Admin-Token": testAdminToken,
	}, &buf)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	body := decodeBody(t, resp)
	videoID = int64(body["id"].(float64))
	job := body["job"].(map[string]any)
	jobID = int64(job["id"].(float64))
	return videoID, jobID
}

func (e *testEnv) claim(t *testing.T, apiKey string) map[string]any {
	t.Helper()
	resp := e.doJSON(t, http.MethodPost, "/api/worker/claim", apiKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return decodeBody(t, resp)
}

// bundle builds a tar.gz archive from name->content pairs.
func bundle(t *testing.T, files map[string]string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name, Mode: 0o644, Size: int64(len(content)), Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return &buf
}

func TestRegisterAndAuthenticate(t *testing.T) {
	e := newTestEnv(t, nil)

	_, apiKey := e.registerWorker(t, "encoder-01")

	resp := e.doJSON(t, http.MethodPost, "/api/worker/heartbeat", apiKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, body["server_time"])

	// Bearer form works too.
	resp = e.do(t, http.MethodPost, "/api/worker/heartbeat",
		map[string]string{"Authorization": "Bearer " + apiKey}, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = e.doJSON(t, http.MethodPost, "/api/worker/heartbeat", "vfk_wrong00", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = e.doJSON(t, http.MethodPost, "/api/worker/heartbeat", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRegisterRequiresName(t *testing.T) {
	e := newTestEnv(t, nil)
	resp := e.doJSON(t, http.MethodPost, "/api/worker/register", "", map[string]string{"type": "remote"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRegisterGatedWhenNotOpen(t *testing.T) {
	e := newTestEnv(t, func(c *config.Config) { c.Server.RegisterOpen = false })

	resp := e.doJSON(t, http.MethodPost, "/api/worker/register", "",
		map[string]string{"name": "sneaky"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = e.do(t, http.MethodPost, "/api/worker/register", map[string]string{
		"Content-Type":  "application/json",
		"X-Admin-Token": testAdminToken,
	}, strings.NewReader(`{"name":"blessed"}`))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAdminTokenGating(t *testing.T) {
	e := newTestEnv(t, nil)

	resp := e.do(t, http.MethodGet, "/api/admin/workers", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/api/admin/workers",
		map[string]string{"X-Admin-Token": "wrong"}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/api/admin/workers",
		map[string]string{"X-Admin-Token": testAdminToken}, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAdminClosedWithoutToken(t *testing.T) {
	e := newTestEnv(t, func(c *config.Config) { c.Server.AdminToken = "" })

	resp := e.do(t, http.MethodGet, "/api/admin/workers",
		map[string]string{"X-Admin-Token": ""}, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "admin_disabled", body["error"])
}

func TestHealthAndReadiness(t *testing.T) {
	e := newTestEnv(t, nil)

	resp := e.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/readyz", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, true, body["ready"])
	assert.Equal(t, "ok", body["database"])
}

func TestJobLifecycle(t *testing.T) {
	e := newTestEnv(t, nil)
	_, apiKey := e.registerWorker(t, "encoder-01")
	videoID, jobID := e.uploadVideo(t, "Launch Teaser", "teaser.mp4", "raw source bytes")

	env := e.claim(t, apiKey)
	require.Equal(t, float64(jobID), env["job_id"])
	require.Equal(t, float64(videoID), env["video_id"])
	assert.NotEmpty(t, env["slug"])
	assert.Equal(t, fmt.Sprintf("%d.mp4", videoID), env["source_filename"])

	// Source streams back exactly what was uploaded.
	resp := e.doJSON(t, http.MethodGet, fmt.Sprintf("/api/worker/source/%d", videoID), apiKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "raw source bytes", string(data))

	// First progress report carries probe metadata.
	dur := 125.5
	w, h := 1920, 1080
	resp = e.doJSON(t, http.MethodPost, fmt.Sprintf("/api/worker/jobs/%d/progress", jobID), apiKey, map[string]any{
		"current_step":     "probe",
		"progress_percent": 8.0,
		"duration":         dur,
		"source_width":     w,
		"source_height":    h,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, body["claim_expires_at"])

	video, err := e.st.GetVideo(context.Background(), videoID)
	require.NoError(t, err)
	assert.Equal(t, dur, video.Duration.Float64)
	assert.Equal(t, int64(w), video.SourceWidth.Int64)

	// Per-quality progress rows land.
	resp = e.doJSON(t, http.MethodPost, fmt.Sprintf("/api/worker/jobs/%d/progress", jobID), apiKey, map[string]any{
		"current_step":     "transcode",
		"progress_percent": 40.0,
		"quality_progress": []map[string]any{
			{"quality": "1080p", "status": "in_progress", "progress_percent": 33.0},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	rows, err := e.st.ListQualityProgress(context.Background(), jobID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, store.QualityInProgress, rows[0].Status)

	// Upload one variant and the finalize bundle.
	slug := env["slug"].(string)
	resp = e.do(t, http.MethodPost, fmt.Sprintf("/api/worker/upload/%d/quality/1080p", videoID),
		map[string]string{"X-Worker-API-Key": apiKey, "Content-Type": "application/gzip"},
		bundle(t, map[string]string{
			"1080p.m3u8":      "#EXTM3U\n",
			"1080p_0000.ts":   "segment",
			"1080p_0001.ts":   "segment",
		}))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = e.do(t, http.MethodPost, fmt.Sprintf("/api/worker/upload/%d/finalize", videoID),
		map[string]string{"X-Worker-API-Key": apiKey, "Content-Type": "application/gzip"},
		bundle(t, map[string]string{
			"master.m3u8":   "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=3080000\n1080p.m3u8\n",
			"thumbnail.jpg": "jpegbytes",
		}))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	videoDir := filepath.Join(e.cfg.Paths.VideosDir(), slug)
	for _, name := range []string{"1080p.m3u8", "1080p_0000.ts", "master.m3u8", "thumbnail.jpg"} {
		_, err := os.Stat(filepath.Join(videoDir, name))
		assert.NoError(t, err, name)
	}

	// Complete publishes and removes the raw source.
	resp = e.doJSON(t, http.MethodPost, fmt.Sprintf("/api/worker/jobs/%d/complete", jobID), apiKey, map[string]any{
		"qualities": []map[string]any{
			{"quality": "1080p", "width": 1920, "height": 1080, "bitrate_kbps": 2800},
		},
		"duration":      dur,
		"source_width":  w,
		"source_height": h,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	video, err = e.st.GetVideo(context.Background(), videoID)
	require.NoError(t, err)
	assert.Equal(t, store.VideoReady, video.Status)
	_, err = os.Stat(filepath.Join(e.cfg.Paths.UploadsDir(), fmt.Sprintf("%d.mp4", videoID)))
	assert.ErrorIs(t, err, os.ErrNotExist)

	// Queue drained.
	empty := e.claim(t, apiKey)
	assert.Equal(t, "No jobs", empty["message"])
}

func TestProgressFromForeignWorkerConflicts(t *testing.T) {
	e := newTestEnv(t, nil)
	_, keyA := e.registerWorker(t, "encoder-a")
	_, keyB := e.registerWorker(t, "encoder-b")
	_, jobID := e.uploadVideo(t, "Contested", "contested.mkv", "bytes")

	env := e.claim(t, keyA)
	require.Equal(t, float64(jobID), env["job_id"])

	resp := e.doJSON(t, http.MethodPost, fmt.Sprintf("/api/worker/jobs/%d/progress", jobID), keyB, map[string]any{
		"current_step":     "transcode",
		"progress_percent": 10.0,
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// Uploads from the non-owner bounce the same way.
	videoID := int64(env["video_id"].(float64))
	resp = e.do(t, http.MethodPost, fmt.Sprintf("/api/worker/upload/%d/quality/720p", videoID),
		map[string]string{"X-Worker-API-Key": keyB, "Content-Type": "application/gzip"},
		bundle(t, map[string]string{"720p.m3u8": "#EXTM3U\n"}))
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestFailRetryThenPermanent(t *testing.T) {
	e := newTestEnv(t, func(c *config.Config) { c.Transcoding.MaxAttempts = 2 })
	_, apiKey := e.registerWorker(t, "encoder-01")
	videoID, jobID := e.uploadVideo(t, "Doomed", "doomed.mp4", "bytes")

	e.claim(t, apiKey)
	resp := e.doJSON(t, http.MethodPost, fmt.Sprintf("/api/worker/jobs/%d/fail", jobID), apiKey,
		map[string]any{"error_message": "encoder crashed", "retry": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, true, body["will_retry"])
	assert.Equal(t, float64(2), body["attempt_number"])

	// Budget exhausted on the second attempt.
	e.claim(t, apiKey)
	resp = e.doJSON(t, http.MethodPost, fmt.Sprintf("/api/worker/jobs/%d/fail", jobID), apiKey,
		map[string]any{"error_message": "encoder crashed again", "retry": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body = decodeBody(t, resp)
	assert.Equal(t, false, body["will_retry"])

	video, err := e.st.GetVideo(context.Background(), videoID)
	require.NoError(t, err)
	assert.Equal(t, store.VideoFailed, video.Status)
	// CleanupOnFailure removed the raw source.
	_, err = os.Stat(filepath.Join(e.cfg.Paths.UploadsDir(), fmt.Sprintf("%d.mp4", videoID)))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestFailWithoutResumeRemovesUploadedVariants(t *testing.T) {
	e := newTestEnv(t, func(c *config.Config) { c.Transcoding.KeepCompletedQualities = false })
	_, apiKey := e.registerWorker(t, "encoder-01")
	videoID, jobID := e.uploadVideo(t, "Restart", "restart.mp4", "bytes")

	env := e.claim(t, apiKey)
	slug := env["slug"].(string)

	resp := e.do(t, http.MethodPost, fmt.Sprintf("/api/worker/upload/%d/quality/720p", videoID),
		map[string]string{"X-Worker-API-Key": apiKey, "Content-Type": "application/gzip"},
		bundle(t, map[string]string{"720p.m3u8": "#EXTM3U\n", "720p_0000.ts": "segment"}))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	playlist := filepath.Join(e.cfg.Paths.VideosDir(), slug, "720p.m3u8")
	_, err := os.Stat(playlist)
	require.NoError(t, err)

	resp = e.doJSON(t, http.MethodPost, fmt.Sprintf("/api/worker/jobs/%d/fail", jobID), apiKey,
		map[string]any{"error_message": "encoder crashed", "retry": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The half-done variant is gone and the next attempt starts clean.
	_, err = os.Stat(playlist)
	assert.ErrorIs(t, err, os.ErrNotExist)

	env = e.claim(t, apiKey)
	assert.Equal(t, float64(jobID), env["job_id"])
	assert.Nil(t, env["existing_qualities"])
}

func TestSourceDownloadUnknownVideo(t *testing.T) {
	e := newTestEnv(t, nil)
	_, apiKey := e.registerWorker(t, "encoder-01")

	resp := e.doJSON(t, http.MethodGet, "/api/worker/source/999", apiKey, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUploadQualityRejectsTraversal(t *testing.T) {
	e := newTestEnv(t, nil)
	_, apiKey := e.registerWorker(t, "encoder-01")
	videoID, _ := e.uploadVideo(t, "Hostile", "hostile.mp4", "bytes")
	e.claim(t, apiKey)

	resp := e.do(t, http.MethodPost, fmt.Sprintf("/api/worker/upload/%d/quality/720p", videoID),
		map[string]string{"X-Worker-API-Key": apiKey, "Content-Type": "application/gzip"},
		bundle(t, map[string]string{"../../escape.m3u8": "#EXTM3U\n"}))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUploadQualityRejectsUnknownName(t *testing.T) {
	e := newTestEnv(t, nil)
	_, apiKey := e.registerWorker(t, "encoder-01")
	videoID, _ := e.uploadVideo(t, "Odd", "odd.mp4", "bytes")
	e.claim(t, apiKey)

	resp := e.do(t, http.MethodPost, fmt.Sprintf("/api/worker/upload/%d/quality/999p", videoID),
		map[string]string{"X-Worker-API-Key": apiKey, "Content-Type": "application/gzip"},
		bundle(t, map[string]string{"999p.m3u8": "#EXTM3U\n"}))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestClaimSpecificJob(t *testing.T) {
	e := newTestEnv(t, nil)
	_, apiKey := e.registerWorker(t, "encoder-01")
	_, jobA := e.uploadVideo(t, "First", "first.mp4", "bytes")
	_, jobB := e.uploadVideo(t, "Second", "second.mp4", "bytes")

	resp := e.doJSON(t, http.MethodPost, "/api/worker/claim", apiKey, map[string]any{"job_id": jobB})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	env := decodeBody(t, resp)
	assert.Equal(t, float64(jobB), env["job_id"])

	// jobA is still there for the generic claim.
	env = e.claim(t, apiKey)
	assert.Equal(t, float64(jobA), env["job_id"])
}

func TestAdminVideoLifecycle(t *testing.T) {
	e := newTestEnv(t, nil)
	videoID, _ := e.uploadVideo(t, "Archive Me", "archive-me.mp4", "bytes")
	admin := map[string]string{"X-Admin-Token": testAdminToken}

	resp := e.do(t, http.MethodGet, fmt.Sprintf("/api/admin/videos/%d", videoID), admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "archive-me", body["slug"])

	resp = e.do(t, http.MethodDelete, fmt.Sprintf("/api/admin/videos/%d", videoID), admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	video, err := e.st.GetVideo(context.Background(), videoID)
	require.NoError(t, err)
	assert.True(t, video.DeletedAt.Valid)

	resp = e.do(t, http.MethodPost, fmt.Sprintf("/api/admin/videos/%d/restore", videoID), admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	video, err = e.st.GetVideo(context.Background(), videoID)
	require.NoError(t, err)
	assert.False(t, video.DeletedAt.Valid)

	resp = e.do(t, http.MethodDelete, fmt.Sprintf("/api/admin/videos/%d/permanent", videoID), admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, err = e.st.GetVideo(context.Background(), videoID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAdminUploadRejectsBadExtension(t *testing.T) {
	e := newTestEnv(t, nil)
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "payload.exe")
	require.NoError(t, err)
	_, err = fw.Write([]byte("not video"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp := e.do(t, http.MethodPost, "/api/admin/videos", map[string]string{
		"Content-Type":  mw.FormDataContentType(),
		"X-Admin-Token": testAdminToken,
	}, &buf)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAdminSlugCollisionGetsSuffix(t *testing.T) {
	e := newTestEnv(t, nil)
	a, _ := e.uploadVideo(t, "Same Title", "one.mp4", "bytes")
	b, _ := e.uploadVideo(t, "Same Title", "two.mp4", "bytes")

	va, err := e.st.GetVideo(context.Background(), a)
	require.NoError(t, err)
	vb, err := e.st.GetVideo(context.Background(), b)
	require.NoError(t, err)
	assert.Equal(t, "same-title", va.Slug)
	assert.True(t, strings.HasPrefix(vb.Slug, "same-title-"))
	assert.NotEqual(t, va.Slug, vb.Slug)
}

func TestAdminRetranscode(t *testing.T) {
	e := newTestEnv(t, func(c *config.Config) { c.Transcoding.CleanupOnFailure = false })
	_, apiKey := e.registerWorker(t, "encoder-01")
	videoID, jobID := e.uploadVideo(t, "Redo", "redo.mp4", "bytes")
	admin := map[string]string{"X-Admin-Token": testAdminToken, "Content-Type": "application/json"}

	// Drive the job to completion without removing the source: complete
	// removes it, so re-save afterwards through the store-level path is not
	// possible; instead fail permanently and keep the source around.
	e.claim(t, apiKey)
	resp := e.doJSON(t, http.MethodPost, fmt.Sprintf("/api/worker/jobs/%d/fail", jobID), apiKey,
		map[string]any{"error_message": "boom", "retry": false})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = e.do(t, http.MethodPost, fmt.Sprintf("/api/admin/videos/%d/retranscode", videoID),
		admin, strings.NewReader(`{"priority":"high"}`))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	env := e.claim(t, apiKey)
	assert.Equal(t, float64(videoID), env["video_id"])
}

func TestRequestIDEchoed(t *testing.T) {
	e := newTestEnv(t, nil)
	resp := e.do(t, http.MethodGet, "/healthz", map[string]string{"X-Request-ID": "trace-me"}, nil)
	assert.Equal(t, "trace-me", resp.Header.Get("X-Request-ID"))

	resp = e.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}
