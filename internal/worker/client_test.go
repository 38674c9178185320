// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package worker

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/vodforge/internal/store"
)

func TestClientRegisterInstallsKey(t *testing.T) {
	var sawKey string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/worker/register":
			var req map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "encoder-01", req["name"])
			_ = json.NewEncoder(w).Encode(map[string]string{
				"worker_id": "w-1", "api_key": "vfk_secret",
			})
		case "/api/worker/heartbeat":
			sawKey = r.Header.Get("X-Worker-API-Key")
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer ts.Close()

	c := NewClient(ts.URL, "")
	id, err := c.Register(context.Background(), "encoder-01", "remote", "{}")
	require.NoError(t, err)
	assert.Equal(t, "w-1", id)
	require.True(t, c.HasAPIKey())

	require.NoError(t, c.Heartbeat(context.Background()))
	assert.Equal(t, "vfk_secret", sawKey)
}

func TestClientClaim(t *testing.T) {
	empty := true
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/worker/claim", r.URL.Path)
		if empty {
			_ = json.NewEncoder(w).Encode(map[string]string{"message": "No jobs"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"job_id": 7, "video_id": 3, "slug": "clip",
			"source_filename": "3.mp4", "attempt_number": 1,
		})
	}))
	defer ts.Close()

	c := NewClient(ts.URL, "vfk_x")
	env, err := c.Claim(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, env)

	empty = false
	env, err = c.Claim(context.Background(), nil)
	require.NoError(t, err)
	require.NotNil(t, env)
	assert.Equal(t, int64(7), env.JobID)
	assert.Equal(t, "clip", env.Slug)
}

func TestClientErrorMapping(t *testing.T) {
	status := http.StatusConflict
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "x", "detail": "y"})
	}))
	defer ts.Close()
	c := NewClient(ts.URL, "vfk_x")

	err := c.Heartbeat(context.Background())
	assert.ErrorIs(t, err, store.ErrClaimConflict)

	status = http.StatusUnauthorized
	err = c.Heartbeat(context.Background())
	assert.ErrorIs(t, err, ErrUnauthorized)

	status = http.StatusServiceUnavailable
	err = c.Heartbeat(context.Background())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.Status)
}

func TestClientFailTruncatesMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Len(t, req["error_message"], maxFailMessage)
		assert.Equal(t, true, req["retry"])
		_ = json.NewEncoder(w).Encode(map[string]any{"will_retry": true, "attempt_number": 2})
	}))
	defer ts.Close()

	c := NewClient(ts.URL, "vfk_x")
	willRetry, err := c.Fail(context.Background(), 1, strings.Repeat("x", 2000), true)
	require.NoError(t, err)
	assert.True(t, willRetry)
}

func TestClientDownloadSource(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/worker/source/9", r.URL.Path)
		_, _ = w.Write([]byte("source payload"))
	}))
	defer ts.Close()

	dest := filepath.Join(t.TempDir(), "source.mp4")
	c := NewClient(ts.URL, "vfk_x")
	require.NoError(t, c.DownloadSource(context.Background(), 9, dest))

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "source payload", string(data))
}

func TestClientDownloadSourceCleansUpOnError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "not_found"})
	}))
	defer ts.Close()

	dest := filepath.Join(t.TempDir(), "source.mp4")
	c := NewClient(ts.URL, "vfk_x")
	err := c.DownloadSource(context.Background(), 9, dest)
	require.Error(t, err)
	_, statErr := os.Stat(dest)
	assert.ErrorIs(t, statErr, os.ErrNotExist)
}

func TestClientUploadQuality(t *testing.T) {
	var gotCT string
	var gotBody []byte
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/worker/upload/4/quality/720p", r.URL.Path)
		gotCT = r.Header.Get("Content-Type")
		gz, err := gzip.NewReader(r.Body)
		require.NoError(t, err)
		buf := make([]byte, 1)
		_, _ = gz.Read(buf)
		gotBody = buf
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}))
	defer ts.Close()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "720p.m3u8"), []byte("#EXTM3U\n"), 0o644))

	c := NewClient(ts.URL, "vfk_x")
	sess := newSession(c, &store.JobEnvelope{JobID: 1, VideoID: 4, Slug: "clip"}, 0)
	require.NoError(t, sess.UploadQuality(context.Background(), "720p", dir))
	assert.Equal(t, "application/gzip", gotCT)
	assert.NotEmpty(t, gotBody)
}
