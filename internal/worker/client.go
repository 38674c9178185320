// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package worker is the remote transcoding runtime: it claims jobs from the
// coordinator, runs the pipeline on them and ships the artifacts back.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/vodforge/internal/log"
	"github.com/ManuGH/vodforge/internal/store"
)

// ErrUnauthorized marks a rejected or revoked API key. Not retryable.
var ErrUnauthorized = errors.New("worker: unauthorized")

// APIError is a non-2xx coordinator response that maps to no sentinel.
type APIError struct {
	Status int
	Code   string
	Detail string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("worker: coordinator returned %d (%s): %s", e.Status, e.Code, e.Detail)
}

// Client talks the worker protocol against one coordinator.
type Client struct {
	baseURL string
	httpc   *http.Client
	logger  zerolog.Logger

	mu     sync.RWMutex
	apiKey string
}

// NewClient creates a Client. apiKey may be empty until Register ran.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		// Request lifetimes are governed per call; source downloads and
		// artifact uploads legitimately run for minutes.
		httpc:  &http.Client{},
		apiKey: apiKey,
		logger: log.WithComponent("worker.client"),
	}
}

// SetAPIKey installs the credential after a successful registration.
func (c *Client) SetAPIKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apiKey = key
}

// HasAPIKey reports whether a credential is installed.
func (c *Client) HasAPIKey() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.apiKey != ""
}

func (c *Client) key() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.apiKey
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("worker: build request: %w", err)
	}
	if key := c.key(); key != "" {
		req.Header.Set("X-Worker-API-Key", key)
	}
	return req, nil
}

// doJSON performs a JSON round trip and decodes the response into out when
// non-nil. Error responses map onto the domain sentinels.
func (c *Client) doJSON(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("worker: encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("worker: %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return c.mapError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("worker: decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) mapError(resp *http.Response) error {
	var body struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body)

	switch resp.StatusCode {
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", store.ErrClaimConflict, body.Detail)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, body.Detail)
	}
	return &APIError{Status: resp.StatusCode, Code: body.Error, Detail: body.Detail}
}

// Register creates this worker on the coordinator and returns its identity.
// The API key is installed on the client as a side effect.
func (c *Client) Register(ctx context.Context, name, typ, capabilities string) (string, error) {
	var out struct {
		WorkerID string `json:"worker_id"`
		APIKey   string `json:"api_key"`
	}
	err := c.doJSON(ctx, http.MethodPost, "/api/worker/register", map[string]string{
		"name":         name,
		"type":         typ,
		"capabilities": capabilities,
	}, &out)
	if err != nil {
		return "", err
	}
	c.SetAPIKey(out.APIKey)
	return out.WorkerID, nil
}

// Heartbeat refreshes liveness on the coordinator.
func (c *Client) Heartbeat(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/api/worker/heartbeat", nil, nil)
}

// Claim requests work. With jobID it targets a dispatched job, otherwise the
// coordinator picks by priority. Returns (nil, nil) when nothing is pending.
func (c *Client) Claim(ctx context.Context, jobID *int64) (*store.JobEnvelope, error) {
	var payload any
	if jobID != nil {
		payload = map[string]int64{"job_id": *jobID}
	}
	var out struct {
		store.JobEnvelope
		Message string `json:"message"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/worker/claim", payload, &out); err != nil {
		return nil, err
	}
	if out.Message != "" || out.JobID == 0 {
		return nil, nil
	}
	env := out.JobEnvelope
	return &env, nil
}

type qualityEntry struct {
	Quality         string  `json:"quality"`
	Status          string  `json:"status"`
	ProgressPercent float64 `json:"progress_percent"`
	ErrorMessage    string  `json:"error_message,omitempty"`
}

type progressPayload struct {
	CurrentStep     string         `json:"current_step"`
	ProgressPercent float64        `json:"progress_percent"`
	QualityProgress []qualityEntry `json:"quality_progress,omitempty"`
}

// Progress reports a checkpoint; the coordinator extends the lease.
func (c *Client) Progress(ctx context.Context, jobID int64, p progressPayload) error {
	return c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/api/worker/jobs/%d/progress", jobID), p, nil)
}

type completePayload struct {
	Qualities    []store.CompletedQuality `json:"qualities"`
	Duration     float64                  `json:"duration"`
	SourceWidth  int                      `json:"source_width"`
	SourceHeight int                      `json:"source_height"`
}

// Complete reports a finished job.
func (c *Client) Complete(ctx context.Context, jobID int64, p completePayload) error {
	return c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/api/worker/jobs/%d/complete", jobID), p, nil)
}

// maxFailMessage bounds the error detail persisted per attempt.
const maxFailMessage = 500

// Fail reports a failed attempt and returns whether the coordinator will
// retry the job.
func (c *Client) Fail(ctx context.Context, jobID int64, message string, retry bool) (bool, error) {
	if len(message) > maxFailMessage {
		message = message[:maxFailMessage]
	}
	var out struct {
		WillRetry     bool `json:"will_retry"`
		AttemptNumber int  `json:"attempt_number"`
	}
	err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/api/worker/jobs/%d/fail", jobID), map[string]any{
		"error_message": message,
		"retry":         retry,
	}, &out)
	if err != nil {
		return false, err
	}
	return out.WillRetry, nil
}

// DownloadSource streams the raw source for videoID into destPath.
func (c *Client) DownloadSource(ctx context.Context, videoID int64, destPath string) (retErr error) {
	req, err := c.newRequest(ctx, http.MethodGet, fmt.Sprintf("/api/worker/source/%d", videoID), nil)
	if err != nil {
		return err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("worker: download source: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return c.mapError(resp)
	}

	f, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644) // #nosec G304 -- scratch dir path
	if err != nil {
		return fmt.Errorf("worker: create source file: %w", err)
	}
	defer func() {
		if cerr := f.Close(); retErr == nil && cerr != nil {
			retErr = cerr
		}
		if retErr != nil {
			_ = os.Remove(destPath)
		}
	}()

	if _, err := io.Copy(f, resp.Body); err != nil {
		return fmt.Errorf("worker: download source: %w", err)
	}
	return nil
}

// UploadQuality ships a tar.gz variant bundle.
func (c *Client) UploadQuality(ctx context.Context, videoID int64, quality string, bundle io.Reader) error {
	return c.upload(ctx, fmt.Sprintf("/api/worker/upload/%d/quality/%s", videoID, quality), bundle)
}

// UploadFinalize ships the master playlist and thumbnail bundle.
func (c *Client) UploadFinalize(ctx context.Context, videoID int64, bundle io.Reader) error {
	return c.upload(ctx, fmt.Sprintf("/api/worker/upload/%d/finalize", videoID), bundle)
}

func (c *Client) upload(ctx context.Context, path string, bundle io.Reader) error {
	req, err := c.newRequest(ctx, http.MethodPost, path, bundle)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/gzip")

	start := time.Now()
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("worker: upload %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return c.mapError(resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	c.logger.Debug().
		Str(log.FieldPath, path).
		Dur("elapsed", time.Since(start)).
		Msg("bundle uploaded")
	return nil
}
