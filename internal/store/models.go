// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package store

import (
	"database/sql"
	"fmt"
	"time"
)

// VideoStatus is the lifecycle state of a video record.
type VideoStatus string

const (
	VideoPending    VideoStatus = "pending"
	VideoProcessing VideoStatus = "processing"
	VideoReady      VideoStatus = "ready"
	VideoFailed     VideoStatus = "failed"
)

// JobStep is the pipeline step currently reported for a job.
type JobStep string

const (
	StepPending        JobStep = "pending"
	StepProbe          JobStep = "probe"
	StepThumbnail      JobStep = "thumbnail"
	StepTranscode      JobStep = "transcode"
	StepMasterPlaylist JobStep = "master_playlist"
	StepFinalize       JobStep = "finalize"
)

// ValidStep reports whether s is a known pipeline step.
func ValidStep(s JobStep) bool {
	switch s {
	case StepPending, StepProbe, StepThumbnail, StepTranscode, StepMasterPlaylist, StepFinalize:
		return true
	}
	return false
}

// QualityStatus is the per-variant progress state.
type QualityStatus string

const (
	QualityPending    QualityStatus = "pending"
	QualityInProgress QualityStatus = "in_progress"
	QualityUploading  QualityStatus = "uploading"
	QualityUploaded   QualityStatus = "uploaded"
	QualityCompleted  QualityStatus = "completed"
	QualityFailed     QualityStatus = "failed"
	QualitySkipped    QualityStatus = "skipped"
)

// ValidQualityStatus reports whether s is a known per-variant state.
func ValidQualityStatus(s QualityStatus) bool {
	switch s {
	case QualityPending, QualityInProgress, QualityUploading, QualityUploaded,
		QualityCompleted, QualityFailed, QualitySkipped:
		return true
	}
	return false
}

// QualityNames is the canonical set of quality identifiers, used to match
// on-disk directories and validate requests.
var QualityNames = map[string]bool{
	"2160p":    true,
	"1440p":    true,
	"1080p":    true,
	"720p":     true,
	"480p":     true,
	"360p":     true,
	"original": true,
}

// WorkerStatus is the registry liveness state.
type WorkerStatus string

const (
	WorkerActive   WorkerStatus = "active"
	WorkerOffline  WorkerStatus = "offline"
	WorkerDisabled WorkerStatus = "disabled"
)

// WorkerType distinguishes in-process from HTTP workers.
type WorkerType string

const (
	WorkerLocal  WorkerType = "local"
	WorkerRemote WorkerType = "remote"
)

// Job priorities; the tiebreaker at claim time only.
const (
	PriorityLow    = 0
	PriorityNormal = 1
	PriorityHigh   = 2
)

// PriorityFromName maps a queue priority name to its rank.
func PriorityFromName(name string) int {
	switch name {
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// PriorityName maps a rank back to the queue stream name.
func PriorityName(p int) string {
	switch {
	case p >= PriorityHigh:
		return "high"
	case p <= PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

// Video is one published (or publishing) video record.
type Video struct {
	ID           int64
	Title        string
	Slug         string
	Description  string
	CategoryID   sql.NullInt64
	Duration     sql.NullFloat64 // seconds
	SourceWidth  sql.NullInt64
	SourceHeight sql.NullInt64
	SourceExt    string
	Status       VideoStatus
	ErrorMessage sql.NullString
	PublishedAt  sql.NullTime
	DeletedAt    sql.NullTime
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// SourceFilename is the upload-area basename of the raw source.
func (v *Video) SourceFilename() string {
	return fmt.Sprintf("%d.%s", v.ID, v.SourceExt)
}

// VideoQuality is one produced HLS variant, created only at job completion.
type VideoQuality struct {
	ID          int64
	VideoID     int64
	Quality     string
	Width       int
	Height      int
	BitrateKbps int
	CreatedAt   time.Time
}

// TranscodingJob is the 1:1 work record for a video.
type TranscodingJob struct {
	ID              int64
	VideoID         int64
	WorkerID        sql.NullString
	Priority        int
	CurrentStep     JobStep
	ProgressPercent float64
	AttemptNumber   int
	MaxAttempts     int
	ClaimedAt       sql.NullTime
	ClaimExpiresAt  sql.NullTime
	StartedAt       sql.NullTime
	LastCheckpoint  sql.NullTime
	CompletedAt     sql.NullTime
	LastError       sql.NullString
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// QualityProgress is the per-variant progress row, unique on (job, quality).
type QualityProgress struct {
	ID              int64
	JobID           int64
	Quality         string
	Status          QualityStatus
	ProgressPercent float64
	ErrorMessage    sql.NullString
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Worker is a registered transcoding worker.
type Worker struct {
	ID            string // UUID
	Name          string
	Type          WorkerType
	Status        WorkerStatus
	Capabilities  string // free-form JSON tag set
	RegisteredAt  time.Time
	LastHeartbeat sql.NullTime
}

// WorkerAPIKey is a hashed credential. The raw secret is never stored.
type WorkerAPIKey struct {
	ID         int64
	WorkerID   string
	KeyHash    string
	KeyPrefix  string
	ExpiresAt  sql.NullTime
	RevokedAt  sql.NullTime
	LastUsedAt sql.NullTime
	CreatedAt  time.Time
}

// JobEnvelope is what a successful claim returns to the worker.
// ExistingQualities is the full skip list: published variants plus variants
// a previous attempt already uploaded. ResumedQualities is the latter subset;
// those files are installed but carry no video_qualities row yet, so the
// master playlist does not cover them.
type JobEnvelope struct {
	JobID             int64     `json:"job_id"`
	VideoID           int64     `json:"video_id"`
	Slug              string    `json:"slug"`
	Duration          *float64  `json:"duration,omitempty"`
	SourceWidth       *int      `json:"source_width,omitempty"`
	SourceHeight      *int      `json:"source_height,omitempty"`
	SourceFilename    string    `json:"source_filename"`
	AttemptNumber     int       `json:"attempt_number"`
	ClaimExpiresAt    time.Time `json:"claim_expires_at"`
	ExistingQualities []string  `json:"existing_qualities,omitempty"`
	ResumedQualities  []string  `json:"resumed_qualities,omitempty"`
}
