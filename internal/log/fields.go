// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldRequestID = "request_id"
	FieldJobID     = "job_id"
	FieldWorkerID  = "worker_id"
	FieldVideoID   = "video_id"
	FieldSlug      = "slug"

	// Process / pipeline fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldStep      = "step"
	FieldQuality   = "quality"
	FieldAttempt   = "attempt"

	// Media fields
	FieldCodec      = "codec"
	FieldEncoder    = "encoder"
	FieldResolution = "resolution"
	FieldDuration   = "duration"

	// Path fields
	FieldPath         = "path"
	FieldPlaylistPath = "playlist_path"
)
