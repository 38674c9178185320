// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package coordinator

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ManuGH/vodforge/internal/archive"
	"github.com/ManuGH/vodforge/internal/library"
	"github.com/ManuGH/vodforge/internal/metrics"
	"github.com/ManuGH/vodforge/internal/registry"
	"github.com/ManuGH/vodforge/internal/store"
)

type errorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, errorBody{Error: code, Detail: detail})
}

// writeStoreError maps domain errors onto the HTTP contract: lost claims are
// 409, exhausted retry budgets are 503 with Retry-After, unknown rows 404.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrClaimConflict):
		metrics.ClaimConflicts.Inc()
		writeError(w, http.StatusConflict, "claim_conflict", "job is not owned by this worker or the lease expired")
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "no such record")
	case errors.Is(err, store.ErrSlugTaken):
		writeError(w, http.StatusConflict, "slug_taken", "a video with this slug already exists")
	case errors.Is(err, store.ErrRetryableExhausted):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "busy", "database contended, retry shortly")
	case errors.Is(err, registry.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid API key")
	case errors.Is(err, registry.ErrWorkerDisabled):
		writeError(w, http.StatusForbidden, "worker_disabled", "this worker has been disabled")
	case errors.Is(err, archive.ErrUnsafeEntry):
		writeError(w, http.StatusBadRequest, "unsafe_archive", err.Error())
	case errors.Is(err, archive.ErrTooLarge), errors.Is(err, library.ErrUploadTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, "too_large", err.Error())
	case errors.Is(err, archive.ErrTimeout):
		writeError(w, http.StatusRequestTimeout, "extract_timeout", err.Error())
	case errors.Is(err, library.ErrBadName):
		writeError(w, http.StatusBadRequest, "bad_name", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal", "internal server error")
	}
}
