// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package store

import "errors"

var (
	// ErrNotFound marks a lookup that matched no row.
	ErrNotFound = errors.New("store: not found")

	// ErrSlugTaken marks a slug uniqueness violation on video creation.
	ErrSlugTaken = errors.New("store: slug already taken")

	// ErrClaimConflict marks an operation on a job the caller does not own,
	// or whose lease has expired. HTTP surfaces map this to 409.
	ErrClaimConflict = errors.New("store: claim conflict")

	// ErrRetryableExhausted marks a database operation that stayed contended
	// through the whole retry budget. HTTP surfaces map this to 503.
	ErrRetryableExhausted = errors.New("store: retryable error budget exhausted")
)
