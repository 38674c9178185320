// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package metrics holds the Prometheus collectors shared across components.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Queue

	JobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vodforge",
		Name:      "queue_enqueued_total",
		Help:      "Jobs published to the queue",
	}, []string{"priority"})

	JobsDeadLettered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vodforge",
		Name:      "queue_deadletter_total",
		Help:      "Jobs routed to the dead-letter sink",
	})

	QueueReclaims = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vodforge",
		Name:      "queue_reclaims_total",
		Help:      "Abandoned stream messages reclaimed by consumers",
	}, []string{"priority"})

	// Coordinator

	ClaimsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vodforge",
		Name:      "claims_total",
		Help:      "Claim attempts by result (claimed, empty, conflict)",
	}, []string{"result"})

	JobsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vodforge",
		Name:      "jobs_completed_total",
		Help:      "Jobs that reached READY",
	})

	JobsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vodforge",
		Name:      "jobs_failed_total",
		Help:      "Job failure reports by outcome (retry, permanent)",
	}, []string{"outcome"})

	ClaimConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vodforge",
		Name:      "claim_conflicts_total",
		Help:      "Requests rejected with 409 for lost or expired claims",
	})

	UploadBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vodforge",
		Name:      "upload_bytes_total",
		Help:      "Artifact bytes accepted by the coordinator",
	}, []string{"kind"})

	// Pipeline

	FFmpegStarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vodforge",
		Name:      "ffmpeg_start_total",
		Help:      "FFmpeg process starts",
	}, []string{"result"})

	FFmpegExits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vodforge",
		Name:      "ffmpeg_exit_total",
		Help:      "FFmpeg process exits by reason",
	}, []string{"reason"})

	PipelineStepSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "vodforge",
		Name:      "pipeline_step_seconds",
		Help:      "Wall-clock duration of pipeline steps",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
	}, []string{"step"})

	// Janitor

	StaleClaimsRecovered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vodforge",
		Name:      "janitor_stale_claims_total",
		Help:      "Stale claims recovered by the janitor",
	})

	OrphansDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vodforge",
		Name:      "janitor_orphans_deleted_total",
		Help:      "Orphaned quality directories removed",
	})

	ArchivePurged = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vodforge",
		Name:      "janitor_archive_purged_total",
		Help:      "Expired archived videos permanently deleted",
	})

	// Registry / auth

	AuthFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vodforge",
		Name:      "auth_failures_total",
		Help:      "Worker authentication failures by reason",
	}, []string{"reason"})

	WorkersOffline = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vodforge",
		Name:      "workers_marked_offline_total",
		Help:      "Workers transitioned to offline by the janitor",
	})

	// Store

	RetryableExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vodforge",
		Name:      "store_retry_exhausted_total",
		Help:      "Database operations that exhausted the retry budget",
	})

	// Alerts

	AlertDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vodforge",
		Name:      "alert_deliveries_total",
		Help:      "Alert webhook deliveries by result",
	}, []string{"event", "result"})
)
