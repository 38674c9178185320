// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package coordinator exposes the job API: worker registration and
// credential checks, the claim/progress/complete/fail protocol, source
// download, artifact upload, and the admin surface for video lifecycle.
package coordinator

import (
	"context"
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/rs/zerolog"

	"github.com/ManuGH/vodforge/internal/config"
	"github.com/ManuGH/vodforge/internal/library"
	"github.com/ManuGH/vodforge/internal/log"
	"github.com/ManuGH/vodforge/internal/queue"
	"github.com/ManuGH/vodforge/internal/registry"
	"github.com/ManuGH/vodforge/internal/store"
)

// Server wires the HTTP surface to the store, queue, registry and library.
type Server struct {
	cfg    config.Config
	st     *store.Store
	broker queue.Broker // nil in database queue mode
	reg    *registry.Registry
	lib    *library.Library
	logger zerolog.Logger
}

// New creates a coordinator server. broker may be nil; dispatch then relies
// on worker polling alone.
func New(cfg config.Config, st *store.Store, broker queue.Broker, reg *registry.Registry, lib *library.Library) *Server {
	return &Server{
		cfg:    cfg,
		st:     st,
		broker: broker,
		reg:    reg,
		lib:    lib,
		logger: log.WithComponent("coordinator"),
	}
}

// Router builds the chi mux with the canonical middleware stack.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(recoverer)
	r.Use(requestID)
	if trusted := parseTrustedProxies(s.cfg.Server.TrustedProxies); len(trusted) > 0 {
		r.Use(realIP(trusted))
	}
	r.Use(requestLogger)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)

	r.Route("/api/worker", func(r chi.Router) {
		// Registration burns credentials; keep brute force expensive.
		reg := r.With(httprate.Limit(10, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))
		if !s.cfg.Server.RegisterOpen {
			reg = reg.With(s.requireAdmin)
		}
		reg.Post("/register", s.handleRegister)

		r.Group(func(r chi.Router) {
			r.Use(s.requireWorker)
			r.Post("/heartbeat", s.handleHeartbeat)
			r.Post("/claim", s.handleClaim)
			r.Route("/jobs/{jobID}", func(r chi.Router) {
				r.Post("/progress", s.handleProgress)
				r.Post("/complete", s.handleComplete)
				r.Post("/fail", s.handleFail)
			})
			r.Get("/source/{videoID}", s.handleSourceDownload)
			r.Post("/upload/{videoID}/quality/{name}", s.handleUploadQuality)
			r.Post("/upload/{videoID}/finalize", s.handleUploadFinalize)
		})
	})

	r.Route("/api/admin", func(r chi.Router) {
		r.Use(s.requireAdmin)
		r.Post("/videos", s.handleVideoUpload)
		r.Get("/videos/{videoID}", s.handleVideoGet)
		r.Delete("/videos/{videoID}", s.handleVideoDelete)
		r.Post("/videos/{videoID}/restore", s.handleVideoRestore)
		r.Delete("/videos/{videoID}/permanent", s.handleVideoDeletePermanent)
		r.Post("/videos/{videoID}/retranscode", s.handleRetranscode)
		r.Get("/workers", s.handleWorkersList)
		r.Post("/workers/{workerID}/disable", s.handleWorkerDisable)
	})

	return tracing("vodforge-coordinator", r)
}

type workerCtxKey struct{}

// requireWorker authenticates the API key and stores the worker record in
// the request context.
func (s *Server) requireWorker(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Worker-API-Key")
		if key == "" {
			if bearer := r.Header.Get("Authorization"); len(bearer) > 7 && bearer[:7] == "Bearer " {
				key = bearer[7:]
			}
		}
		worker, err := s.reg.Authenticate(r.Context(), key)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		ctx := log.ContextWithWorkerID(r.Context(), worker.ID)
		ctx = context.WithValue(ctx, workerCtxKey{}, worker)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func workerFrom(r *http.Request) *store.Worker {
	w, _ := r.Context().Value(workerCtxKey{}).(*store.Worker)
	return w
}

// requireAdmin gates the admin surface behind the shared token. Without a
// configured token the surface stays closed.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := s.cfg.Server.AdminToken
		if token == "" {
			writeError(w, http.StatusForbidden, "admin_disabled", "no admin token configured")
			return
		}
		presented := r.Header.Get("X-Admin-Token")
		if presented == "" {
			if bearer := r.Header.Get("Authorization"); len(bearer) > 7 && bearer[:7] == "Bearer " {
				presented = bearer[7:]
			}
		}
		if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz reports readiness: the database must answer; a configured
// broker degrades rather than fails readiness, since the queue is a hint
// layer over the database.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.st.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"ready": false, "database": err.Error(),
		})
		return
	}
	resp := map[string]any{"ready": true, "database": "ok"}
	if b, ok := s.broker.(interface{ Ping(context.Context) error }); ok {
		if err := b.Ping(ctx); err != nil {
			resp["queue"] = "degraded: " + err.Error()
		} else {
			resp["queue"] = "ok"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// enqueueDispatch publishes a queue hint for a pending job. Failures are
// logged, not surfaced: the database poll path picks the job up regardless.
func (s *Server) enqueueDispatch(ctx context.Context, jobID, videoID int64, slug string, priority, attempt int) {
	if s.broker == nil {
		return
	}
	d := queue.Dispatch{
		JobID:      jobID,
		VideoID:    videoID,
		Slug:       slug,
		Priority:   store.PriorityName(priority),
		Attempt:    attempt,
		EnqueuedAt: time.Now().UTC(),
	}
	if err := s.broker.Enqueue(ctx, d); err != nil {
		s.logger.Warn().Err(err).
			Int64(log.FieldJobID, jobID).
			Msg("dispatch enqueue failed, job waits for polling")
	}
}
