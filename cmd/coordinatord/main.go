// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// coordinatord is the control plane: it owns the database, serves the worker
// and admin APIs, publishes queue hints and runs the maintenance janitor.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ManuGH/vodforge/internal/alerts"
	"github.com/ManuGH/vodforge/internal/config"
	"github.com/ManuGH/vodforge/internal/coordinator"
	"github.com/ManuGH/vodforge/internal/janitor"
	"github.com/ManuGH/vodforge/internal/library"
	vflog "github.com/ManuGH/vodforge/internal/log"
	"github.com/ManuGH/vodforge/internal/queue"
	"github.com/ManuGH/vodforge/internal/registry"
	"github.com/ManuGH/vodforge/internal/store"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

const shutdownTimeout = 15 * time.Second

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	// Safe defaults until the config is loaded.
	vflog.Configure(vflog.Config{Level: "info", Service: "vodforge", Version: version})
	logger := vflog.WithComponent("coordinatord")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "config.load_failed").
			Str("config_path", *configPath).
			Msg("failed to load configuration")
	}
	vflog.Configure(vflog.Config{Level: cfg.LogLevel, Service: "vodforge", Version: version})
	logger = vflog.WithComponent("coordinatord")

	logger.Info().
		Str("event", "startup").
		Str("version", version).
		Str("commit", commit).
		Str("build_date", buildDate).
		Str("addr", cfg.Server.ListenAddr).
		Str("queue_mode", string(cfg.Queue.Mode)).
		Str("data_dir", cfg.Paths.DataDir).
		Msg("starting coordinator")

	if cfg.Server.AdminToken == "" {
		logger.Warn().
			Str("security", "weak").
			Msg("admin token NOT configured, admin API stays closed. Set VODFORGE_ADMIN_TOKEN to enable uploads.")
	}

	if err := os.MkdirAll(cfg.Paths.DataDir, 0o755); err != nil {
		logger.Fatal().Err(err).Str("path", cfg.Paths.DataDir).Msg("cannot create data dir")
	}

	st, err := store.Open(ctx, cfg.DatabasePath(),
		store.WithKeepCompletedQualities(cfg.Transcoding.KeepCompletedQualities))
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.DatabasePath()).Msg("cannot open database")
	}
	defer func() { _ = st.Close() }()

	lib := library.New(cfg.Paths, cfg.Transcoding.Format, cfg.Limits)
	if err := lib.EnsureDirs(); err != nil {
		logger.Fatal().Err(err).Msg("cannot create library layout")
	}

	broker := openBroker(ctx, cfg, logger)
	if broker != nil {
		defer func() { _ = broker.Close() }()
	}

	reg := registry.New(st)
	notifier := alerts.New(cfg.Server.AlertWebhook)
	jan := janitor.New(cfg, st, reg, lib, broker, notifier)
	srv := coordinator.New(cfg, st, broker, reg, lib)

	api := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
		// No global read/write timeouts: source uploads and downloads are
		// long-lived streams bounded by their own size limits.
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", api.Addr).Msg("API listening")
		if err := api.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})

	var metricsSrv *http.Server
	if cfg.Server.MetricsEnabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{
			Addr:              cfg.Server.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logger.Info().Str("addr", metricsSrv.Addr).Msg("metrics listening")
			if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		if err := jan.Run(gctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	// Shutdown: stop accepting, drain in-flight requests.
	g.Go(func() error {
		<-gctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if metricsSrv != nil {
			_ = metricsSrv.Shutdown(shCtx)
		}
		return api.Shutdown(shCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("coordinator failed")
	}
	logger.Info().Msg("coordinator exiting")
}

// openBroker connects the Redis stream broker for the redis and hybrid queue
// modes. In hybrid mode a missing or unreachable Redis degrades to
// database-only polling instead of failing startup.
func openBroker(ctx context.Context, cfg config.Config, logger zerolog.Logger) queue.Broker {
	switch cfg.Queue.Mode {
	case config.QueueModeRedis, config.QueueModeHybrid:
	default:
		return nil
	}
	if cfg.Queue.RedisAddr == "" {
		logger.Info().Msg("no Redis address configured, queue runs on database polling")
		return nil
	}

	rb, err := queue.NewRedisBroker(ctx, cfg.Queue)
	if err != nil {
		if cfg.Queue.Mode == config.QueueModeRedis {
			logger.Fatal().Err(err).Str("addr", cfg.Queue.RedisAddr).Msg("cannot connect Redis broker")
		}
		logger.Warn().Err(err).
			Str("addr", cfg.Queue.RedisAddr).
			Msg("Redis unreachable, hybrid queue degrades to database polling")
		return nil
	}
	logger.Info().Str("addr", cfg.Queue.RedisAddr).Msg("Redis broker connected")
	return rb
}
