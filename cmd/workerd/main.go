// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// workerd is the remote transcoding runtime. It registers with a
// coordinator, claims jobs, runs the FFmpeg pipeline and streams the
// results back. SIGINT/SIGTERM drain: the current job finishes, no new
// work is claimed.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ManuGH/vodforge/internal/config"
	vflog "github.com/ManuGH/vodforge/internal/log"
	"github.com/ManuGH/vodforge/internal/queue"
	"github.com/ManuGH/vodforge/internal/worker"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	vflog.Configure(vflog.Config{Level: "info", Service: "vodforge-worker", Version: version})
	logger := vflog.WithComponent("workerd")

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
	if err := cfg.ValidateWorker(); err != nil {
		logger.Fatal().Err(err).Msg("invalid worker configuration")
	}
	vflog.Configure(vflog.Config{Level: cfg.LogLevel, Service: "vodforge-worker", Version: version})
	logger = vflog.WithComponent("workerd")

	logger.Info().
		Str("event", "startup").
		Str("version", version).
		Str("commit", commit).
		Str("build_date", buildDate).
		Str("coordinator", cfg.Worker.CoordinatorURL).
		Str("hwaccel", string(cfg.Hardware.Accel)).
		Msg("starting worker")

	client := worker.NewClient(cfg.Worker.CoordinatorURL, cfg.Worker.APIKey)

	// Dispatch hints are optional; without Redis the worker polls the claim
	// endpoint on its own schedule.
	var broker queue.Broker
	switch cfg.Queue.Mode {
	case config.QueueModeRedis, config.QueueModeHybrid:
		if cfg.Queue.RedisAddr == "" {
			break
		}
		rb, err := queue.NewRedisBroker(ctx, cfg.Queue)
		if err != nil {
			logger.Warn().Err(err).
				Str("addr", cfg.Queue.RedisAddr).
				Msg("Redis unreachable, falling back to claim polling")
			break
		}
		logger.Info().Str("addr", cfg.Queue.RedisAddr).Msg("Redis broker connected")
		broker = rb
		defer func() { _ = rb.Close() }()
	}

	rt := worker.New(cfg, client, broker)
	if err := rt.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("worker failed")
	}
	logger.Info().Msg("worker exiting")
}
