// Heron - Graph-aware AML transaction monitoring.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opensource-finance/heron/internal/api"
	"github.com/opensource-finance/heron/internal/bus"
	"github.com/opensource-finance/heron/internal/cache"
	"github.com/opensource-finance/heron/internal/config"
	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/metrics"
	"github.com/opensource-finance/heron/internal/monitor"
	"github.com/opensource-finance/heron/internal/repository"
	"github.com/opensource-finance/heron/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	configPath := flag.String("config", os.Getenv("HERON_CONFIG"), "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}

	slog.SetDefault(newLogger(cfg.Logging))

	slog.Info("starting heron",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"tracing", cfg.Tracing.Enabled,
		"rules", len(cfg.Rules),
	)

	if err := run(cfg); err != nil {
		slog.Error("heron stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("heron shutdown complete")
}

func run(cfg *domain.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Repository
	var repo *repository.SQLRepository
	if cfg.Repository.Driver != "none" {
		r, err := repository.New(cfg.Repository)
		if err != nil {
			return fmt.Errorf("initialize repository: %w", err)
		}
		defer r.Close()
		repo = r
		slog.Info("repository initialized", "driver", cfg.Repository.Driver)
	}

	if cfg.RulesFromRepository {
		if repo == nil {
			return fmt.Errorf("%w: rulesFromRepository requires a repository", domain.ErrConfiguration)
		}
		defs, err := repo.ListRuleDefinitions(ctx)
		if err != nil {
			return fmt.Errorf("load rules from repository: %w", err)
		}
		if len(defs) > 0 {
			cfg.Rules = defs
		}
		slog.Info("rules loaded from repository", "count", len(defs))
	}

	// Seen cache
	seen, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("initialize cache: %w", err)
	}
	defer seen.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// EventBus
	eventBus, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("initialize event bus: %w", err)
	}
	defer eventBus.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Engine
	m := metrics.New()
	deps := monitor.Deps{
		Cache:   seen,
		Bus:     eventBus,
		Metrics: m,
		Logger:  slog.Default(),
		Sinks:   []monitor.Sink{{Name: "bus", AlertSink: bus.AlertPublisher{Bus: eventBus}}},
	}
	var apiRepo domain.Repository
	if repo != nil {
		deps.Repository = repo
		deps.Sinks = append(deps.Sinks, monitor.Sink{Name: "repository", AlertSink: repo})
		apiRepo = repo
	}

	engine, err := monitor.New(cfg, deps)
	if err != nil {
		return fmt.Errorf("initialize monitor: %w", err)
	}

	loopDone := make(chan error, 1)
	go func() { loopDone <- engine.Run(ctx) }()

	// Bus worker
	var busWorker *worker.Worker
	if cfg.Tier == domain.TierPro || os.Getenv("HERON_ASYNC_WORKER") == "true" {
		busWorker = worker.NewWorker(eventBus, engine, slog.Default())
		if err := busWorker.Start(ctx, worker.Config{}); err != nil {
			slog.Error("failed to start bus worker", "error", err)
			busWorker = nil
		}
	}

	// Server
	srv := api.NewServer(cfg.Server, engine, apiRepo, eventBus, m, Version)
	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	slog.Info("heron is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)
	printBanner(cfg, Version)

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case err := <-serverErr:
		runErr = fmt.Errorf("server failed: %w", err)
	case err := <-loopDone:
		runErr = fmt.Errorf("monitor loop stopped: %w", err)
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop intake first, then flush the engine so the final scan reaches the sinks.
	if busWorker != nil {
		if err := busWorker.Stop(); err != nil {
			slog.Error("failed to stop bus worker", "error", err)
		}
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	if err := engine.Close(shutdownCtx); err != nil {
		slog.Error("final scan failed", "error", err)
	}
	return runErr
}

func newLogger(cfg domain.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(cfg.Format) == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  HERON - Transaction Monitoring Engine")
	fmt.Println("  Rules on every transfer, patterns across the graph.")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /transactions                - Ingest a transaction")
	fmt.Println("    POST /transactions/batch          - Ingest a batch")
	fmt.Println("    GET  /alerts?after=&limit=        - Alert stream")
	fmt.Println("    GET  /alerts/{id}                 - Alert by ID")
	fmt.Println("    GET  /accounts/{id}/history       - Account history")
	fmt.Println("    GET  /archive/transactions/{id}   - Pruned transaction")
	fmt.Println("    POST /scan                        - Run a pattern scan")
	fmt.Println("    GET  /rules                       - Active rules")
	fmt.Println("    POST /rules                       - Store a rule")
	fmt.Println("    GET  /stats                       - Engine stats")
	fmt.Println("    GET  /health, /ready, /metrics    - Operations")
	fmt.Println()
}
