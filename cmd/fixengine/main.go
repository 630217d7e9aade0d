// fixengine is the crisis-management fix lifecycle engine: it proposes,
// approves, deploys, and verifies sandboxed remediation fixes, and runs
// the informational defense sub-chain alongside.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/crisisops/fixengine/pkg/actuator"
	"github.com/crisisops/fixengine/pkg/api"
	"github.com/crisisops/fixengine/pkg/approval"
	"github.com/crisisops/fixengine/pkg/autonomy"
	"github.com/crisisops/fixengine/pkg/bus"
	"github.com/crisisops/fixengine/pkg/cleanup"
	"github.com/crisisops/fixengine/pkg/config"
	"github.com/crisisops/fixengine/pkg/defense"
	"github.com/crisisops/fixengine/pkg/metrics"
	"github.com/crisisops/fixengine/pkg/proposer"
	"github.com/crisisops/fixengine/pkg/recorder"
	"github.com/crisisops/fixengine/pkg/store"
	"github.com/crisisops/fixengine/pkg/verifier"
	"github.com/crisisops/fixengine/pkg/version"
)

// shutdownGrace bounds how long in-flight work may drain on shutdown.
const shutdownGrace = 10 * time.Second

func main() {
	envFile := flag.String("env-file", ".env", "Path to environment file")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		slog.Warn("Could not load env file, continuing with existing environment",
			"path", *envFile, "error", err)
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	logger.Info("Starting fixengine",
		"version", version.Full(),
		"bus_backend", cfg.Bus.Backend,
		"http_port", cfg.HTTPPort,
		"autonomy_initial_level", cfg.AutonomyInitialLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Event store first: the engine fails closed without it.
	storeCfg, err := store.LoadConfigFromEnv()
	if err != nil {
		logger.Error("Failed to load event store config", "error", err)
		os.Exit(1)
	}
	storeClient, err := store.NewClient(ctx, storeCfg)
	if err != nil {
		logger.Error("Failed to connect to event store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := storeClient.Close(); err != nil {
			logger.Error("Error closing event store", "error", err)
		}
	}()
	logger.Info("Connected to event store")

	eventLog := store.NewEventLog(storeClient)
	fixDeployments := store.NewFixDeployments(storeClient)
	fixVerifications := store.NewFixVerifications(storeClient)
	defenseDeployments := store.NewDefenseDeployments(storeClient)
	defenseVerifications := store.NewDefenseVerifications(storeClient)

	m := metrics.New()

	b, err := bus.New(cfg.Bus, logger)
	if err != nil {
		logger.Error("Failed to construct bus", "error", err)
		os.Exit(1)
	}
	if err := b.Connect(ctx); err != nil {
		logger.Error("Failed to connect to bus", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := b.Close(); err != nil {
			logger.Error("Error closing bus", "error", err)
		}
	}()
	logger.Info("Connected to bus", "backend", cfg.Bus.Backend)

	// Pipeline components. Registration order does not matter; each
	// subscription is independent.
	rec := recorder.New(eventLog, m, logger)

	router := autonomy.New(b, autonomy.Level(cfg.AutonomyInitialLevel), m, logger)

	chain, err := proposer.NewChain(cfg.LLM, logger)
	if err != nil {
		logger.Error("Failed to build generator chain", "error", err)
		os.Exit(1)
	}
	prop, err := proposer.New(b, chain, router, m, logger)
	if err != nil {
		logger.Error("Failed to create proposer", "error", err)
		os.Exit(1)
	}

	gate := approval.New(b, eventLog, m, logger)
	act := actuator.New(b, fixDeployments, m, logger)
	ver := verifier.New(b, fixVerifications, eventLog, cfg.Verifier, m, logger)

	detector := defense.NewDetector(b, cfg.Defense, m, logger)
	assessor, err := defense.NewAssessor(b, defense.NewReasoner(cfg.LLM), m, logger)
	if err != nil {
		logger.Error("Failed to create threat assessor", "error", err)
		os.Exit(1)
	}
	defAct := defense.NewActuator(b, defenseDeployments, m, logger)
	defVer := defense.NewVerifier(b, defenseVerifications, eventLog, cfg.Defense, m, logger)

	type registrar interface{ Register(bus.Bus) error }
	for _, comp := range []registrar{rec, router, prop, gate, act, ver, detector, assessor, defAct, defVer} {
		if err := comp.Register(b); err != nil {
			logger.Error("Failed to register component subscriptions", "error", err)
			os.Exit(1)
		}
	}
	logger.Info("Pipeline components registered")

	go ver.Run(ctx)
	go defVer.Run(ctx)

	retention := cleanup.New(eventLog, cfg.EventRetention, logger)
	go retention.Run(ctx)

	server := api.NewServer(cfg.HTTPPort, b, storeClient, eventLog,
		fixDeployments, fixVerifications, m, logger)
	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			logger.Error("Ops API failed", "error", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Ops API shutdown failed", "error", err)
	}
	logger.Info("Shutdown complete")
}
