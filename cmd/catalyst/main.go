// Catalyst orchestrator server — provides the HTTP API, manages the agent
// worker fleet in event-driven mode, and drives the pipeline in-process in
// sequential mode.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/catalyst-dev/catalyst/pkg/agents"
	"github.com/catalyst-dev/catalyst/pkg/api"
	"github.com/catalyst-dev/catalyst/pkg/bus"
	"github.com/catalyst-dev/catalyst/pkg/config"
	"github.com/catalyst-dev/catalyst/pkg/llm"
	"github.com/catalyst-dev/catalyst/pkg/orchestrator"
	"github.com/catalyst-dev/catalyst/pkg/sandbox"
	"github.com/catalyst-dev/catalyst/pkg/store"
	"github.com/catalyst-dev/catalyst/pkg/version"
	"github.com/catalyst-dev/catalyst/pkg/worker"
)

func main() {
	// Load .env if present; real deployments inject the environment directly.
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file loaded", "error", err)
	}

	cfg := config.Detect()
	logger := setupLogger(cfg)
	slog.SetDefault(logger)

	logger.Info("Starting Catalyst",
		"version", version.Full(),
		"mode", cfg.Mode,
		"http_port", cfg.HTTPPort)

	ctx := context.Background()

	// 1. Database client with embedded migrations.
	dbCfg, err := store.LoadConfigFromEnv()
	if err != nil {
		logger.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	if cfg.DBURL != "" {
		dbCfg.URL = cfg.DBURL
	}
	dbClient, err := store.NewClient(ctx, dbCfg)
	if err != nil {
		logger.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logger.Error("Error closing database client", "error", err)
		}
	}()
	taskStore := store.NewStore(dbClient)
	logger.Info("Connected to PostgreSQL database")

	// 2. LLM client.
	llmClient, err := llm.NewHTTPClient(llm.Config{
		Provider: cfg.LLMProvider,
		APIKey:   cfg.LLMAPIKey,
		Model:    cfg.LLMModel,
	})
	if err != nil {
		logger.Error("Failed to initialize LLM client", "error", err)
		os.Exit(1)
	}
	logger.Info("LLM client initialized", "provider", cfg.LLMProvider, "model", cfg.LLMModel)

	// 3. Sandbox executor, when a container runtime is reachable.
	executor := setupSandbox(ctx, cfg, logger)

	// 4. Mode-specific pipeline wiring.
	var (
		publisher *bus.Publisher
		manager   *worker.Manager
		orc       *orchestrator.Orchestrator
	)

	handlerFactory := func(pub agents.Publisher) map[bus.EventType]bus.HandlerFunc {
		deps := &agents.Deps{
			Store:     taskStore,
			Publisher: pub,
			LLM:       llmClient,
			Logger:    logger,
		}
		if executor != nil {
			deps.Sandbox = executor
		}
		return agents.Pipeline(deps)
	}

	if cfg.Mode == config.ModeEventDriven {
		// Topology must exist before any worker starts; a failure here
		// means event-driven mode cannot run.
		topoCtx, topoCancel := context.WithTimeout(ctx, 3*time.Minute)
		err := bus.InitTopology(topoCtx, cfg.BrokerURL)
		topoCancel()
		if err != nil {
			logger.Error("Topology initialisation failed, refusing to start event-driven mode",
				"error", err)
			os.Exit(1)
		}

		publisher = bus.NewPublisher(cfg.BrokerURL, taskStore)
		defer func() { _ = publisher.Close() }()

		dispatch := agents.Dispatch(handlerFactory(publisher), logger)
		manager, err = worker.NewManager(cfg.BrokerURL, dispatch, taskStore, taskStore, logger)
		if err != nil {
			logger.Error("Failed to build worker manager", "error", err)
			os.Exit(1)
		}
		if err := manager.StartAll(ctx); err != nil {
			logger.Error("Failed to start workers", "error", err)
			os.Exit(1)
		}

		orc = orchestrator.New(cfg.Mode, taskStore, publisher, nil, nil, logger)
	} else {
		orc = orchestrator.New(cfg.Mode, taskStore, nil, handlerFactory, taskStore, logger)
		logger.Info("Sequential mode: pipeline runs in-process, no broker required")
	}

	// 5. HTTP server.
	var sandboxSvc api.SandboxService
	if executor != nil {
		sandboxSvc = executor
	}
	httpServer := api.NewServer(cfg.HTTPPort, orc, taskStore, sandboxSvc,
		healthChecks(cfg, dbClient, publisher, executor), logger)

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	logger.Info("Catalyst started")

	// 6. Wait for shutdown signal or server error.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("Shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		logger.Error("Server error triggered shutdown", "error", err)
	}

	// 7. Graceful shutdown: drain workers first, then the HTTP server.
	if manager != nil {
		manager.StopAll()
	}
	httpCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	logger.Info("Shutdown complete")
}

// setupLogger builds the process logger per LOG_LEVEL and LOG_FORMAT.
func setupLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

// setupSandbox creates the executor when a container runtime is reachable;
// otherwise the sandbox surface is disabled and the tester skips execution.
func setupSandbox(ctx context.Context, cfg *config.Config, logger *slog.Logger) *sandbox.Executor {
	runtime, err := sandbox.NewDockerRuntime()
	if err != nil {
		logger.Warn("Container runtime client unavailable, sandbox disabled", "error", err)
		return nil
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := runtime.Ping(pingCtx); err != nil {
		logger.Warn("Container runtime unreachable, sandbox disabled", "error", err)
		return nil
	}

	return sandbox.NewExecutor(runtime, sandbox.Config{
		Image:            cfg.SandboxImage,
		MemoryLimitBytes: cfg.SandboxMemoryLimitBytes,
		CPUQuota:         cfg.SandboxCPUQuota,
		DefaultTimeout:   time.Duration(cfg.SandboxDefaultTimeoutSec) * time.Second,
	}, logger)
}

// healthChecks assembles the per-dependency probes for /api/health.
func healthChecks(cfg *config.Config, dbClient *store.Client, publisher *bus.Publisher, executor *sandbox.Executor) map[string]api.CheckFunc {
	checks := map[string]api.CheckFunc{}

	checks["store"] = func(ctx context.Context) api.HealthCheck {
		st, err := store.Health(ctx, dbClient.DB())
		if err != nil {
			return api.HealthCheck{Status: api.StatusUnhealthy, Message: err.Error()}
		}
		if st.Saturated {
			return api.HealthCheck{Status: api.StatusDegraded, Message: "connection pool saturated"}
		}
		return api.HealthCheck{Status: api.StatusHealthy}
	}

	checks["broker"] = func(ctx context.Context) api.HealthCheck {
		if cfg.Mode == config.ModeSequential {
			return api.HealthCheck{Status: api.StatusDegraded, Message: "sequential mode, broker not in use"}
		}
		if publisher != nil && publisher.Healthy() {
			return api.HealthCheck{Status: api.StatusHealthy}
		}
		// The publisher connects lazily; a closed connection degrades the
		// service but publishes will retry and reconnect.
		return api.HealthCheck{Status: api.StatusDegraded, Message: "publisher connection not established"}
	}

	checks["container_runtime"] = func(ctx context.Context) api.HealthCheck {
		if executor == nil {
			return api.HealthCheck{Status: api.StatusDegraded, Message: "sandbox disabled, test runs are skipped"}
		}
		st := executor.Status(ctx)
		switch {
		case !st.ContainerRuntimeOK:
			return api.HealthCheck{Status: api.StatusUnhealthy, Message: "container runtime unreachable"}
		case !st.ImageReady:
			return api.HealthCheck{Status: api.StatusDegraded, Message: "sandbox image not pulled"}
		default:
			return api.HealthCheck{Status: api.StatusHealthy}
		}
	}

	checks["llm_credentials"] = func(ctx context.Context) api.HealthCheck {
		if cfg.LLMAPIKey == "" && cfg.LLMProvider != "ollama" {
			return api.HealthCheck{Status: api.StatusDegraded, Message: "LLM_API_KEY is not set"}
		}
		return api.HealthCheck{Status: api.StatusHealthy}
	}

	return checks
}
