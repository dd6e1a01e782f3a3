// Jarvis orchestrator server — provides the HTTP API, manages browser
// sessions and queue workers, and executes agent runs.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/jarvislabs/jarvis/pkg/agent"
	"github.com/jarvislabs/jarvis/pkg/api"
	"github.com/jarvislabs/jarvis/pkg/browser"
	"github.com/jarvislabs/jarvis/pkg/browser/engine"
	"github.com/jarvislabs/jarvis/pkg/config"
	"github.com/jarvislabs/jarvis/pkg/jarvis"
	"github.com/jarvislabs/jarvis/pkg/llm"
	"github.com/jarvislabs/jarvis/pkg/metrics"
	"github.com/jarvislabs/jarvis/pkg/policy"
	"github.com/jarvislabs/jarvis/pkg/queue"
	"github.com/jarvislabs/jarvis/pkg/store"
)

func main() {
	configDir := flag.String("config-dir", ".", "Path to the directory holding .env")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, nil)))

	cfg := config.Load()
	ctx := context.Background()

	slog.Info("Starting jarvis",
		"port", cfg.Port,
		"pod_id", cfg.PodID,
		"async_jobs", cfg.AsyncJobs,
		"store", cfg.SessionStoreType)

	m := metrics.New()

	// Persistence.
	var st *store.Store
	var pg *store.PostgresStore
	switch cfg.SessionStoreType {
	case "postgres":
		var err error
		st, pg, err = store.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("Failed to connect to postgres", "error", err)
			os.Exit(1)
		}
		slog.Info("Connected to PostgreSQL store")
	default:
		st = store.NewMemory()
		slog.Info("Using in-memory store")
	}
	if pg != nil {
		defer pg.Close()
	}

	// Browser sessions and the action engine.
	backend, err := browser.NewPlaywrightBackend()
	if err != nil {
		slog.Error("Failed to start playwright backend", "error", err)
		os.Exit(1)
	}
	sessions := browser.NewManager(backend, cfg.BrowserMaxConcurrent, cfg.SessionIdle, m)
	sessions.StartReaper()
	eng := engine.New(sessions, engine.Config{
		URLPolicy: policy.URLPolicy{
			BlockPrivateAddr: cfg.BlockPrivateAddr,
			AllowLocalhost:   cfg.AllowLocalhost,
		},
		AllowEvaluate:     cfg.AllowEvaluate,
		AllowDownloads:    cfg.AllowDownloads,
		NavigationTimeout: cfg.MaxNavigationTimeout,
	}, m)

	// LLM providers.
	facade, err := llm.NewFromKeys(cfg.AnthropicAPIKey, cfg.OpenAIAPIKey, llm.Config{
		DefaultProvider: cfg.DefaultProvider,
		DefaultModel:    cfg.DefaultModel,
		MaxRetries:      cfg.LLMMaxRetries,
	}, m)
	if err != nil {
		slog.Error("Failed to initialize LLM facade", "error", err)
		os.Exit(1)
	}

	// Agent handlers and the orchestrator.
	factory := agent.NewFactory(
		agent.NewEchoHandler(),
		agent.NewGenHandler(facade),
		agent.NewBrowserHandler(sessions, eng, facade),
	)

	var bridge queue.Bridge
	if cfg.AsyncJobs {
		if cfg.RedisAddr != "" {
			rb, err := queue.NewRedisBridge(ctx, queue.RedisConfig{
				Addr:     cfg.RedisAddr,
				Consumer: cfg.PodID,
			})
			if err != nil {
				slog.Error("Failed to connect redis queue bridge", "error", err)
				os.Exit(1)
			}
			bridge = rb
		} else {
			bridge = queue.NewMemoryBridge()
			slog.Warn("ASYNC_JOBS without REDIS_ADDR, using in-memory queue")
		}
	}

	orch := jarvis.New(st, factory, bridge, m, jarvis.Config{
		MaxLLMCallsPerRun:     cfg.MaxLLMCallsPerRun,
		MaxBrowserStepsPerRun: cfg.MaxBrowserStepsPerRun,
		NodeTimeout:           cfg.AgentNodeTimeout,
		RunTimeout:            cfg.AgentRunTimeout,
		UserMaxConcurrentRuns: cfg.UserMaxConcurrentRuns,
		AsyncJobs:             cfg.AsyncJobs,
	})

	// Worker pool, only when dispatch is queued.
	var pool *queue.Pool
	if bridge != nil {
		pool = queue.NewPool(cfg.PodID, bridge, orch, queue.Config{
			JobTimeout: cfg.AgentRunTimeout,
		}, m)
		pool.Start(ctx)
		orch.SetCanceller(pool)
	}

	// HTTP server.
	server := api.New(orch, sessions, eng, facade, pool, m, api.Config{
		Auth:               api.TokenAuth(cfg.AuthTokens),
		RateLimitPerMinute: cfg.UserRateLimitPerMinute,
		IdempotencyTTL:     cfg.IdempotencyTTL,
		AsyncJobs:          cfg.AsyncJobs,
	})
	httpServer := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// Phased shutdown: stop intake, drain workers, then release browsers.
	httpCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	if pool != nil {
		done := make(chan struct{})
		go func() {
			pool.Stop()
			close(done)
		}()
		select {
		case <-done:
			slog.Info("Worker pool stopped gracefully")
		case <-time.After(30 * time.Second):
			slog.Warn("Worker pool shutdown timeout exceeded")
		}
	}
	if bridge != nil {
		if err := bridge.Close(); err != nil {
			slog.Error("Queue bridge close error", "error", err)
		}
	}

	sessions.Shutdown()
	if err := backend.Close(); err != nil {
		slog.Error("Browser backend close error", "error", err)
	}

	slog.Info("Shutdown complete")
}
