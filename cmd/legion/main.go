// Legion server — hosts personality-driven agents over channels, with a REST
// API and a WebSocket event bridge.
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
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/gemini-legion/legion/pkg/api"
	"github.com/gemini-legion/legion/pkg/bus"
	"github.com/gemini-legion/legion/pkg/channels"
	"github.com/gemini-legion/legion/pkg/config"
	"github.com/gemini-legion/legion/pkg/llm"
	"github.com/gemini-legion/legion/pkg/memory"
	"github.com/gemini-legion/legion/pkg/observe"
	"github.com/gemini-legion/legion/pkg/orchestrator"
	"github.com/gemini-legion/legion/pkg/persona"
	"github.com/gemini-legion/legion/pkg/runtime"
	"github.com/gemini-legion/legion/pkg/sessions"
	"github.com/gemini-legion/legion/pkg/store"
	"github.com/gemini-legion/legion/pkg/tools"
	"github.com/gemini-legion/legion/pkg/version"
)

// Exit codes follow the sysexits convention.
const (
	exitOK        = 0
	exitUsage     = 64
	exitInternal  = 70
	exitTransient = 75
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func resolveNodeID() string {
	if id := os.Getenv("NODE_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

func main() {
	os.Exit(run())
}

func run() int {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	}

	ctx := context.Background()
	nodeID := resolveNodeID()

	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		if errors.Is(err, config.ErrConfigNotFound) ||
			errors.Is(err, config.ErrInvalidYAML) ||
			errors.Is(err, config.ErrValidation) {
			return exitUsage
		}
		return exitInternal
	}
	stats := cfg.Stats()
	slog.Info("Configuration loaded",
		"config_dir", *configDir,
		"node_id", nodeID,
		"backend", cfg.Storage.Backend,
		"personas", stats.Personas)

	// Storage backend
	var st store.Store
	var pgStore *store.PGStore
	switch cfg.Storage.Backend {
	case config.BackendPostgres:
		pgStore, err = store.NewPGStore(ctx, cfg.Storage.DatabaseURL)
		if err != nil {
			slog.Error("Failed to connect to PostgreSQL", "error", err)
			return exitTransient
		}
		st = pgStore
		slog.Info("Connected to PostgreSQL")
	default:
		st = store.NewMemoryStore()
	}
	defer st.Close()

	// Event bus, optionally mirrored across nodes via NOTIFY/LISTEN
	eventBus := bus.New(cfg.Bus.SlowHandlerThreshold())
	defer eventBus.Close()

	var transport *bus.PGTransport
	if cfg.Bus.DistributedTransport {
		transport = bus.NewPGTransport(nodeID, cfg.Storage.DatabaseURL, pgStore.Pool(), eventBus)
		if err := transport.Start(ctx); err != nil {
			slog.Error("Failed to start distributed transport", "error", err)
			return exitTransient
		}
		eventBus.SetTransport(transport)
		defer transport.Stop(ctx)
		slog.Info("Distributed bus transport started", "node_id", nodeID)
	}

	// LLM client
	apiKey := os.Getenv(cfg.LLM.APIKeyEnv)
	if apiKey == "" {
		slog.Error("Missing LLM API key", "env", cfg.LLM.APIKeyEnv)
		return exitUsage
	}
	client := llm.NewOpenAIClient(apiKey, cfg.LLM.BaseURL)

	// Engines
	channelSvc := channels.NewService(st, eventBus)
	personaEng := persona.NewEngine(st, eventBus, cfg.Persona.MoodDeltaCap, cfg.Persona.OpinionDeltaCap)
	memoryEng := memory.NewEngine(st, cfg.Memory.WorkingMemorySize,
		cfg.Memory.EpisodicSalienceThreshold, cfg.Memory.ConsolidationInterval)
	sessionMgr := sessions.NewManager(st, cfg.Limits.MaxHistoryPerSession)

	registry := tools.NewRegistry(tools.Builtin(channelSvc)...)
	rt := runtime.New(client, sessionMgr, registry,
		cfg.Limits.MaxConcurrentInvocations, cfg.Limits.LLMTimeout(), cfg.Limits.MaxToolDepth)

	orch := orchestrator.New(eventBus, channelSvc, personaEng, memoryEng, sessionMgr, rt,
		orchestrator.Limits{
			MaxRespondersPerMessage:  cfg.Limits.MaxRespondersPerMessage,
			MaxConsecutiveAgentTurns: cfg.Limits.MaxConsecutiveAgentTurns,
		}, cfg.Channels.AutoSubscribeDefaults)
	orch.Start()
	defer orch.Stop()

	metrics := observe.NewMetrics(rt.Active)
	metrics.Observe(eventBus)

	// Spawn configured personas
	for name, pc := range cfg.Personas {
		if _, err := personaEng.Spawn(ctx, pc.ToModel(name, cfg.LLM)); err != nil {
			slog.Error("Failed to spawn configured persona", "persona", name, "error", err)
			return exitUsage
		}
	}

	// HTTP server
	apiServer := api.NewServer(cfg, eventBus, st, channelSvc, personaEng, orch, rt, metrics)
	defer apiServer.Close()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           apiServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("Legion started",
		"version", version.Banner(), "node_id", nodeID, "agents", stats.Personas)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	code := exitOK
	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
		code = exitInternal
	}

	// Stop admitting requests first; the deferred stops then drain the
	// orchestrator, bus, and transport in reverse construction order.
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
	return code
}
