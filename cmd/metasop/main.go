// Package main provides the metasop binary entry point.
// Metasop generates multi-document technical blueprints from a product
// request through a fixed seven-step agent pipeline, with cascading
// refinement and an asynchronous job API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/spf13/cobra"

	// Register LLM providers via init()
	_ "github.com/josephsenior/Metasop-sub003/llm/providers"

	"github.com/josephsenior/Metasop-sub003/agent"
	"github.com/josephsenior/Metasop-sub003/config"
	"github.com/josephsenior/Metasop-sub003/llm"
	"github.com/josephsenior/Metasop-sub003/metrics"
	"github.com/josephsenior/Metasop-sub003/orchestrator"
	"github.com/josephsenior/Metasop-sub003/queue"
	"github.com/josephsenior/Metasop-sub003/refine"
	"github.com/josephsenior/Metasop-sub003/server"
	"github.com/josephsenior/Metasop-sub003/store"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "metasop"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		addr       string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Technical blueprint generation service",
		Long: `Metasop turns a product request into a coherent set of technical
documents: product spec, architecture, infrastructure, security,
implementation plan, UI design, and verification plan.

Documents are generated by a fixed agent pipeline and refined through
dependency-aware cascading edits. Jobs run asynchronously and stream
progress as NDJSON.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, addr, logLevel)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides config)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func run(configPath, addr, logLevel string) error {
	// Configure logging
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// Load configuration
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFromFile(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		merged := config.DefaultConfig()
		merged.Merge(cfg)
		cfg = merged
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
	} else {
		cfg, err = config.NewLoader(logger).Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}

	orchCfg, err := cfg.OrchestratorConfig()
	if err != nil {
		return fmt.Errorf("invalid step configuration: %w", err)
	}

	// Signal-aware root context
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Text-generation backend and step agents
	backend := llm.NewClient(llm.Endpoint{
		Provider:  cfg.Model.Provider,
		URL:       cfg.Model.Endpoint,
		Model:     cfg.Model.Model,
		MaxTokens: cfg.Model.MaxTokens,
	}, llm.WithLogger(logger))

	generator := agent.NewGenerator(backend,
		agent.WithLogger(logger),
		agent.WithTemperature(cfg.Model.Temperature),
		agent.WithMaxTokens(cfg.Model.MaxTokens))
	generator.RegisterAll()

	planner := refine.NewPlanner(backend, refine.WithPlannerLogger(logger))
	patcher := refine.NewPatcher(backend, refine.WithPatcherLogger(logger))

	// Blueprint persistence
	var blueprints store.BlueprintStore
	switch cfg.Store.Backend {
	case "file":
		blueprints, err = store.NewFileStore(cfg.Store.Dir, store.WithFileStoreLogger(logger))
		if err != nil {
			return fmt.Errorf("create blueprint store: %w", err)
		}
	default:
		blueprints = store.NewMemoryStore()
	}

	// Job stub store
	var stubs queue.JobStubStore
	switch cfg.Queue.Stubs {
	case "file":
		stubs, err = queue.NewFileStubStore(cfg.Queue.SpoolDir, queue.WithFileStubLogger(logger))
		if err != nil {
			return fmt.Errorf("create stub store: %w", err)
		}
	case "nats":
		nc, err := nats.Connect(cfg.Queue.NATSURL, nats.Name(appName))
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		defer nc.Close()
		js, err := jetstream.New(nc)
		if err != nil {
			return fmt.Errorf("create JetStream context: %w", err)
		}
		stubs, err = queue.NewNATSStubStore(ctx, js)
		if err != nil {
			return fmt.Errorf("create stub store: %w", err)
		}
	}

	collectors := metrics.New()

	// Job registry: each job gets its own orchestrator over the shared
	// agents and backend.
	runner := func(runCtx context.Context, job queue.Job, onProgress agent.ProgressFunc) (*orchestrator.Report, error) {
		o := orchestrator.New(orchCfg,
			orchestrator.WithLogger(logger),
			orchestrator.WithRefinement(planner, patcher))
		return o.Run(runCtx, job.Request, onProgress)
	}

	registry := queue.NewRegistry(queue.RegistryConfig{TTL: cfg.Queue.TTL},
		queue.WithRunner(runner),
		queue.WithStubStore(stubs),
		queue.WithBlueprintStore(blueprints),
		queue.WithMonitor(collectors),
		queue.WithRegistryLogger(logger))
	if err := registry.Init(ctx); err != nil {
		return fmt.Errorf("init job registry: %w", err)
	}

	refiner := func(bp *store.Blueprint) *orchestrator.Orchestrator {
		return orchestrator.New(orchCfg,
			orchestrator.WithLogger(logger),
			orchestrator.WithArtifacts(bp.Artifacts),
			orchestrator.WithRefinement(planner, patcher))
	}

	api := server.New(registry, blueprints,
		server.WithRefiner(refiner),
		server.WithMetricsHandler(collectors.Handler()),
		server.WithServerLogger(logger))

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Metasop ready",
			"version", Version,
			"addr", cfg.Server.Addr,
			"provider", cfg.Model.Provider,
			"model", cfg.Model.Model)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", "error", err)
	}
	if err := registry.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Registry shutdown incomplete", "error", err)
	}
	return nil
}
