package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/agentboard/agentboard/internal/agentboard/config"
	"github.com/agentboard/agentboard/internal/agentboard/db"
	"github.com/agentboard/agentboard/internal/agentboard/dispatch"
	"github.com/agentboard/agentboard/internal/agentboard/fixtrack"
	"github.com/agentboard/agentboard/internal/agentboard/gate"
	"github.com/agentboard/agentboard/internal/agentboard/ingest/linear"
	"github.com/agentboard/agentboard/internal/agentboard/ingest/loki"
	"github.com/agentboard/agentboard/internal/agentboard/lifecycle"
	"github.com/agentboard/agentboard/internal/agentboard/server"
	"github.com/agentboard/agentboard/internal/agentboard/spawn"
)

var version = "dev"

func usage() {
	fmt.Fprintf(os.Stderr, `agentboardd — agent dispatch and admission control

Usage:
  agentboardd serve [flags]   Start the HTTP server

Flags:
  --addr     Address to listen on (overrides config)
  --config   Path to the YAML config file (env: AGENTBOARD_CONFIG)
`)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	subcmd := os.Args[1]
	rest := os.Args[2:]

	var err error
	switch subcmd {
	case "serve":
		err = runServe(rest)
	case "--version", "version":
		fmt.Println("agentboardd " + version)
		return
	case "help", "-h", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", subcmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "agentboardd %s: %v\n", subcmd, err)
		os.Exit(1)
	}
}

func runServe(args []string) error {
	// Secrets for local development; absence is not an error.
	_ = godotenv.Load()

	addr := ""
	configPath := os.Getenv("AGENTBOARD_CONFIG")

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--addr":
			if i+1 < len(args) {
				addr = args[i+1]
				i++
			}
		case "--config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		}
	}

	logger := slog.Default()

	// --- 1. Signal handling for graceful shutdown ---
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- 2. Configuration ---
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.ListenAddr = addr
	}

	// --- 3. Open database ---
	dbPath := cfg.DatabasePath
	if dbPath == "" {
		dbPath, err = db.DefaultPath()
		if err != nil {
			return fmt.Errorf("determining database path: %w", err)
		}
	}
	database, err := db.Open(dbPath)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer database.Close()

	// --- 4. WebSocket hub ---
	hub := server.NewHub(logger)

	// --- 5. Admission gate and fix monitor ---
	g := gate.New(database, gate.Config{
		Budgets:  cfg.Budgets,
		Cooldown: cfg.CooldownWindow.Std(),
	}, logger)

	monitor := fixtrack.New(database, cfg.FixMonitorWindow.Std(), hub.BroadcastEvent, logger)

	// --- 6. CI dispatcher ---
	var dispatcher spawn.Dispatcher
	if cfg.Github.ClientID != "" && cfg.Github.PrivateKeyPath != "" {
		d, err := dispatch.New(dispatch.Config{
			Owner:               cfg.Github.Owner,
			Repo:                cfg.Github.Repo,
			Ref:                 cfg.Github.Ref,
			FixWorkflow:         cfg.Github.FixWorkflow,
			InvestigateWorkflow: cfg.Github.InvestigateWorkflow,
			ImplementWorkflow:   cfg.Github.ImplementWorkflow,
			ClientID:            cfg.Github.ClientID,
			InstallationID:      cfg.Github.InstallationID,
			PrivateKeyPath:      cfg.Github.PrivateKeyPath,
			BaseURL:             cfg.Github.BaseURL,
		})
		if err != nil {
			return fmt.Errorf("configuring github dispatcher: %w", err)
		}
		dispatcher = d
		logger.Info("github dispatcher configured", "owner", cfg.Github.Owner, "repo", cfg.Github.Repo)
	} else {
		dispatcher = &dispatch.Noop{Logger: logger}
		logger.Warn("no github app configured, spawned runs will not execute")
	}

	// --- 7. Spawn and lifecycle services ---
	spawner := spawn.New(database, g, dispatcher, hub.BroadcastEvent, logger)
	lc := lifecycle.New(database, hub.BroadcastEvent, logger)

	// --- 8. Ingestion ---
	linearSvc := linear.New(database, linear.Config{
		WebhookSecret:    cfg.Linear.WebhookSecret,
		AutoInvestigate:  cfg.Linear.AutoInvestigate,
		IdentifierPrefix: cfg.IdentifierPrefix,
	}, spawner, hub.BroadcastEvent, logger)

	lokiSvc := loki.New(database, loki.Config{
		BearerToken:         cfg.Loki.BearerToken,
		TrustInternalHeader: cfg.Loki.TrustInternalHeader,
		IdentifierPrefix:    cfg.IdentifierPrefix,
	}, spawner, monitor, hub.BroadcastEvent, logger)

	// --- 9. Janitors ---
	// Stale-run failure keeps crashed CI runs from holding issues forever;
	// attempt pruning keeps the budget table from growing unbounded.
	sched := cron.New()
	if _, err := sched.AddFunc("@every 5m", func() {
		if n, err := lc.FailStaleRuns(cfg.RunTimeout.Std()); err != nil {
			logger.Warn("failing stale runs", "error", err)
		} else if n > 0 {
			logger.Info("failed stale runs", "count", n)
		}
	}); err != nil {
		return fmt.Errorf("scheduling stale run janitor: %w", err)
	}
	if _, err := sched.AddFunc("@daily", func() {
		cutoff := time.Now().UTC().Add(-7 * 24 * time.Hour)
		if n, err := database.PruneAttempts(cutoff); err != nil {
			logger.Warn("pruning spawn attempts", "error", err)
		} else if n > 0 {
			logger.Info("pruned spawn attempts", "count", n)
		}
	}); err != nil {
		return fmt.Errorf("scheduling attempt pruning: %w", err)
	}
	sched.Start()
	defer sched.Stop()

	// --- 10. HTTP server ---
	srv, err := server.New(cfg.ListenAddr, server.Config{
		DB:            database,
		Hub:           hub,
		Lifecycle:     lc,
		Spawner:       spawner,
		Linear:        linearSvc,
		Loki:          lokiSvc,
		AutoImplement: cfg.AutoImplement,
	})
	if err != nil {
		return fmt.Errorf("starting server: %w", err)
	}

	fmt.Fprintf(os.Stderr, "agentboardd listening on %s\n", srv.Addr())

	go func() {
		if err := srv.Serve(); err != nil {
			logger.Debug("server stopped", "error", err)
		}
	}()

	// --- 11. Wait for shutdown ---
	<-ctx.Done()
	fmt.Fprintln(os.Stderr, "\nshutting down...")

	srv.Close()
	return nil
}
