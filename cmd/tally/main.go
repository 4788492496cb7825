// Tally - Fitness points engine with declarative scoring rules.

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
	"syscall"
	"time"

	"github.com/fitstack/tally/internal/achievement"
	"github.com/fitstack/tally/internal/api"
	"github.com/fitstack/tally/internal/bus"
	"github.com/fitstack/tally/internal/cache"
	"github.com/fitstack/tally/internal/condition"
	"github.com/fitstack/tally/internal/config"
	"github.com/fitstack/tally/internal/domain"
	"github.com/fitstack/tally/internal/fraud"
	"github.com/fitstack/tally/internal/progress"
	"github.com/fitstack/tally/internal/repository"
	"github.com/fitstack/tally/internal/ruleset"
	"github.com/fitstack/tally/internal/service"
	"github.com/fitstack/tally/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: ./tally.yaml search paths)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := config.SetupLogger(cfg.Logging)

	slog.Info("starting tally",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"ruleset_path", cfg.Ruleset.Path,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize the condition evaluator and ruleset pipeline
	evaluator, err := condition.NewEvaluator()
	if err != nil {
		slog.Error("failed to initialize condition evaluator", "error", err)
		os.Exit(1)
	}
	loader := ruleset.NewLoader(evaluator)
	store := ruleset.NewStore()

	if err := activateInitialRuleset(ctx, cfg, loader, store, repo); err != nil {
		slog.Error("failed to load initial ruleset", "error", err)
		os.Exit(1)
	}

	// Hot reload on file change; a broken document keeps the previous
	// ruleset active.
	if cfg.Ruleset.Watch && cfg.Ruleset.Path != "" {
		watcher, err := ruleset.NewWatcher(cfg.Ruleset.Path, loader, store)
		if err != nil {
			slog.Error("failed to start ruleset watcher", "error", err)
			os.Exit(1)
		}
		watcher.OnActivate = func(rs *ruleset.Ruleset, document []byte, format string) {
			if err := repo.SaveRulesetDocument(ctx, rs.Version, format, document); err != nil {
				slog.Warn("failed to persist reloaded ruleset document", "version", rs.Version, "error", err)
			}
		}
		go watcher.Run(ctx)
		slog.Info("ruleset watcher started", "path", cfg.Ruleset.Path)
	}

	// Initialize the scoring service
	svc := service.New(service.Options{
		Store:       store,
		Loader:      loader,
		Detector:    fraud.NewDetector(fraud.ThresholdsFromConfig(cfg.Fraud)),
		Progress:    progress.NewStore(repo),
		Tracker:     achievement.NewTracker(logger),
		Repo:        repo,
		Cache:       cacheImpl,
		Bus:         busImpl,
		Logger:      logger,
		BurstWindow: time.Duration(cfg.Fraud.BurstWindowSeconds) * time.Second,
	})

	// Async intake: activities published to the submit topic run through
	// the same scoring pipeline as POST /calculate.
	intake := worker.NewWorker(busImpl, svc)
	if err := intake.Start(worker.Config{}); err != nil {
		slog.Error("failed to start intake worker", "error", err)
		os.Exit(1)
	}

	srv := api.NewServer(cfg.Server, svc, Version)

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	activeVersion, _ := svc.ActiveRulesetVersion()
	slog.Info("tally is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"ruleset_version", activeVersion,
	)

	printBanner(cfg, Version, activeVersion)

	<-ctx.Done()
	slog.Info("shutting down...")

	if err := intake.Stop(); err != nil {
		slog.Error("failed to stop intake worker", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	// Let in-flight audit writes finish before closing the repository.
	svc.Drain()

	slog.Info("tally shutdown complete")
}

// activateInitialRuleset loads the ruleset document from the configured
// file, falling back to the most recently imported document in the
// repository when no file is configured. Starting without a ruleset is
// allowed; /calculate returns 503 until one is activated via the API.
func activateInitialRuleset(ctx context.Context, cfg *domain.Config, loader *ruleset.Loader, store *ruleset.Store, repo domain.Repository) error {
	if cfg.Ruleset.Path == "" {
		slog.Info("no ruleset file configured - import one via POST /rulesets")
		return nil
	}

	rs, document, format, err := loader.LoadFile(cfg.Ruleset.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Warn("ruleset file not found - import one via POST /rulesets", "path", cfg.Ruleset.Path)
			return nil
		}
		return err
	}

	if err := store.Activate(rs); err != nil {
		return err
	}
	slog.Info("ruleset activated",
		"version", rs.Version,
		"exercises", len(rs.Exercises()),
		"bonus_rules", len(rs.Bonuses),
		"achievements", len(rs.Achievements),
	)

	// Keep the document queryable and re-activatable through the API.
	if err := repo.SaveRulesetDocument(ctx, rs.Version, format, document); err != nil {
		slog.Warn("failed to persist ruleset document", "version", rs.Version, "error", err)
	}
	return nil
}

func printBanner(cfg *domain.Config, version, rulesetVersion string) {
	if rulesetVersion == "" {
		rulesetVersion = "(none)"
	}

	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║               🏋  TALLY                    ║")
	fmt.Println("  ║       Fitness Points Engine               ║")
	fmt.Println("  ║      Every rep counted.                   ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Ruleset:  %s\n", rulesetVersion)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /calculate                     - Score an activity")
	fmt.Println("    GET  /calculations/{id}             - Get calculation by ID")
	fmt.Println("    GET  /activities/{id}               - Get activity with its calculation")
	fmt.Println("    GET  /users/{id}/progress           - Get user progress and unlocks")
	fmt.Println("    GET  /exercises                     - List scoreable exercises")
	fmt.Println("    GET  /achievements                  - List achievement definitions")
	fmt.Println("    POST /rulesets                      - Import a ruleset document")
	fmt.Println("    POST /rulesets/{version}/activate   - Activate an imported version")
	fmt.Println("    GET  /rulesets/active/version       - Active ruleset version")
	fmt.Println("    GET  /health                        - Health check")
	fmt.Println()
}
