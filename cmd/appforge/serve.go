package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/appforge/internal/agent"
	"github.com/mattjoyce/appforge/internal/api"
	"github.com/mattjoyce/appforge/internal/audit"
	"github.com/mattjoyce/appforge/internal/auth"
	"github.com/mattjoyce/appforge/internal/config"
	"github.com/mattjoyce/appforge/internal/events"
	"github.com/mattjoyce/appforge/internal/lock"
	"github.com/mattjoyce/appforge/internal/log"
	"github.com/mattjoyce/appforge/internal/orchestrator"
	"github.com/mattjoyce/appforge/internal/sandbox"
	"github.com/mattjoyce/appforge/internal/storage"
	"github.com/mattjoyce/appforge/internal/supervisor"
	"github.com/mattjoyce/appforge/internal/sweeper"
	"github.com/mattjoyce/appforge/internal/workspace"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(g *globalFlags) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration server",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadOrDefault(g.configPath)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.API.Listen = listen
			}

			log.SetupWith(log.Options{
				Level:  cfg.Service.LogLevel,
				Format: cfg.Service.LogFormat,
				File:   cfg.Service.LogFile,
			})
			if cfg.SourcePath == "" {
				log.Info("no config file found, using defaults")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, log.WithComponent("main"))
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "Override api.listen")
	return cmd
}

// runServe wires every component from cfg and blocks until ctx is done or
// the API server fails.
func runServe(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("appforge starting", "version", currentVersionInfo().Version, "config", cfg.SourcePath)

	pidLock, err := lock.ForRoot(cfg.Workspaces.Root)
	if err != nil {
		logger.Error("failed to acquire lock (another instance may be running)", "root", cfg.Workspaces.Root, "error", err)
		return err
	}
	defer pidLock.Release()
	logger.Info("acquired lock", "path", pidLock.Path())

	store, err := workspace.NewMemoryStore(cfg.Workspaces.Root, cfg.Workspaces.MaxConcurrent)
	if err != nil {
		return fmt.Errorf("initialize workspace store: %w", err)
	}
	report, err := store.RemoveOrphans(ctx)
	if err != nil {
		return fmt.Errorf("remove orphan workspaces: %w", err)
	}
	if report.DeletedDirs > 0 {
		logger.Info("removed orphan workspaces", "count", report.DeletedDirs)
	}

	recorder, closeRecorder, err := openRecorder(ctx, cfg.State.Path)
	if err != nil {
		return err
	}
	defer closeRecorder()
	if cfg.State.Path != "" {
		logger.Info("database opened", "path", cfg.State.Path)
	}

	bus := events.NewBus(cfg.Events.Retention, cfg.Events.SubscriberBuffer)
	gw := sandbox.New(store, recorder, bus, sandbox.PolicyFromConfig(cfg.Sandbox))
	sup := supervisor.New(store, supervisor.OptionsFromConfig(cfg.Preview))

	ag, err := newAgent(cfg)
	if err != nil {
		return err
	}
	logger.Info("generation agent selected", "agent", ag.Name())

	opts, err := orchestrator.OptionsFromConfig(cfg)
	if err != nil {
		return err
	}
	orch := orchestrator.New(orchestrator.Deps{
		Store:      store,
		Gateway:    gw,
		Supervisor: sup,
		Bus:        bus,
		Recorder:   recorder,
		Agent:      ag,
	}, opts)

	sw := sweeper.New(store, orch, sweeper.PolicyFromConfig(cfg.Workspaces), log.WithComponent("sweeper"))
	sw.Start(ctx)

	tokens := tokenConfigs(cfg.API.Tokens)
	if auth.NewKeyring(cfg.API.APIKey, tokens).Empty() {
		logger.Warn("no api_key or tokens configured; every protected endpoint will answer 401")
	}
	srv := api.New(api.Config{
		Listen:  cfg.API.Listen,
		APIKey:  cfg.API.APIKey,
		Tokens:  tokens,
		Version: currentVersionInfo().Version,
	}, api.Deps{Projects: orch, Events: bus, Tools: gw}, log.WithComponent("api"))

	logger.Info("appforge running (press Ctrl+C to stop)", "listen", cfg.API.Listen)
	apiErr := srv.Start(ctx)
	if errors.Is(apiErr, context.Canceled) {
		apiErr = nil
	}

	logger.Info("shutting down")
	sw.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Warn("orchestrator shutdown incomplete", "error", err)
	}

	if apiErr != nil {
		logger.Error("API server failed", "error", apiErr)
		return apiErr
	}
	logger.Info("appforge stopped")
	return nil
}

func openRecorder(ctx context.Context, path string) (audit.Recorder, func(), error) {
	if path == "" {
		return audit.NewMemoryRecorder(), func() {}, nil
	}
	db, err := storage.OpenSQLite(ctx, path)
	if err != nil {
		return nil, nil, fmt.Errorf("open database %s: %w", path, err)
	}
	return audit.NewSQLiteRecorder(db), func() { _ = db.Close() }, nil
}

func newAgent(cfg *config.Config) (agent.Agent, error) {
	argv, err := cfg.Generation.AgentArgv()
	if err != nil {
		return nil, err
	}
	if argv == nil {
		return agent.NewScaffold(), nil
	}
	return agent.WithFallback(agent.NewExec(argv, cfg.Sandbox.TerminationGrace), agent.NewScaffold()), nil
}

func tokenConfigs(in []config.APIToken) []auth.TokenConfig {
	out := make([]auth.TokenConfig, 0, len(in))
	for _, t := range in {
		out = append(out, auth.TokenConfig{Token: t.Token, Scopes: t.Scopes})
	}
	return out
}
