package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rendis/flowrun/internal/actions"
	"github.com/rendis/flowrun/internal/engine"
	"github.com/rendis/flowrun/internal/logging"
	"github.com/rendis/flowrun/internal/store"
	"github.com/rendis/flowrun/internal/trigger"
	"github.com/rendis/flowrun/pkg/mcp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "flowrun:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	registry := actions.NewRegistry()
	if err := actions.RegisterBuiltins(registry, logger); err != nil {
		return fmt.Errorf("register builtin actions: %w", err)
	}
	dispatcher := actions.NewDispatcher(registry, logger)

	eng := engine.NewEngine(st, st, st, st, dispatcher, logger)

	triggers, err := trigger.NewService(eng, st, st, logger)
	if err != nil {
		return fmt.Errorf("create trigger service: %w", err)
	}

	if cfg.Scheduler {
		sched := trigger.NewScheduler(st, triggers, logger)
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		defer func() { _ = sched.Stop() }()
	}

	srv := mcp.NewFlowrunServer(mcp.FlowrunServerDeps{
		Engine:   eng,
		Store:    st,
		Trigger:  triggers,
		Registry: registry,
		Logger:   logger,
	})

	logger.Info("flowrun engine started",
		slog.String("db", cfg.DBPath),
		slog.Int("actions", registry.Count()))

	return srv.Serve(ctx)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}
