package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/Atypis/runops-v2-sub000/internal/engine"
	"github.com/Atypis/runops-v2-sub000/internal/logging"
	"github.com/Atypis/runops-v2-sub000/internal/scheduler"
	"github.com/Atypis/runops-v2-sub000/internal/store"
	"github.com/Atypis/runops-v2-sub000/internal/streaming"
	"github.com/Atypis/runops-v2-sub000/pkg/mcp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "runops:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()

	// Stdout belongs to the MCP stdio transport; logs go to stderr.
	logger := slog.New(logging.NewCorrelationHandler(
		slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}),
	))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	hub := streaming.NewMemoryHub()

	eng := engine.New(engine.Config{
		Store:  st,
		Hub:    hub,
		Logger: logger,
	})

	if cfg.Scheduler {
		sched := scheduler.NewScheduler(st, eng, logger)
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		defer sched.Stop()
	}

	srv := mcp.NewRunopsServer(mcp.RunopsServerDeps{
		Engine: eng,
		Store:  st,
		Logger: logger,
	})

	logger.Info("runops server starting",
		slog.String("db_path", cfg.DBPath),
		slog.Bool("scheduler", cfg.Scheduler),
	)
	if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// openStore opens the libSQL database at dbPath and applies pending
// migrations, so a fresh install has its schema before the first query.
func openStore(ctx context.Context, dbPath string) (*store.LibSQLStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	dsn := dbPath
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	st, err := store.NewLibSQLStore(dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return st, nil
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
