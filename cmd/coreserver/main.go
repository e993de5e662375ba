// Command coreserver boots the core runtime from a YAML config file.
// Exit codes: 0 clean shutdown, 1 fatal startup error, 2 fatal runtime
// error.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ludoforge/mmocore/internal/bootstrap"
	"github.com/ludoforge/mmocore/internal/config"
	"github.com/ludoforge/mmocore/internal/storage/pgstore"
)

const defaultConfigPath = "config/coreserver.yaml"

// errStartup distinguishes failures before the transports were up from
// failures while serving.
var errStartup = errors.New("startup")

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig)
		cancel()
	}()

	if err := run(ctx); err != nil {
		slog.Error("fatal", "err", err)
		if errors.Is(err, errStartup) {
			os.Exit(1)
		}
		os.Exit(2)
	}
}

func run(ctx context.Context) error {
	cfgPath := defaultConfigPath
	if p := os.Getenv("MMOCORE_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("%w: loading config: %w", errStartup, err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	})))
	slog.Info("mmocore starting",
		"bind", cfg.Gateway.BindAddress,
		"port", cfg.Gateway.Port,
		"cluster", cfg.Cluster.Enabled,
		"log_level", cfg.LogLevel)

	deps := bootstrap.Deps{Log: slog.Default()}

	// An empty database host keeps the whole runtime on the in-memory
	// stores (dev/test mode); otherwise the durable contract is backed by
	// PostgreSQL.
	if cfg.Database.Host != "" && os.Getenv("MMOCORE_NO_DB") == "" {
		store, err := pgstore.New(ctx, cfg.Database.DSN())
		if err != nil {
			return fmt.Errorf("%w: connecting to database: %w", errStartup, err)
		}
		defer store.Close()
		if err := pgstore.RunMigrations(ctx, cfg.Database.DSN()); err != nil {
			return fmt.Errorf("%w: running migrations: %w", errStartup, err)
		}
		slog.Info("database connected, migrations applied")
		deps.Stores = bootstrap.Stores{KV: store, Sorted: store, Docs: store}
	}

	rt := bootstrap.New(cfg, deps)
	if err := rt.Run(ctx); err != nil {
		return fmt.Errorf("core runtime: %w", err)
	}
	return nil
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
