// Command pspd is the session store daemon. It serves the session API over
// HTTP, optionally exposes the same operations as MCP tools, and can run a
// background loop that syncs the local store against a remote whenever the
// index changes.
//
// Usage:
//
//	pspd -config psp.yaml
//	pspd -listen :8713
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/portablesession/psp/config"
	"github.com/portablesession/psp/dbopen"
	"github.com/portablesession/psp/server"
	"github.com/portablesession/psp/state"
	"github.com/portablesession/psp/storage"
	"github.com/portablesession/psp/syncer"
)

func main() {
	configPath := flag.String("config", "", "path to psp.yaml config file")
	listen := flag.String("listen", "", "listen address override")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.LoadFile(*configPath)
		if err != nil {
			slog.Error("pspd: config", "error", err)
			os.Exit(1)
		}
	}
	if *listen != "" {
		cfg.Server.Listen = *listen
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, cfg); err != nil {
		logger.Error("pspd: fatal", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
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
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func run(ctx context.Context, logger *slog.Logger, cfg *config.Config) error {
	store, db, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	opts := []server.Option{server.WithLogger(logger)}
	if cfg.Server.APIKeyHash != "" {
		opts = append(opts, server.WithAPIKeyHash(cfg.Server.APIKeyHash))
	}

	var (
		engine *syncer.Engine
		remote storage.Backend
	)
	if cfg.Sync.Remote != "" {
		var ropts []storage.RemoteOption
		if cfg.Sync.APIKey != "" {
			ropts = append(ropts, storage.WithAPIKey(cfg.Sync.APIKey))
		}
		remote = storage.NewRemote(cfg.Sync.Remote, ropts...)
		if cfg.Sync.Retries > 0 {
			remote = storage.WithRetry(remote, cfg.Sync.Retries, cfg.Sync.Backoff, logger)
		}
		engine = syncer.New(store, syncer.WithPolicy(policyFor(cfg.Sync.Policy)), syncer.WithLogger(logger))
		opts = append(opts, server.WithSync(engine, remote))
	}

	srv := server.New(store, opts...)
	router := srv.Router()

	if cfg.Server.MCP {
		mcpSrv := mcp.NewServer(&mcp.Implementation{
			Name:    "psp",
			Version: state.Version,
		}, nil)
		srv.RegisterMCP(mcpSrv)
		router.Handle("/mcp", mcp.NewStreamableHTTPHandler(
			func(*http.Request) *mcp.Server { return mcpSrv }, nil))
		logger.Info("pspd: mcp tools mounted", "path", "/mcp")
	}

	if cfg.Sync.Auto {
		if engine == nil {
			return fmt.Errorf("pspd: sync.auto requires sync.remote")
		}
		if db == nil {
			return fmt.Errorf("pspd: sync.auto requires the sqlite store driver")
		}
		auto := syncer.NewAuto(engine, remote, db, syncer.AutoOptions{
			Interval: cfg.Sync.Interval,
			Debounce: cfg.Sync.Debounce,
			Logger:   logger,
		})
		go auto.Run(ctx)
	}

	httpSrv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("pspd: listening", "addr", cfg.Server.Listen, "store", cfg.Store.Driver)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("pspd: shutdown", "error", err)
	}
	logger.Info("pspd: stopped")
	return nil
}

// openStore builds the configured backend. The *sql.DB is non-nil only for
// the sqlite driver; auto-sync needs it for change detection.
func openStore(cfg config.StoreConfig) (storage.Backend, *sql.DB, error) {
	switch cfg.Driver {
	case "sqlite":
		db, err := dbopen.Open(cfg.Path, dbopen.WithMkdirAll(), dbopen.WithSchema(storage.Schema))
		if err != nil {
			return nil, nil, fmt.Errorf("pspd: open store: %w", err)
		}
		return storage.NewSQLite(db), db, nil
	case "fs":
		fs, err := storage.NewFS(cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("pspd: open store: %w", err)
		}
		return fs, nil, nil
	case "memory":
		return storage.NewMemory(), nil, nil
	default:
		return nil, nil, fmt.Errorf("pspd: unknown store driver %q", cfg.Driver)
	}
}

func policyFor(name string) syncer.Policy {
	if name == "manual_review" {
		return syncer.ManualReview{}
	}
	return syncer.LatestWins{}
}
