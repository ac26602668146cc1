// recorder subscribes to the platform's delivery streams and persists
// the events to Postgres for later analysis.
// Usage: go run ./cmd/recorder --config configs/recorder.local.yaml
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/relaypulse/streamgate/internal/config"
	"github.com/relaypulse/streamgate/internal/notify"
	"github.com/relaypulse/streamgate/internal/pool"
	"github.com/relaypulse/streamgate/internal/store"
	"github.com/relaypulse/streamgate/internal/stream"
	"github.com/relaypulse/streamgate/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/recorder.local.yaml", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	logger.Info("starting recorder",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	cfg, err := config.LoadWithDefaults(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.ValidateStore(); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	logger.Info("connecting to database",
		"host", cfg.Database.Postgres.Host,
		"port", cfg.Database.Postgres.Port,
		"database", cfg.Database.Postgres.Name,
	)
	db, err := store.Connect(ctx, cfg.Database.Postgres)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	logger.Info("database connected")

	p := pool.New(cfg.Pool,
		pool.WithLogger(logger),
		pool.WithNotifier(notify.NewLogNotifier(logger)),
	)
	defer p.Dispose()

	watcher := stream.NewWatcher(cfg.Streams, p, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Error("failed to start watcher", "error", err)
		os.Exit(1)
	}

	writer := store.NewEventWriter(store.WriterConfig{
		BatchSize:     cfg.Writers.BatchSize,
		FlushInterval: cfg.Writers.FlushInterval,
	}, watcher.Events(), db, logger)
	if err := writer.Start(ctx); err != nil {
		logger.Error("failed to start writer", "error", err)
		os.Exit(1)
	}

	healthServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Health.Port),
		Handler: createHealthHandler(cfg.Health.Path, db, p, watcher, writer),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting health server", "port", cfg.Health.Port)
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		healthServer.Shutdown(shutdownCtx)
		watcher.Stop()
		return writer.Stop(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("recorder failed", "error", err)
		os.Exit(1)
	}

	logger.Info("recorder stopped")
}

// createHealthHandler reports database, pool, and writer health.
func createHealthHandler(
	path string,
	db *pgxpool.Pool,
	p *pool.Pool,
	watcher *stream.Watcher,
	writer *store.EventWriter,
) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		dbCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := "ok"
		code := http.StatusOK
		if err := db.Ping(dbCtx); err != nil {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}

		bufStats := watcher.Events().Stats()
		wStats := writer.Stats()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]any{
			"status":      status,
			"version":     version.String(),
			"connections": p.TotalConnectionCount(),
			"buffer": map[string]any{
				"pending":  bufStats.Count,
				"received": bufStats.TotalIn,
				"drained":  bufStats.TotalOut,
			},
			"writer": map[string]any{
				"inserts":   wStats.Inserts,
				"conflicts": wStats.Conflicts,
				"flushes":   wStats.Flushes,
				"errors":    wStats.Errors,
			},
		})
	})

	return mux
}
