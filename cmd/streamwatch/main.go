// streamwatch connects to the platform's streaming API and prints
// normalized delivery events to the console.
// Usage: go run ./cmd/streamwatch --config configs/streamwatch.local.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/relaypulse/streamgate/internal/config"
	"github.com/relaypulse/streamgate/internal/notify"
	"github.com/relaypulse/streamgate/internal/pool"
	"github.com/relaypulse/streamgate/internal/stream"
	"github.com/relaypulse/streamgate/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/streamwatch.local.yaml", "path to config file")
	verbose := flag.Bool("verbose", false, "log at debug level")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	logger.Info("starting streamwatch",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	cfg, err := config.LoadWithDefaults(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
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

	go func() {
		<-ctx.Done()
		watcher.Stop()
	}()

	for {
		ev, ok := watcher.Events().Pop()
		if !ok {
			break
		}
		printEvent(ev)
	}

	logger.Info("streamwatch stopped")
}

func printEvent(ev stream.DeliveryEvent) {
	switch {
	case ev.Metrics != nil:
		m := ev.Metrics
		fmt.Printf("[%s] %s metrics: accepted=%d delivered=%d bounced=%d deferred=%d complaints=%d opens=%d clicks=%d\n",
			ev.ReceivedAt.Format("15:04:05.000"),
			ev.CampaignID,
			m.Accepted, m.Delivered, m.Bounced, m.Deferred, m.Complaints, m.Opens, m.Clicks,
		)
	case ev.Progress != nil:
		p := ev.Progress
		fmt.Printf("[%s] %s progress: %s %d/%d\n",
			ev.ReceivedAt.Format("15:04:05.000"),
			ev.CampaignID,
			p.State, p.Sent, p.Total,
		)
	}
}
