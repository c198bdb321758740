// lifecycled runs the account-lifecycle engine: connector polling, signal
// detection, posture synthesis, heat scoring, decision gating, and the
// execution pipeline, wired over the in-process event bus.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rpaturu/cc-native-sub003/pkg/config"
)

func main() {
	if err := run(context.Background()); err != nil {
		slog.Error("lifecycled failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	initLogging(cfg.LogLevel)

	eng, err := newEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer eng.Close(context.Background())

	eng.Start(ctx)
	slog.Info("lifecycled ready")

	<-ctx.Done()
	slog.Info("lifecycled shutting down")
	return nil
}

func initLogging(level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}
