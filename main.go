package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/libops/sweep/internal/cli"
	"github.com/libops/sweep/internal/config"
	"github.com/libops/sweep/internal/logging"
)

func main() {
	setupLogging()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cli.Execute(ctx)
	stop()
	if err != nil {
		slog.Error("Application error", "err", err)
		os.Exit(1)
	}
}

func setupLogging() {
	textHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: getLogLevel(),
	})

	// run_id, job and scope come from the context
	slog.SetDefault(slog.New(logging.NewContextHandler(textHandler)))
}

func getLogLevel() slog.Level {
	if config.ParseBool(os.Getenv("DEBUG")) {
		return slog.LevelDebug
	}
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
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
