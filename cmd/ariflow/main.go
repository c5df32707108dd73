package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/sebas/ariflow/internal/banner"
	"github.com/sebas/ariflow/internal/control/app"
	"github.com/sebas/ariflow/internal/control/config"
	"github.com/sebas/ariflow/internal/control/stasis"
	"github.com/sebas/ariflow/internal/logger"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(2)
	}

	// Initialize logger
	logger.InitLogger(os.Stdout)
	logger.SetLevel(cfg.LogLevel)

	rt, err := app.New(cfg, slog.Default())
	if err != nil {
		slog.Error("Failed to create runtime", "error", err)
		os.Exit(1)
	}
	defer rt.Close()

	rooms := newRooms()
	rt.Dispatcher().RegisterAppSupplier(func() stasis.Application { return &demoApp{rooms: rooms} })

	banner.Fprint(os.Stdout, cfg.App, []banner.ConfigLine{
		{Label: "ARI", Value: cfg.ARIURL},
		{Label: "Events", Value: cfg.ARIWSURL},
		{Label: "API", Value: cfg.APIAddr},
		{Label: "gRPC health", Value: cfg.GRPCAddr},
		{Label: "Retries", Value: strconv.Itoa(cfg.CommandRetries)},
		{Label: "Log level", Value: cfg.LogLevel},
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Run(ctx); err != nil {
		slog.Error("Runtime error", "error", err)
		os.Exit(1)
	}
	slog.Info("ariflow stopped")
}
