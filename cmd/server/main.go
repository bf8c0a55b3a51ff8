package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dss/internal/server/api"
	"dss/internal/server/config"
	"dss/internal/server/database"
	"dss/internal/server/media"
	"dss/internal/server/service"
)

func main() {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	slog.Info("configuration loaded",
		"port", cfg.Port,
		"memory_store", cfg.UsesMemoryStore(),
		"optimize", cfg.Optimize,
		"max_upload_size", cfg.MaxUploadSize,
		"orphan_grace", cfg.OrphanGrace,
	)

	// Connect to database
	ctx := context.Background()
	store, err := database.Open(ctx, cfg.DatabaseURL, cfg.TxAttempts)
	if err != nil {
		slog.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	optimizer := media.NewOptimizer(media.OptimizerConfig{
		PNGQuantPath:  cfg.PNGQuantPath,
		JPEGOptimPath: cfg.JPEGOptimPath,
		Enabled:       cfg.Optimize,
	}, nil)

	svc := service.New(store, optimizer, service.Options{
		DerivationPermits: cfg.DerivationPermits,
		OrphanGrace:       cfg.OrphanGrace,
		JanitorInterval:   cfg.JanitorInterval,
	})

	// Start lock sweeper and orphan janitor
	bgCtx, bgCancel := context.WithCancel(context.Background())
	svc.Start(bgCtx)

	// Setup HTTP router
	handler := api.NewHandler(svc, cfg.MaxUploadSize)
	e := api.SetupRouter(bgCtx, handler, cfg)

	// Start server in a goroutine
	go func() {
		addr := fmt.Sprintf(":%s", cfg.Port)
		slog.Info("starting server", "addr", addr)
		if err := e.Start(addr); err != nil {
			slog.Info("server stopped", "reason", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	slog.Info("shutting down", "signal", sig)

	// Stop accepting new requests, finish in-flight with 30s timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	// Stop background workers
	bgCancel()
	svc.Wait()

	slog.Info("server exited cleanly")
}
