package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/JonMunkholm/importpipe/internal/config"
	"github.com/JonMunkholm/importpipe/internal/core"
	"github.com/JonMunkholm/importpipe/internal/logging"
	"github.com/JonMunkholm/importpipe/internal/store"
	"github.com/JonMunkholm/importpipe/internal/web"
)

func main() {
	// Load .env file if it exists (Overload overwrites existing env vars)
	if err := godotenv.Overload(); err != nil {
		slog.Info("no .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("configuration loaded", "config", cfg.String())

	ctx := context.Background()
	st, closeStore, err := store.Open(ctx, cfg.Database.URL, cfg.Database.PoolOptions(), cfg.Database.Migrate)
	if err != nil {
		slog.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	service := core.NewService(st, cfg.ServiceOptions())
	service.Start()

	server := web.NewServer(service, cfg.Server, cfg.Pipeline.MaxFileSize)

	// Graceful shutdown
	done := make(chan struct{})
	go func() {
		defer close(done)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("http shutdown error", "error", err)
		}

		// Let running batches finish before the store goes away.
		if active := service.LimiterStatus().Active; active > 0 {
			slog.Info("waiting for batches to complete", "active", active)
		}
		if err := service.Stop(shutdownCtx); err != nil {
			slog.Warn("pipeline did not stop cleanly", "error", err)
		}
	}()

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server failed", "error", err)
		closeStore()
		os.Exit(1)
	}
	<-done
	slog.Info("server stopped")
}
