// meetcap server - orchestrates audio capture, live transcription, and the
// WebSocket/REST observer surface.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/meetcap/meetcap/internal/audio"
	"github.com/meetcap/meetcap/internal/config"
	"github.com/meetcap/meetcap/internal/provider/factory"
	"github.com/meetcap/meetcap/internal/secrets"
	"github.com/meetcap/meetcap/internal/server"
	"github.com/meetcap/meetcap/internal/session"
	"github.com/meetcap/meetcap/internal/store"
)

func main() {
	// Setup structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)

	cfg := config.Load()

	if err := os.MkdirAll(cfg.AudioDir, 0o755); err != nil {
		slog.Error("failed to create audio directory", "dir", cfg.AudioDir, "error", err)
		os.Exit(1)
	}

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		slog.Error("failed to open database", "path", cfg.DBPath, "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	// Credentials: environment first, then container secret mounts.
	keys := secrets.Chain{
		secrets.EnvReader{},
		secrets.FileReader{Dir: os.Getenv("SECRETS_DIR")},
	}

	capturer := audio.NewCapturer(audio.Format{SampleRate: cfg.SampleRate, Channels: cfg.Channels}, cfg.AudioDir)
	providers := factory.New(cfg, keys)
	orch := session.New(cfg, capturer, db, providers)

	srv := server.New(orch, db)

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("meetcap server starting", "http", cfg.HTTPAddr, "db", cfg.DBPath,
			"prefer_on_device", cfg.PreferOnDevice)
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}

	// Finish the active session, if any, so its transcript and summary land
	// in the store before exit.
	if _, err := orch.Stop(shutdownCtx); err == nil {
		if err := orch.AwaitCompletion(shutdownCtx); err != nil {
			slog.Warn("session finalization interrupted", "error", err)
		}
	}

	slog.Info("shutdown complete")
}
