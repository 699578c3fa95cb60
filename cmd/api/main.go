package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/example/print-agent/internal/ai"
	"github.com/example/print-agent/internal/blob"
	"github.com/example/print-agent/internal/config"
	"github.com/example/print-agent/internal/device"
	"github.com/example/print-agent/internal/events"
	"github.com/example/print-agent/internal/httpapi"
	"github.com/example/print-agent/internal/mcp"
	"github.com/example/print-agent/internal/pipeline"
	"github.com/example/print-agent/internal/session"
	"github.com/example/print-agent/internal/store"
	"github.com/example/print-agent/internal/toolchain"
)

const version = "0.1.0"

func main() {
	envPath := config.LoadDotEnv()
	cfg := config.Load()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)
	if envPath != "" {
		slog.Info("Loaded environment file", "path", envPath)
	}

	if err := run(cfg); err != nil {
		slog.Error("API exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	if err := cfg.Device.Validate(); err != nil {
		return err
	}
	profile, err := config.LoadProfile(cfg.ProfilePath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("mkdir data dir: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jobs, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer jobs.Close()
	if n, err := store.FailInterrupted(ctx, jobs); err != nil {
		slog.Warn("Failed to close out interrupted jobs", "error", err)
	} else if n > 0 {
		slog.Info("Marked interrupted jobs as failed", "count", n)
	}

	sink := openSink(cfg)
	defer sink.Close()

	generator, err := ai.NewGenerator(cfg.AI)
	if err != nil {
		return err
	}

	orch := &pipeline.Orchestrator{
		Producer:  generator,
		Compiler:  toolchain.NewOpenSCAD(cfg.Toolchain.OpenSCAD),
		Slicer:    toolchain.NewOrcaSlicer(cfg.Toolchain.OrcaSlicer, cfg.Toolchain.ProfilesDir, profile.Slicer),
		Transport: device.NewClient(cfg.Device),
		Session: session.Options{
			CacheDir:    cfg.Device.CacheDir,
			SubtaskName: profile.SubtaskName,
			Print:       profile.Print,
		},
		Registry: session.NewRegistry(),
		Jobs:     jobs,
		Blobs:    blob.LocalFS{Root: cfg.DataDir},
		Sink:     sink,
	}

	baseURL := os.Getenv("PRINT_AGENT_BASE_URL")
	if baseURL == "" {
		addr := cfg.Addr
		if strings.HasPrefix(addr, ":") {
			addr = "localhost" + addr
		}
		baseURL = fmt.Sprintf("http://%s", addr)
	}

	api := httpapi.Server{
		Blobs:    orch.Blobs,
		Jobs:     jobs,
		Pipeline: orch,
		MCP:      mcp.NewServer(orch, jobs, version).Handler(),
		BaseURL:  baseURL,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	server := &http.Server{
		Addr:    cfg.Addr,
		Handler: api.Router(),
	}
	errs := make(chan error, 1)
	go func() {
		slog.Info("API listening", "addr", cfg.Addr, "baseURL", baseURL, "device", cfg.Device.Host)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	select {
	case err := <-errs:
		return fmt.Errorf("listen: %w", err)
	case sig := <-sigChan:
		slog.Info("Received signal, initiating shutdown", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server shutdown error", "error", err)
	}
	if active := orch.Registry.Active(); len(active) > 0 {
		slog.Warn("Exiting with prints still monitored", "jobs", active)
	}
	slog.Info("API shutdown complete")
	return nil
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	if cfg.DatabaseURL != "" {
		slog.Info("Using PostgreSQL job store")
		return store.OpenPostgres(ctx, cfg.DatabaseURL)
	}
	path := filepath.Join(cfg.DataDir, "jobs.db")
	slog.Info("Using SQLite job store", "path", path)
	return store.Open(path)
}

func openSink(cfg config.Config) events.Sink {
	if cfg.RabbitMQURL == "" {
		return events.Noop{}
	}
	sink, err := events.NewRabbitMQ(cfg.RabbitMQURL, cfg.RabbitMQExchange)
	if err != nil {
		slog.Warn("RabbitMQ unavailable, job events will not be published", "error", err)
		return events.Noop{}
	}
	slog.Info("Publishing job events", "exchange", cfg.RabbitMQExchange)
	return sink
}
