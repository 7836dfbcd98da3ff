package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"hcert/internal/platform/config"
	"hcert/internal/platform/logger"
)

// main loads configuration, wires the verifier and serves until SIGINT or
// SIGTERM. Wiring lives in app.go.
func main() {
	configPath := flag.String("config", os.Getenv("HCERT_CONFIG"), "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logger.New(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := build(ctx, cfg, log)
	if err != nil {
		log.Error("failed to initialize verifier", "error", err)
		os.Exit(1)
	}
	defer application.close()

	log.Info("initialized hcert verifier",
		"addr", cfg.Server.Addr,
		"environment", cfg.Server.Environment,
		"durable_backend", cfg.Durable.Backend,
		"trust_lists", len(cfg.TrustLists),
		"revocation", cfg.Revocation.Enabled,
		"sources", len(application.sources),
	)

	application.startWorker(ctx)

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      application.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("starting http server", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	case <-ctx.Done():
	}

	log.Info("shutting down server gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
	}
	application.waitWorker()

	log.Info("server stopped")
}
