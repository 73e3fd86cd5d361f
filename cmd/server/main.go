/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the commitment engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (flags, then COMMITMENT_* environment)
  2. Build the zap logger
  3. Open the configured store
  4. Create engine, handler and verification scheduler
  5. Configure HTTP router
  6. Start server with graceful shutdown

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (-shutdown-timeout)
  3. Stop the verification scheduler
  4. Close the store
  5. Exit

EXAMPLES:
  # Run with the default SQLite file
  ./server -dsn="./data/commitments.db"

  # Throwaway in-memory store, debug logs
  ./server -store=memory -log-level=debug

  # Postgres, checked every 15 minutes
  COMMITMENT_DSN=postgres://app@db:5432/commitments ./server -store=postgres -verify-interval=15m

SEE ALSO:
  - config/config.go: Flags and environment
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
*/
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
	"time"

	"go.uber.org/zap"

	"github.com/warp/commitment-engine/api"
	"github.com/warp/commitment-engine/commitment"
	"github.com/warp/commitment-engine/config"
	"github.com/warp/commitment-engine/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(flag.CommandLine, os.Args[1:], os.Getenv)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	// Initialize store
	store, closeStore, err := cfg.OpenStore(context.Background())
	if err != nil {
		logger.Error("failed to open store", zap.String("store", cfg.Store), zap.Error(err))
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Warn("closing store", zap.Error(err))
		}
	}()

	// Initialize engine and handler
	engine := commitment.NewEngine(store, commitment.WithLogger(logger))
	handler := api.NewHandler(engine, logger)

	verifier := api.NewVerificationScheduler(store, logger)
	verifier.CheckInterval = cfg.VerifyInterval
	verifier.Enabled = cfg.VerifyInterval > 0
	handler.Verifier = verifier
	verifier.Start()
	defer verifier.Stop()

	// Create server
	server := &http.Server{
		Addr:         cfg.Addr,
		Handler:      api.NewRouter(handler, logger, cfg.CORSOrigins),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("addr", cfg.Addr), zap.String("store", cfg.Store))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err, ok := <-serverErr:
		if ok {
			logger.Error("server failed", zap.Error(err))
			return err
		}
		return nil
	case sig := <-quit:
		logger.Info("shutting down server", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
		return err
	}

	logger.Info("server stopped")
	return nil
}
