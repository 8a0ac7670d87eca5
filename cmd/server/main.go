// Marketsettle - Order lifecycle and escrow settlement core
package main

import (
	"context"
	"os"

	"github.com/mquinn/marketsettle/internal/config"
	"github.com/mquinn/marketsettle/internal/logging"
	"github.com/mquinn/marketsettle/internal/server"
	"github.com/mquinn/marketsettle/internal/traces"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Create logger
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	logger.Info("starting marketsettle",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
		"env", cfg.Env,
	)

	ctx := context.Background()

	// Tracing is a no-op unless an OTLP endpoint is configured
	shutdownTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, logger)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTraces(context.Background()); err != nil {
			logger.Error("trace shutdown error", "error", err)
		}
	}()

	// Create and run server
	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
