// Saturn - Metered API gateway for AI agents
package main

import (
	"context"
	"os"

	"github.com/mbd888/saturn/internal/config"
	"github.com/mbd888/saturn/internal/logging"
	"github.com/mbd888/saturn/internal/server"
)

// Build info, injected via ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Config failed before the configured logger exists.
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting saturn",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
		"env", cfg.Env,
		"port", cfg.Port,
		"btc_usd_rate", cfg.BTCUSDRate,
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
