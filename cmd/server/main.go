// Command server runs the escrow HTTP API with its timeout sweeper and
// reconciliation audit.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/mbd888/tradeescrow/internal/config"
	"github.com/mbd888/tradeescrow/internal/logging"
	"github.com/mbd888/tradeescrow/internal/server"
)

// Set with -ldflags "-X main.version=... -X main.commit=...".
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := run(context.Background()); err != nil {
		slog.Error("tradeescrow exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	logger.Info("starting tradeescrow",
		"version", version,
		"commit", commit,
		"env", cfg.Env,
		"fee_percent", cfg.PlatformFeePercent.String(),
		"escrow_timeout", cfg.EscrowTimeout,
		"sweep_interval", cfg.SweepInterval,
	)

	srv, err := server.New(cfg, server.WithLogger(logger), server.WithVersion(version))
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}
	return srv.Run(ctx)
}
