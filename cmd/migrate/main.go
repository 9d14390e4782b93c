// Command migrate runs the embedded goose migrations.
//
// Usage:
//
//	go run ./cmd/migrate up             # Apply all pending migrations
//	go run ./cmd/migrate down           # Roll back the last migration
//	go run ./cmd/migrate status         # Show migration status
//	go run ./cmd/migrate version        # Show current schema version
//	go run ./cmd/migrate redo           # Roll back and re-apply last migration
//	go run ./cmd/migrate up-to 1        # Migrate up to a specific version
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/mbd888/tradeescrow/internal/logging"
	"github.com/mbd888/tradeescrow/migrations"
	"github.com/spf13/cobra"
)

var errNoDatabaseURL = errors.New("DATABASE_URL environment variable or --database-url flag is required")

// runner applies one goose command. Swapped out in tests.
type runner func(ctx context.Context, dbURL, command string, args []string) error

func main() {
	_ = godotenv.Load()
	logger := logging.New(os.Getenv("LOG_LEVEL"), "text")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand(logger, run).ExecuteContext(ctx); err != nil {
		logger.Error("migration failed", "error", err)
		os.Exit(1)
	}
}

func newRootCommand(logger *slog.Logger, apply runner) *cobra.Command {
	var dbURL string

	root := &cobra.Command{
		Use:           "migrate",
		Short:         "Manage the escrow database schema",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&dbURL, "database-url", os.Getenv("DATABASE_URL"), "PostgreSQL connection string")

	add := func(use, short string, args cobra.PositionalArgs) {
		command := use
		root.AddCommand(&cobra.Command{
			Use:   use,
			Short: short,
			Args:  args,
			RunE: func(cmd *cobra.Command, args []string) error {
				if dbURL == "" {
					return errNoDatabaseURL
				}
				if err := apply(cmd.Context(), dbURL, command, args); err != nil {
					return fmt.Errorf("%s: %w", command, err)
				}
				logger.Info("migration complete", "command", command)
				return nil
			},
		})
	}

	add("up", "Apply all pending migrations", cobra.NoArgs)
	add("down", "Roll back the last migration", cobra.NoArgs)
	add("status", "Show migration status", cobra.NoArgs)
	add("version", "Show current schema version", cobra.NoArgs)
	add("redo", "Roll back and re-apply the last migration", cobra.NoArgs)
	add("reset", "Roll back every migration", cobra.NoArgs)
	add("up-to", "Migrate up to a specific version", cobra.ExactArgs(1))
	add("down-to", "Roll back to a specific version", cobra.ExactArgs(1))

	return root
}

func run(ctx context.Context, dbURL, command string, args []string) error {
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	return migrations.Run(ctx, db, command, args...)
}
