// Device sync service.
//
// Mirrors zigbee2mqtt metering plugs into the meter store, keeps their
// identities consistent across renames, and switches off plugs that are
// powered on without an authorising policy.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	_ "github.com/Jelling-test/flytining/migrations"

	"github.com/Jelling-test/flytining/internal/api"
	"github.com/Jelling-test/flytining/internal/infrastructure/config"
	"github.com/Jelling-test/flytining/internal/infrastructure/database"
	"github.com/Jelling-test/flytining/internal/infrastructure/logging"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd builds the CLI. Running without a subcommand starts the service.
func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "devicesync",
		Short:         "Zigbee meter sync and power enforcement",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), resolveConfigPath(configPath))
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"config file (default $DEVICESYNC_CONFIG or "+defaultConfigPath+")")

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Run the sync service (default)",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return run(cmd.Context(), resolveConfigPath(configPath))
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply pending database migrations and exit",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return migrate(cmd.Context(), resolveConfigPath(configPath))
			},
		},
		newTokenCmd(&configPath),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "devicesync %s (commit %s, built %s)\n", version, commit, date)
			},
		},
	)
	return root
}

// newTokenCmd issues an API bearer token signed with api.jwt_secret.
func newTokenCmd(configPath *string) *cobra.Command {
	var (
		subject string
		role    string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API bearer token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(resolveConfigPath(*configPath))
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			token, err := api.IssueToken(cfg.API.JWTSecret, subject, role, ttl)
			if err != nil {
				return fmt.Errorf("issuing token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "who the token is for (required)")
	cmd.Flags().StringVar(&role, "role", api.RoleViewer, "viewer or operator")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

// resolveConfigPath prefers the flag, then DEVICESYNC_CONFIG, then the default.
func resolveConfigPath(flag string) string {
	if flag != "" {
		return flag
	}
	if path := os.Getenv("DEVICESYNC_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// migrate applies pending migrations and reports what ran.
func migrate(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log := logging.New(cfg.Logging, version)

	db, err := openDatabase(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	_, pending, err := db.GetMigrationStatus(ctx)
	if err != nil {
		return fmt.Errorf("reading migration status: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	log.Info("database migrations complete", "applied", len(pending), "dialect", db.Dialect().String())
	return nil
}

func openDatabase(cfg config.DatabaseConfig) (*database.DB, error) {
	db, err := database.Open(database.Config{
		Driver:      cfg.Driver,
		Path:        cfg.Path,
		DSN:         cfg.DSN,
		WALMode:     cfg.WALMode,
		BusyTimeout: cfg.BusyTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return db, nil
}
