package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/ETAnderson/catalogsync/internal/db"
	"github.com/ETAnderson/catalogsync/internal/migrate"
	"github.com/ETAnderson/catalogsync/internal/state"
)

// NewMigrateCommand applies pending schema migrations to the configured
// SQL backend.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "migrate",
		Short:         "Apply database migrations",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(rootOpts, cmd)
		},
	}
}

func runMigrate(rootOpts *RootOptions, cmd *cobra.Command) error {
	cfg, err := rootOpts.loadConfig()
	if err != nil {
		return WrapExitError(ExitCommandError, "config", err)
	}
	if cfg.StateBackend == "" || cfg.StateBackend == "memory" {
		return NewExitError(ExitCommandError, "STATE_BACKEND=memory has no schema to migrate")
	}
	dialect, err := state.DialectFor(cfg.StateBackend)
	if err != nil {
		return WrapExitError(ExitCommandError, "config", err)
	}
	if cfg.DSN == "" {
		return NewExitError(ExitCommandError, "DB_DSN is required")
	}

	sqlDB, err := db.Open(db.Config{Driver: dialect.Name, DSN: cfg.DSN})
	if err != nil {
		return WrapExitError(ExitCommandError, "open database", err)
	}
	defer sqlDB.Close()

	ctx := cmd.Context()
	if err := db.Ping(ctx, sqlDB); err != nil {
		return WrapExitError(ExitCommandError, "ping database", err)
	}
	if err := migrate.Apply(ctx, sqlDB, dialect.Name); err != nil {
		return WrapExitError(ExitFailure, "migrate", err)
	}

	return rootOpts.output(cmd.OutOrStdout()).Result(map[string]string{"dialect": dialect.Name}, func(w io.Writer) {
		fmt.Fprintf(w, "migrations applied (%s)\n", dialect.Name)
	})
}
