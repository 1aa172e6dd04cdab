package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/magabrotheeeer/trading-subscriptions/internal/config"
	"github.com/magabrotheeeer/trading-subscriptions/internal/migrations"
	"github.com/magabrotheeeer/trading-subscriptions/internal/storage/postgres"
)

// NewMigrateCommand создаёт команду применения миграций PostgreSQL.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations (postgres driver only)",
		Long: `Apply all pending golang-migrate migrations to the PostgreSQL database
from the config. Already applied migrations are skipped.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f := rootOpts.formatter(cmd)
			cfg, err := rootOpts.loadConfig()
			if err != nil {
				return err
			}
			if cfg.Storage.Driver != config.DriverPostgres {
				_ = f.Error("unsupported_driver", fmt.Sprintf("migrations are not used by driver %q", cfg.Storage.Driver))
				return NewExitError(ExitCommandError, "migrate requires the postgres driver")
			}
			if path == "" {
				path = cfg.Storage.MigrationsPath
			}

			s, err := postgres.New(cmd.Context(), cfg.Storage.PostgresDSN)
			if err != nil {
				_ = f.Error("storage_unavailable", err.Error())
				return WrapExitError(ExitCommandError, "cannot connect to postgres", err)
			}
			defer func() {
				_ = s.Close()
			}()

			f.VerboseLog("applying migrations from %s", path)
			if err := migrations.Run(s.DB, path); err != nil {
				_ = f.Error("migrate_failed", err.Error())
				return WrapExitError(ExitFailure, "migrations failed", err)
			}
			return f.Success(map[string]string{"path": path}, fmt.Sprintf("migrations applied from %s\n", path))
		},
	}

	cmd.Flags().StringVar(&path, "path", "", "migrations directory (defaults to storage.migrations_path)")
	return cmd
}
