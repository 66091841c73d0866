// Package migrate provides the "migrate" command that manages the SQL document schema.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/nimburion/docrepo/pkg/config"
	"github.com/nimburion/docrepo/pkg/migrate"
	"github.com/nimburion/docrepo/pkg/observability/logger"
	"github.com/nimburion/docrepo/pkg/repository/factory"
)

// ConfigLoader resolves the configuration and logger of a command invocation.
type ConfigLoader func(flags *pflag.FlagSet) (*config.Config, logger.Logger, error)

// StackBuilder connects the configured backend.
type StackBuilder func(ctx context.Context, cfg *config.Config, log logger.Logger) (*factory.Stack, error)

// ErrNoSchema is returned for backends that do not keep documents in SQL tables.
var ErrNoSchema = errors.New("schema migrations apply only to the postgres and mysql backends")

// NewCommand returns "migrate [up|down|status] [steps]".
func NewCommand(serviceName string, load ConfigLoader) *cobra.Command {
	return newCommand(serviceName, load, factory.Build)
}

func newCommand(serviceName string, load ConfigLoader, build StackBuilder) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "migrate [up|down|status] [steps]",
		Short: "Manage the SQL documents schema",
		Long: "Applies, reverts or lists the embedded schema migrations of the postgres and mysql\n" +
			"document backends. Without arguments all pending migrations are applied.",
		Args:      cobra.MaximumNArgs(2),
		ValidArgs: []string{"up", "down", "status"},
		RunE: func(cmd *cobra.Command, args []string) error {
			subcommand, steps, err := migrate.ParseArgs(args)
			if err != nil {
				return err
			}
			cfg, log, err := load(cmd.Flags())
			if err != nil {
				return err
			}
			// Only the database is needed, and schema changes must not run twice.
			cfg.Database.AutoMigrate = false
			cfg.Cache.Type = ""
			cfg.ChangeFeed.Enabled = false
			cfg.Repository.Instrument = false

			stack, err := build(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := stack.Close(); cerr != nil {
					log.Warn("failed to close database connection", "error", cerr)
				}
			}()
			if stack.SQL == nil {
				return fmt.Errorf("%w (database.type is %q)", ErrNoSchema, cfg.Database.Type)
			}

			m, err := stack.SQL.Migrator()
			if err != nil {
				return err
			}
			return migrate.RunParsed(cmd.Context(), subcommand, steps, migrate.Options{
				ServiceName: serviceName,
				Path:        "migrations/" + cfg.Database.Type,
				Timeout:     timeout,
				Logger:      log,
			}, migrate.Operations{
				Up:     m.Up,
				Down:   m.Down,
				Status: m.Status,
			})
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 60*time.Second, "maximum duration of the migration run")
	return cmd
}
