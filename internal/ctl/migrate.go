package ctl

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dmitrijs2005/mediaingest/internal/server/repositories/repomanager"
	"github.com/spf13/cobra"
)

func newMigrateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDB(cmd, opts, func(ctx context.Context, db *sql.DB, rm repomanager.RepositoryManager) error {
				if err := rm.RunMigrations(ctx, db); err != nil {
					return fmt.Errorf("failed to migrate: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Migrations applied")
				return nil
			})
		},
	}
}
