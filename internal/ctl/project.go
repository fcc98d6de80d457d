package ctl

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dmitrijs2005/mediaingest/internal/server/models"
	"github.com/dmitrijs2005/mediaingest/internal/server/repositories/repomanager"
	"github.com/spf13/cobra"
)

func newProjectCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Manage projects",
	}
	cmd.AddCommand(newProjectCreateCmd(opts))
	return cmd
}

func newProjectCreateCmd(opts *options) *cobra.Command {
	var p models.Project

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a project and print its id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDB(cmd, opts, func(ctx context.Context, db *sql.DB, rm repomanager.RepositoryManager) error {
				created, err := rm.Projects(db).Create(ctx, &p)
				if err != nil {
					return fmt.Errorf("failed to create project: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), created.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&p.Name, "name", "", "Project name")
	cmd.Flags().StringVar(&p.ClientName, "client", "", "Client display name")
	cmd.Flags().StringVar(&p.ClientCode, "code", "", "Client code used in object keys")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("code")
	return cmd
}
