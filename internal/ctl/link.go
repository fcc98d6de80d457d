package ctl

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/mediaingest/internal/common"
	"github.com/dmitrijs2005/mediaingest/internal/server/models"
	"github.com/dmitrijs2005/mediaingest/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/mediaingest/internal/shared"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// newToken is a seam for tests.
var newToken = shared.NewLinkToken

func newLinkCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "link",
		Short: "Manage upload links",
	}
	cmd.AddCommand(newLinkCreateCmd(opts))
	cmd.AddCommand(newLinkDeactivateCmd(opts))
	return cmd
}

func newLinkCreateCmd(opts *options) *cobra.Command {
	var (
		projectID string
		ttl       time.Duration
		maxUses   int
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an upload link and print its token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if ttl <= 0 {
				return fmt.Errorf("--ttl must be positive")
			}
			if maxUses < 0 {
				return fmt.Errorf("--max-uses must not be negative")
			}
			return withDB(cmd, opts, func(ctx context.Context, db *sql.DB, rm repomanager.RepositoryManager) error {
				if _, err := rm.Projects(db).GetByID(ctx, projectID); err != nil {
					if errors.Is(err, common.ErrNotFound) {
						return fmt.Errorf("project %s not found", projectID)
					}
					return err
				}

				token, err := newToken()
				if err != nil {
					return err
				}
				link := &models.UploadLink{
					ID:        uuid.NewString(),
					Token:     token,
					ProjectID: projectID,
					ExpiresAt: time.Now().Add(ttl).UTC(),
					IsActive:  true,
				}
				if maxUses > 0 {
					link.MaxUses = &maxUses
				}
				if err := rm.Links(db).Create(ctx, link); err != nil {
					return fmt.Errorf("failed to create link: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), token)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&projectID, "project", "p", "", "Project id")
	cmd.Flags().DurationVar(&ttl, "ttl", 72*time.Hour, "Link lifetime")
	cmd.Flags().IntVar(&maxUses, "max-uses", 0, "Maximum number of stored files, 0 for no limit")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func newLinkDeactivateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "deactivate <token>",
		Short: "Deactivate an upload link",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd, opts, func(ctx context.Context, db *sql.DB, rm repomanager.RepositoryManager) error {
				if err := rm.Links(db).Deactivate(ctx, args[0]); err != nil {
					if errors.Is(err, common.ErrNotFound) {
						return fmt.Errorf("link not found")
					}
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Link deactivated")
				return nil
			})
		},
	}
}
