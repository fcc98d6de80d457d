// Package ctl implements the ingestctl management commands.
package ctl

import (
	"context"
	"database/sql"
	"time"

	"github.com/dmitrijs2005/mediaingest/internal/server/config"
	"github.com/dmitrijs2005/mediaingest/internal/server/repositories/repomanager"
	"github.com/spf13/cobra"
)

const commandTimeout = 30 * time.Second

// seams for tests
var (
	openDB         = repomanager.Open
	newRepoManager = repomanager.NewPostgresRepositoryManager
)

type options struct {
	dsn    string
	secret string
}

// NewRootCmd builds the ingestctl command tree. Flag defaults come from the
// server configuration so both tools agree without extra setup.
func NewRootCmd() *cobra.Command {
	defaults := &config.Config{}
	defaults.LoadDefaults()
	opts := &options{dsn: defaults.DatabaseDSN, secret: defaults.AdminSecret}

	root := &cobra.Command{
		Use:          "ingestctl",
		Short:        "Media ingest management CLI",
		Long:         "Applies database migrations, manages projects, upload links and admin tokens, and uploads files through links",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&opts.dsn, "dsn", "d", opts.dsn, "PostgreSQL DSN")
	root.PersistentFlags().StringVar(&opts.secret, "secret", opts.secret, "Admin JWT secret")

	root.AddCommand(newMigrateCmd(opts))
	root.AddCommand(newProjectCmd(opts))
	root.AddCommand(newLinkCmd(opts))
	root.AddCommand(newAdminTokenCmd(opts))
	root.AddCommand(newPutCmd())
	return root
}

// withDB opens the database for the duration of fn.
func withDB(cmd *cobra.Command, opts *options, fn func(ctx context.Context, db *sql.DB, rm repomanager.RepositoryManager) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
	defer cancel()

	db, err := openDB(ctx, opts.dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	return fn(ctx, db, newRepoManager())
}
