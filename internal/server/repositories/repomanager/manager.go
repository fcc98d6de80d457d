package repomanager

import (
	"context"
	"database/sql"

	"github.com/dmitrijs2005/mediaingest/internal/dbx"
	"github.com/dmitrijs2005/mediaingest/internal/server/repositories/files"
	"github.com/dmitrijs2005/mediaingest/internal/server/repositories/links"
	"github.com/dmitrijs2005/mediaingest/internal/server/repositories/projects"
)

type RepositoryManager interface {
	RunMigrations(context.Context, *sql.DB) error
	Links(db dbx.DBTX) links.Repository
	Projects(db dbx.DBTX) projects.Repository
	Files(db dbx.DBTX) files.Repository
}
