// Package services contains the ingestion business logic: upload link
// checks, the resumable-upload webhook state machine, the direct and
// multipart object-store paths and client progress reporting.
package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/mediaingest/internal/common"
	"github.com/dmitrijs2005/mediaingest/internal/dbx"
	"github.com/dmitrijs2005/mediaingest/internal/logging"
	"github.com/dmitrijs2005/mediaingest/internal/server/metrics"
	"github.com/dmitrijs2005/mediaingest/internal/server/models"
	"github.com/dmitrijs2005/mediaingest/internal/server/repositories/repomanager"
)

// LinkGrant is what a usable upload link entitles its holder to.
type LinkGrant struct {
	Link    *models.UploadLink
	Project *models.Project
}

func (g *LinkGrant) ClientName() string  { return g.Project.ClientName }
func (g *LinkGrant) ClientCode() string  { return g.Project.ClientCode }
func (g *LinkGrant) ProjectName() string { return g.Project.Name }

// LinkService validates and consumes upload links.
type LinkService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	log         logging.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
}

func NewLinkService(db *sql.DB, m repomanager.RepositoryManager, log logging.Logger, mx *metrics.Metrics) *LinkService {
	return &LinkService{
		db:          db,
		repomanager: m,
		log:         log.With("module", "links"),
		metrics:     mx,
		now:         time.Now,
	}
}

// Validate checks that token names an active, unexpired link with uses left
// and resolves its project. It has no side effects.
func (s *LinkService) Validate(ctx context.Context, token string) (*LinkGrant, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: upload link token is required", common.ErrValidation)
	}

	link, err := s.repomanager.Links(s.db).GetByToken(ctx, token)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			s.reject("not_found")
			return nil, fmt.Errorf("%w: upload link", common.ErrNotFound)
		}
		return nil, err
	}

	if err := s.check(link); err != nil {
		return nil, err
	}

	project, err := s.repomanager.Projects(s.db).GetByID(ctx, link.ProjectID)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return nil, fmt.Errorf("%w: project of upload link", common.ErrNotFound)
		}
		return nil, err
	}

	return &LinkGrant{Link: link, Project: project}, nil
}

// Consume records one use of token through db, which may be a transaction.
// The increment is a single conditional update, so concurrent completions
// against the same link can never exceed its cap.
func (s *LinkService) Consume(ctx context.Context, db dbx.DBTX, token string) error {
	repo := s.repomanager.Links(db)

	ok, err := repo.Consume(ctx, token, s.now())
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	link, err := repo.GetByToken(ctx, token)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return fmt.Errorf("%w: upload link", common.ErrNotFound)
		}
		return err
	}
	if err := s.check(link); err != nil {
		return err
	}
	// the guard failed but the row looks usable: a concurrent consumer took
	// the last use between the update and the read
	s.reject("exhausted")
	return common.ErrLinkExhausted
}

// ResolveProject returns the project an upload belongs to, preferring the
// link named by token over a caller-supplied project id. Both may be empty.
func (s *LinkService) ResolveProject(ctx context.Context, token, projectID string) (*models.Project, *LinkGrant, error) {
	if token != "" {
		grant, err := s.Validate(ctx, token)
		if err != nil {
			return nil, nil, err
		}
		return grant.Project, grant, nil
	}
	if projectID == "" {
		return nil, nil, nil
	}
	project, err := s.repomanager.Projects(s.db).GetByID(ctx, projectID)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return nil, nil, fmt.Errorf("%w: project %s", common.ErrNotFound, projectID)
		}
		return nil, nil, err
	}
	return project, nil, nil
}

// check applies the usability predicate in a fixed order: inactive,
// expired, exhausted.
func (s *LinkService) check(link *models.UploadLink) error {
	switch {
	case !link.IsActive:
		s.reject("inactive")
		return common.ErrLinkInactive
	case !s.now().Before(link.ExpiresAt):
		s.reject("expired")
		return common.ErrLinkExpired
	case link.Remaining() == 0:
		s.reject("exhausted")
		return common.ErrLinkExhausted
	}
	return nil
}

func (s *LinkService) reject(reason string) {
	s.metrics.LinkRejections.WithLabelValues(reason).Inc()
}
