package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dmitrijs2005/mediaingest/internal/common"
	"github.com/dmitrijs2005/mediaingest/internal/dbx"
	"github.com/dmitrijs2005/mediaingest/internal/filex"
	"github.com/dmitrijs2005/mediaingest/internal/logging"
	"github.com/dmitrijs2005/mediaingest/internal/server/metrics"
	"github.com/dmitrijs2005/mediaingest/internal/server/models"
	"github.com/dmitrijs2005/mediaingest/internal/server/objectstore"
	"github.com/dmitrijs2005/mediaingest/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/mediaingest/internal/server/tracker"
	"github.com/dmitrijs2005/mediaingest/internal/shared"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
)

const hashWorkers = 4

// DirectFile is one file of a direct upload, already spooled to Path.
type DirectFile struct {
	Name     string
	MimeType string
	Path     string
	Size     int64
	// Hash is the hex xxhash64 of the content; computed when empty.
	Hash string
}

type DirectRequest struct {
	Token   string
	Storage models.StorageKind
	Files   []DirectFile
}

// DirectResult is the record a file ended up as. Duplicate is set when the
// content was already stored and the existing record is returned.
type DirectResult struct {
	File      *models.UploadedFile `json:"file"`
	Duplicate bool                 `json:"duplicate"`
}

type DirectConfig struct {
	StorageDir           string
	PublicPrefix         string
	DisallowedExtensions []string
}

// DirectUploadService ingests whole files received in a single request.
type DirectUploadService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	links       *LinkService
	store       ObjectStore
	tracker     *tracker.Tracker
	log         logging.Logger
	metrics     *metrics.Metrics
	cfg         DirectConfig
	now         func() time.Time
}

// NewDirectUploadService builds the service. store may be nil when no
// object store is configured; object-store requests are then rejected.
func NewDirectUploadService(db *sql.DB, m repomanager.RepositoryManager, links *LinkService, store ObjectStore,
	t *tracker.Tracker, log logging.Logger, mx *metrics.Metrics, cfg DirectConfig) *DirectUploadService {
	return &DirectUploadService{
		db:          db,
		repomanager: m,
		links:       links,
		store:       store,
		tracker:     t,
		log:         log.With("module", "direct"),
		metrics:     mx,
		cfg:         cfg,
		now:         time.Now,
	}
}

// Upload stores the batch and returns one result per input file, in order.
// The spooled files are always removed before returning.
func (s *DirectUploadService) Upload(ctx context.Context, req DirectRequest) ([]DirectResult, error) {
	defer s.cleanup(ctx, req.Files)

	grant, err := s.validate(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := hashFiles(req.Files); err != nil {
		return nil, err
	}

	results := make([]DirectResult, len(req.Files))
	// first index of each hash that needs storing
	pending := make(map[string]int)
	var fresh []int

	files := s.repomanager.Files(s.db)
	for i, f := range req.Files {
		if _, ok := pending[f.Hash]; ok {
			continue
		}
		existing, err := files.FindByHash(ctx, grant.Project.ID, f.Hash)
		switch {
		case err == nil:
			results[i] = DirectResult{File: existing, Duplicate: true}
			s.metrics.DedupHits.WithLabelValues(metrics.PathDirect).Inc()
		case errors.Is(err, common.ErrNotFound):
			pending[f.Hash] = i
			fresh = append(fresh, i)
		default:
			return nil, err
		}
	}

	if !grant.Link.Allows(len(fresh)) {
		s.links.reject("exhausted")
		return nil, fmt.Errorf("%w: %d new files, %d uses left", common.ErrLinkExhausted, len(fresh), grant.Link.Remaining())
	}

	for _, i := range fresh {
		res, err := s.ingest(ctx, grant, req.Storage, req.Files[i])
		if err != nil {
			return nil, err
		}
		results[i] = res
	}

	// later copies of a hash within the batch resolve to the first one
	for i, f := range req.Files {
		if results[i].File != nil {
			continue
		}
		first := results[pending[f.Hash]]
		results[i] = DirectResult{File: first.File, Duplicate: true}
		s.metrics.DedupHits.WithLabelValues(metrics.PathDirect).Inc()
	}
	return results, nil
}

func (s *DirectUploadService) validate(ctx context.Context, req DirectRequest) (*LinkGrant, error) {
	if len(req.Files) == 0 {
		return nil, fmt.Errorf("%w: no files", common.ErrValidation)
	}
	switch req.Storage {
	case models.StorageLocal:
	case models.StorageObjectStore:
		if s.store == nil {
			return nil, fmt.Errorf("%w: object store is not configured", common.ErrValidation)
		}
	default:
		return nil, fmt.Errorf("%w: unknown storage %q", common.ErrValidation, req.Storage)
	}
	for _, f := range req.Files {
		if IsDisallowed(f.Name, s.cfg.DisallowedExtensions) {
			return nil, fmt.Errorf("%w: %s", common.ErrDisallowedFile, f.Name)
		}
	}
	return s.links.Validate(ctx, req.Token)
}

func hashFiles(files []DirectFile) error {
	var g errgroup.Group
	g.SetLimit(hashWorkers)
	for i := range files {
		if files[i].Hash != "" {
			continue
		}
		g.Go(func() error {
			sum, err := HashFile(files[i].Path)
			if err != nil {
				return err
			}
			files[i].Hash = sum
			return nil
		})
	}
	return g.Wait()
}

// ingest stores one new file and records it together with one link use.
// Stored bytes are removed again if the record cannot be written. When a
// concurrent request recorded the same content first, its record is returned
// as a duplicate and the link use is rolled back with the transaction.
func (s *DirectUploadService) ingest(ctx context.Context, grant *LinkGrant, kind models.StorageKind, f DirectFile) (DirectResult, error) {
	now := s.now().UTC()
	rec := &models.UploadedFile{
		ID:          uuid.NewString(),
		ProjectID:   grant.Project.ID,
		Name:        f.Name,
		Size:        f.Size,
		MimeType:    firstNonEmpty(f.MimeType, defaultMimeType),
		Status:      models.FileStatusCompleted,
		StorageKind: kind,
		ContentHash: f.Hash,
		LinkToken:   grant.Link.Token,
		CreatedAt:   now,
		CompletedAt: &now,
	}
	meta := tracker.Meta{
		Filename:    f.Name,
		ClientName:  grant.ClientName(),
		ProjectName: grant.ProjectName(),
		StorageKind: string(kind),
		Source:      metrics.PathDirect,
	}
	s.tracker.Track(rec.ID, f.Size, 0, meta)
	s.metrics.UploadsStarted.WithLabelValues(metrics.PathDirect).Inc()

	undo, err := s.put(ctx, grant, rec, f)
	if err != nil {
		s.tracker.Cancel(rec.ID)
		return DirectResult{}, err
	}

	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if err := s.links.Consume(ctx, tx, grant.Link.Token); err != nil {
			return err
		}
		return s.repomanager.Files(tx).Create(ctx, rec)
	})
	if err != nil {
		if uerr := undo(); uerr != nil {
			s.log.Warn(ctx, "failed to remove stored file", "location", rec.Location, "error", uerr)
		}
		s.tracker.Cancel(rec.ID)
		if errors.Is(err, common.ErrDuplicateContent) {
			existing, ferr := s.repomanager.Files(s.db).FindByHash(ctx, grant.Project.ID, f.Hash)
			if ferr != nil {
				return DirectResult{}, ferr
			}
			s.metrics.DedupHits.WithLabelValues(metrics.PathDirect).Inc()
			return DirectResult{File: existing, Duplicate: true}, nil
		}
		return DirectResult{}, err
	}

	s.tracker.Track(rec.ID, f.Size, f.Size, meta)
	s.tracker.Complete(rec.ID)
	s.metrics.UploadsCompleted.WithLabelValues(metrics.PathDirect).Inc()
	s.metrics.BytesIngested.WithLabelValues(metrics.PathDirect).Add(float64(f.Size))
	s.log.Info(ctx, "file stored", "file_id", rec.ID, "location", rec.Location, "storage", kind)
	return DirectResult{File: rec}, nil
}

// put moves the spooled bytes to their final place, filling in Location and
// Bucket, and returns a function that removes them again.
func (s *DirectUploadService) put(ctx context.Context, grant *LinkGrant, rec *models.UploadedFile, f DirectFile) (func() error, error) {
	if rec.StorageKind == models.StorageObjectStore {
		key := objectstore.Key(grant.ClientCode(), grant.ProjectName(), filex.SanitizeName(f.Name))
		body, err := os.Open(f.Path)
		if err != nil {
			return nil, fmt.Errorf("%w: open %s: %w", common.ErrStorage, f.Path, err)
		}
		defer body.Close()

		if err := s.store.Put(ctx, key, rec.MimeType, body, f.Size); err != nil {
			return nil, err
		}
		rec.Location, rec.Bucket = key, s.store.Bucket()
		return func() error { return s.store.Delete(context.WithoutCancel(ctx), key) }, nil
	}

	project := filex.SanitizeName(grant.ProjectName())
	dir := filepath.Join(s.cfg.StorageDir, project)
	name := filex.SanitizeName(f.Name)
	if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
		prefix, err := shared.MakeRandHexString(4)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", common.ErrStorage, err)
		}
		name = prefix + "_" + name
	}
	dst := filepath.Join(dir, name)
	if err := filex.MoveFile(f.Path, dst); err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrStorage, err)
	}
	rec.Location = path.Join(s.cfg.PublicPrefix, project, name)
	return func() error { return os.Remove(dst) }, nil
}

func (s *DirectUploadService) cleanup(ctx context.Context, files []DirectFile) {
	var result *multierror.Error
	for _, f := range files {
		if f.Path == "" {
			continue
		}
		if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			result = multierror.Append(result, err)
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		s.log.Warn(ctx, "failed to remove spooled files", "error", err)
	}
}

// HashFile returns the hex xxhash64 of the file at p.
func HashFile(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", p, err)
	}
	defer f.Close()

	h := xxhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("read %s: %w", p, err)
	}
	return fmt.Sprintf("%016x", h.Sum64()), nil
}
