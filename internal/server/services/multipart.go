package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/dmitrijs2005/mediaingest/internal/common"
	"github.com/dmitrijs2005/mediaingest/internal/dbx"
	"github.com/dmitrijs2005/mediaingest/internal/filex"
	"github.com/dmitrijs2005/mediaingest/internal/logging"
	"github.com/dmitrijs2005/mediaingest/internal/server/metrics"
	"github.com/dmitrijs2005/mediaingest/internal/server/models"
	"github.com/dmitrijs2005/mediaingest/internal/server/objectstore"
	"github.com/dmitrijs2005/mediaingest/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/mediaingest/internal/server/tracker"
	"github.com/google/uuid"
)

// ObjectStore is the subset of the S3 client the ingestion paths use.
type ObjectStore interface {
	Bucket() string
	Put(ctx context.Context, key, contentType string, body io.Reader, size int64) error
	Delete(ctx context.Context, key string) error
	PresignPut(ctx context.Context, key, contentType string) (*objectstore.PresignedRequest, error)
	CreateMultipart(ctx context.Context, key, contentType string) (string, error)
	PresignPart(ctx context.Context, key, uploadID string, partNumber int32) (*objectstore.PresignedRequest, error)
	CompleteMultipart(ctx context.Context, key, uploadID string, parts []objectstore.Part) (string, error)
	AbortMultipart(ctx context.Context, key, uploadID string) error
}

// MultipartUpload identifies an object-store multipart upload.
type MultipartUpload struct {
	Key      string `json:"key"`
	UploadID string `json:"uploadId"`
}

// SingleUpload is a presigned single-request upload of Key.
type SingleUpload struct {
	Key     string                        `json:"key"`
	Request *objectstore.PresignedRequest `json:"request"`
}

// CallbackRequest reports an object the client finished uploading.
type CallbackRequest struct {
	Key      string `json:"key"`
	Size     int64  `json:"size"`
	Filename string `json:"filename"`
	MimeType string `json:"mimeType"`
	// Hash is an optional client-computed content hash used for dedup.
	Hash string `json:"hash,omitempty"`
	// FileID is the client's progress session id, if it reported one.
	FileID string `json:"fileId,omitempty"`
}

// MultipartService authorizes client-driven transfers straight to the
// object store. Every call re-validates the link and keeps keys inside the
// link's client/project prefix.
type MultipartService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	links       *LinkService
	store       ObjectStore
	tracker     *tracker.Tracker
	log         logging.Logger
	metrics     *metrics.Metrics
	disallowed  []string
	now         func() time.Time
}

func NewMultipartService(db *sql.DB, m repomanager.RepositoryManager, links *LinkService, store ObjectStore,
	t *tracker.Tracker, log logging.Logger, mx *metrics.Metrics, disallowed []string) *MultipartService {
	return &MultipartService{
		db:          db,
		repomanager: m,
		links:       links,
		store:       store,
		tracker:     t,
		log:         log.With("module", "multipart"),
		metrics:     mx,
		disallowed:  disallowed,
		now:         time.Now,
	}
}

// Initiate starts a multipart upload under the deterministic key of the
// file.
func (s *MultipartService) Initiate(ctx context.Context, token, filename, mimeType string) (*MultipartUpload, error) {
	grant, key, err := s.newKey(ctx, token, filename)
	if err != nil {
		return nil, err
	}
	uploadID, err := s.store.CreateMultipart(ctx, key, firstNonEmpty(mimeType, defaultMimeType))
	if err != nil {
		return nil, err
	}
	s.metrics.UploadsStarted.WithLabelValues(metrics.PathMultipart).Inc()
	s.log.Info(ctx, "multipart upload initiated", "key", key, "upload_id", uploadID, "project", grant.ProjectName())
	return &MultipartUpload{Key: key, UploadID: uploadID}, nil
}

// SingleUploadURL presigns a single PUT of the whole file.
func (s *MultipartService) SingleUploadURL(ctx context.Context, token, filename, mimeType string) (*SingleUpload, error) {
	_, key, err := s.newKey(ctx, token, filename)
	if err != nil {
		return nil, err
	}
	req, err := s.store.PresignPut(ctx, key, firstNonEmpty(mimeType, defaultMimeType))
	if err != nil {
		return nil, err
	}
	s.metrics.UploadsStarted.WithLabelValues(metrics.PathMultipart).Inc()
	return &SingleUpload{Key: key, Request: req}, nil
}

// PartAuthorization presigns the upload of one part.
func (s *MultipartService) PartAuthorization(ctx context.Context, token, key, uploadID string, partNumber int32) (*objectstore.PresignedRequest, error) {
	if partNumber < 1 || partNumber > objectstore.MaxPartNumber {
		return nil, fmt.Errorf("%w: part number must be between 1 and %d", common.ErrValidation, objectstore.MaxPartNumber)
	}
	if _, err := s.authorize(ctx, token, key, uploadID); err != nil {
		return nil, err
	}
	return s.store.PresignPart(ctx, key, uploadID, partNumber)
}

// Complete assembles the object from parts. The list is checked before the
// store is contacted.
func (s *MultipartService) Complete(ctx context.Context, token, key, uploadID string, parts []objectstore.Part) (string, error) {
	sorted, err := checkParts(parts)
	if err != nil {
		return "", err
	}
	if _, err := s.authorize(ctx, token, key, uploadID); err != nil {
		return "", err
	}
	location, err := s.store.CompleteMultipart(ctx, key, uploadID, sorted)
	if err != nil {
		return "", err
	}
	s.log.Info(ctx, "multipart upload completed", "key", key, "parts", len(sorted))
	return location, nil
}

// Abort cancels a multipart upload. Aborting an unknown or already aborted
// upload succeeds.
func (s *MultipartService) Abort(ctx context.Context, token, key, uploadID string) error {
	if _, err := s.authorize(ctx, token, key, uploadID); err != nil {
		return err
	}
	if err := s.store.AbortMultipart(ctx, key, uploadID); err != nil {
		return err
	}
	s.metrics.UploadsCancelled.Inc()
	return nil
}

// Callback records a finished object. Content already stored in the
// project is not recorded twice: the new object is removed and the
// existing record returned without using the link.
func (s *MultipartService) Callback(ctx context.Context, token string, req CallbackRequest) (*DirectResult, error) {
	grant, err := s.links.Validate(ctx, token)
	if err != nil {
		return nil, err
	}
	if err := checkKey(grant, req.Key); err != nil {
		return nil, err
	}
	if req.Size < 0 {
		return nil, fmt.Errorf("%w: negative size", common.ErrValidation)
	}

	filename := firstNonEmpty(req.Filename, req.Key[strings.LastIndex(req.Key, "/")+1:])
	sessionID := firstNonEmpty(req.FileID, req.Key)
	meta := tracker.Meta{
		Filename:    filename,
		ClientName:  grant.ClientName(),
		ProjectName: grant.ProjectName(),
		StorageKind: string(models.StorageObjectStore),
		Source:      metrics.PathMultipart,
	}

	if req.Hash != "" {
		existing, err := s.repomanager.Files(s.db).FindByHash(ctx, grant.Project.ID, req.Hash)
		switch {
		case err == nil:
			return s.duplicate(ctx, existing, req, sessionID, meta), nil
		case !errors.Is(err, common.ErrNotFound):
			return nil, err
		}
	}

	now := s.now().UTC()
	rec := &models.UploadedFile{
		ID:          uuid.NewString(),
		ProjectID:   grant.Project.ID,
		Name:        filename,
		Size:        req.Size,
		MimeType:    firstNonEmpty(req.MimeType, defaultMimeType),
		Status:      models.FileStatusCompleted,
		StorageKind: models.StorageObjectStore,
		Location:    req.Key,
		Bucket:      s.store.Bucket(),
		ContentHash: req.Hash,
		LinkToken:   token,
		CreatedAt:   now,
		CompletedAt: &now,
	}
	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if err := s.links.Consume(ctx, tx, token); err != nil {
			return err
		}
		return s.repomanager.Files(tx).Create(ctx, rec)
	})
	if errors.Is(err, common.ErrDuplicateContent) {
		// recorded by a concurrent callback after the lookup above
		existing, ferr := s.repomanager.Files(s.db).FindByHash(ctx, grant.Project.ID, req.Hash)
		if ferr != nil {
			return nil, ferr
		}
		return s.duplicate(ctx, existing, req, sessionID, meta), nil
	}
	if err != nil {
		return nil, err
	}

	s.metrics.UploadsCompleted.WithLabelValues(metrics.PathMultipart).Inc()
	s.metrics.BytesIngested.WithLabelValues(metrics.PathMultipart).Add(float64(req.Size))
	s.finishSession(sessionID, req.Size, meta)
	s.log.Info(ctx, "object recorded", "file_id", rec.ID, "key", req.Key)
	return &DirectResult{File: rec}, nil
}

// duplicate removes the reported object unless it is the stored one and
// returns the existing record.
func (s *MultipartService) duplicate(ctx context.Context, existing *models.UploadedFile, req CallbackRequest,
	sessionID string, meta tracker.Meta) *DirectResult {
	if existing.Location != req.Key {
		if err := s.store.Delete(ctx, req.Key); err != nil {
			s.log.Warn(ctx, "failed to remove duplicate object", "key", req.Key, "error", err)
		}
	}
	s.metrics.DedupHits.WithLabelValues(metrics.PathMultipart).Inc()
	s.finishSession(sessionID, req.Size, meta)
	return &DirectResult{File: existing, Duplicate: true}
}

func (s *MultipartService) finishSession(id string, size int64, meta tracker.Meta) {
	s.tracker.Track(id, size, size, meta)
	s.tracker.Complete(id)
}

func (s *MultipartService) newKey(ctx context.Context, token, filename string) (*LinkGrant, string, error) {
	if strings.TrimSpace(filename) == "" {
		return nil, "", fmt.Errorf("%w: filename is required", common.ErrValidation)
	}
	if IsDisallowed(filename, s.disallowed) {
		return nil, "", fmt.Errorf("%w: %s", common.ErrDisallowedFile, filename)
	}
	grant, err := s.links.Validate(ctx, token)
	if err != nil {
		return nil, "", err
	}
	return grant, objectstore.Key(grant.ClientCode(), grant.ProjectName(), filex.SanitizeName(filename)), nil
}

func (s *MultipartService) authorize(ctx context.Context, token, key, uploadID string) (*LinkGrant, error) {
	if uploadID == "" {
		return nil, fmt.Errorf("%w: uploadId is required", common.ErrValidation)
	}
	grant, err := s.links.Validate(ctx, token)
	if err != nil {
		return nil, err
	}
	if err := checkKey(grant, key); err != nil {
		return nil, err
	}
	return grant, nil
}

// checkKey keeps a client-supplied key inside the link's prefix.
func checkKey(grant *LinkGrant, key string) error {
	prefix := objectstore.Key(grant.ClientCode(), grant.ProjectName()) + "/"
	if !strings.HasPrefix(key, prefix) || len(key) == len(prefix) || strings.Contains(key, "..") {
		return fmt.Errorf("%w: key %q is outside of %q", common.ErrValidation, key, prefix)
	}
	return nil
}

// checkParts returns the parts ordered by number. Every part needs a
// positive number and an ETag, and numbers must be unique.
func checkParts(parts []objectstore.Part) ([]objectstore.Part, error) {
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: no parts", common.ErrInvalidParts)
	}
	sorted := slices.Clone(parts)
	slices.SortFunc(sorted, func(a, b objectstore.Part) int { return int(a.Number) - int(b.Number) })
	for i, p := range sorted {
		if p.Number < 1 || p.Number > objectstore.MaxPartNumber {
			return nil, fmt.Errorf("%w: part number %d", common.ErrInvalidParts, p.Number)
		}
		if strings.TrimSpace(p.ETag) == "" {
			return nil, fmt.Errorf("%w: part %d has no ETag", common.ErrInvalidParts, p.Number)
		}
		if i > 0 && sorted[i-1].Number == p.Number {
			return nil, fmt.Errorf("%w: duplicate part %d", common.ErrInvalidParts, p.Number)
		}
	}
	return sorted, nil
}
