package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/dmitrijs2005/mediaingest/internal/common"
	"github.com/dmitrijs2005/mediaingest/internal/dbx"
	"github.com/dmitrijs2005/mediaingest/internal/filex"
	"github.com/dmitrijs2005/mediaingest/internal/logging"
	"github.com/dmitrijs2005/mediaingest/internal/server/metrics"
	"github.com/dmitrijs2005/mediaingest/internal/server/models"
	"github.com/dmitrijs2005/mediaingest/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/mediaingest/internal/server/tracker"
	"github.com/tus/tusd/v2/pkg/handler"
	"github.com/tus/tusd/v2/pkg/hooks"
)

const (
	defaultMimeType = "application/octet-stream"
	// defaultProjectID is sent by clients that have no project.
	defaultProjectID = "default"

	storageTypeFile = "filestore"
	storageTypeS3   = "s3store"
)

// UploadMeta is the client metadata attached to a resumable upload, with
// defaults already applied.
type UploadMeta struct {
	Filename    string
	FileType    string
	ProjectID   string
	Token       string
	ClientName  string
	ProjectName string
}

// HookEvent is a decoded webhook notification.
type HookEvent struct {
	Type   hooks.HookType
	Upload handler.FileInfo
	Meta   UploadMeta
}

// NewHookEvent normalizes the upload metadata once so that handlers never
// deal with missing keys.
func NewHookEvent(typ hooks.HookType, upload handler.FileInfo) HookEvent {
	md := upload.MetaData
	meta := UploadMeta{
		Filename:    firstNonEmpty(md["filename"], md["name"], upload.ID),
		FileType:    firstNonEmpty(md["filetype"], md["type"], defaultMimeType),
		ProjectID:   md["projectId"],
		Token:       md["token"],
		ClientName:  md["clientName"],
		ProjectName: md["projectName"],
	}
	if meta.ProjectID == defaultProjectID {
		meta.ProjectID = ""
	}
	return HookEvent{Type: typ, Upload: upload, Meta: meta}
}

func (e HookEvent) storageType() string {
	return e.Upload.Storage["Type"]
}

func (e HookEvent) storageKind() models.StorageKind {
	if e.storageType() == storageTypeS3 {
		return models.StorageObjectStore
	}
	return models.StorageLocal
}

type WebhookConfig struct {
	// LinksDir receives the stable references of finished filestore uploads.
	LinksDir             string
	DisallowedExtensions []string
}

// WebhookService drives the uploaded_files state machine from resumable
// upload notifications: uploading on create, then exactly one of completed
// or cancelled.
type WebhookService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	links       *LinkService
	tracker     *tracker.Tracker
	log         logging.Logger
	metrics     *metrics.Metrics
	cfg         WebhookConfig
	now         func() time.Time
}

func NewWebhookService(db *sql.DB, m repomanager.RepositoryManager, links *LinkService, t *tracker.Tracker,
	log logging.Logger, mx *metrics.Metrics, cfg WebhookConfig) *WebhookService {
	return &WebhookService{
		db:          db,
		repomanager: m,
		links:       links,
		tracker:     t,
		log:         log.With("module", "webhook"),
		metrics:     mx,
		cfg:         cfg,
		now:         time.Now,
	}
}

// Handle applies one notification. Only pre-create can reject an upload;
// errors of the other hooks are reported to the caller for logging.
func (s *WebhookService) Handle(ctx context.Context, ev HookEvent) error {
	switch ev.Type {
	case hooks.HookPreCreate:
		return s.preCreate(ctx, ev)
	case hooks.HookPostCreate:
		return s.postCreate(ctx, ev)
	case hooks.HookPostReceive:
		s.postReceive(ev)
		return nil
	case hooks.HookPostFinish:
		return s.postFinish(ctx, ev)
	case hooks.HookPostTerminate:
		return s.postTerminate(ctx, ev)
	default:
		s.log.Debug(ctx, "ignoring hook", "type", ev.Type, "upload_id", ev.Upload.ID)
		return nil
	}
}

func (s *WebhookService) preCreate(ctx context.Context, ev HookEvent) error {
	if IsDisallowed(ev.Meta.Filename, s.cfg.DisallowedExtensions) {
		return fmt.Errorf("%w: %s", common.ErrDisallowedFile, filepath.Ext(ev.Meta.Filename))
	}
	if ev.Meta.ProjectID != "" {
		if _, _, err := s.links.ResolveProject(ctx, "", ev.Meta.ProjectID); err != nil {
			return err
		}
	}
	if ev.Meta.Token != "" {
		if _, err := s.links.Validate(ctx, ev.Meta.Token); err != nil {
			return err
		}
	}
	return nil
}

func (s *WebhookService) postCreate(ctx context.Context, ev HookEvent) error {
	project, grant := s.resolve(ctx, ev)

	file := &models.UploadedFile{
		UploadID:    ev.Upload.ID,
		Name:        ev.Meta.Filename,
		Size:        ev.Upload.Size,
		MimeType:    ev.Meta.FileType,
		StorageKind: ev.storageKind(),
		CreatedAt:   s.now().UTC(),
	}
	if project != nil {
		file.ProjectID = project.ID
	}
	if grant != nil {
		file.LinkToken = grant.Link.Token
	}

	created, err := s.repomanager.Files(s.db).CreateUploading(ctx, file)
	if err != nil {
		return err
	}
	if created {
		s.metrics.UploadsStarted.WithLabelValues(metrics.PathResumable).Inc()
		s.log.Info(ctx, "upload started", "upload_id", ev.Upload.ID, "filename", file.Name, "size", file.Size)
	}

	s.tracker.Track(ev.Upload.ID, ev.Upload.Size, 0, s.trackerMeta(ev, project))
	return nil
}

func (s *WebhookService) postReceive(ev HookEvent) {
	s.tracker.Track(ev.Upload.ID, ev.Upload.Size, ev.Upload.Offset, tracker.Meta{
		Filename: ev.Meta.Filename,
		Source:   metrics.PathResumable,
	})
}

func (s *WebhookService) postFinish(ctx context.Context, ev HookEvent) error {
	location, bucket := s.finalLocation(ctx, ev)
	at := s.now().UTC()

	var (
		changed bool
		project *models.Project
	)
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := s.repomanager.Files(tx)

		existing, err := repo.GetByUploadID(ctx, ev.Upload.ID)
		if err != nil && !errors.Is(err, common.ErrNotFound) {
			return err
		}

		token := ev.Meta.Token
		if existing == nil {
			// the create notification never reached us
			var grant *LinkGrant
			project, grant = s.resolve(ctx, ev)
			file := &models.UploadedFile{
				UploadID:    ev.Upload.ID,
				Name:        ev.Meta.Filename,
				Size:        ev.Upload.Size,
				MimeType:    ev.Meta.FileType,
				Status:      models.FileStatusCompleted,
				StorageKind: ev.storageKind(),
				Location:    location,
				Bucket:      bucket,
				CreatedAt:   at,
				CompletedAt: &at,
			}
			if project != nil {
				file.ProjectID = project.ID
			}
			token = ""
			if grant != nil {
				file.LinkToken = grant.Link.Token
				token = grant.Link.Token
			}
			if err := repo.Create(ctx, file); err != nil {
				return err
			}
			changed = true
		} else {
			if existing.LinkToken != "" {
				token = existing.LinkToken
			}
			changed, err = repo.MarkCompleted(ctx, ev.Upload.ID, location, bucket, at)
			if err != nil {
				return err
			}
		}

		if !changed || token == "" {
			return nil
		}
		if err := s.links.Consume(ctx, tx, token); err != nil {
			if errors.Is(err, common.ErrLinkUnusable) {
				s.log.Warn(ctx, "upload finished on an unusable link", "upload_id", ev.Upload.ID, "error", err)
				return nil
			}
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}

	if changed {
		s.metrics.UploadsCompleted.WithLabelValues(metrics.PathResumable).Inc()
		s.metrics.BytesIngested.WithLabelValues(metrics.PathResumable).Add(float64(ev.Upload.Size))
		s.log.Info(ctx, "upload completed", "upload_id", ev.Upload.ID, "location", location)
	}

	s.tracker.Track(ev.Upload.ID, ev.Upload.Size, ev.Upload.Size, s.trackerMeta(ev, project))
	s.tracker.Complete(ev.Upload.ID)
	return nil
}

func (s *WebhookService) postTerminate(ctx context.Context, ev HookEvent) error {
	changed, err := s.repomanager.Files(s.db).MarkCancelled(ctx, ev.Upload.ID)
	if err != nil {
		return err
	}
	if changed {
		s.metrics.UploadsCancelled.Inc()
		s.log.Info(ctx, "upload cancelled", "upload_id", ev.Upload.ID)
	}

	s.tracker.Track(ev.Upload.ID, ev.Upload.Size, ev.Upload.Offset, tracker.Meta{
		Filename: ev.Meta.Filename,
		Source:   metrics.PathResumable,
	})
	s.tracker.Cancel(ev.Upload.ID)
	return nil
}

// finalLocation returns where the finished bytes live. For the filestore
// that is a stable reference created next to the upload; a missing target
// is logged and the reference path is still recorded.
func (s *WebhookService) finalLocation(ctx context.Context, ev HookEvent) (string, string) {
	switch ev.storageType() {
	case storageTypeS3:
		return ev.Upload.Storage["Key"], ev.Upload.Storage["Bucket"]
	case storageTypeFile:
		path, err := filex.LinkStable(s.cfg.LinksDir, ev.Upload.ID, ev.Meta.Filename, ev.Upload.Storage["Path"])
		if err != nil {
			s.log.Warn(ctx, "stable reference not created", "upload_id", ev.Upload.ID, "error", err)
		}
		return path, ""
	default:
		return ev.Upload.ID, ""
	}
}

// resolve never fails: post-create cannot reject, so a bad token degrades to
// the project id and then to no project at all.
func (s *WebhookService) resolve(ctx context.Context, ev HookEvent) (*models.Project, *LinkGrant) {
	project, grant, err := s.links.ResolveProject(ctx, ev.Meta.Token, ev.Meta.ProjectID)
	if err == nil {
		return project, grant
	}
	s.log.Warn(ctx, "upload link not usable", "upload_id", ev.Upload.ID, "error", err)
	if ev.Meta.Token == "" {
		return nil, nil
	}
	project, _, err = s.links.ResolveProject(ctx, "", ev.Meta.ProjectID)
	if err != nil {
		s.log.Warn(ctx, "project not found", "upload_id", ev.Upload.ID, "project_id", ev.Meta.ProjectID)
		return nil, nil
	}
	return project, nil
}

func (s *WebhookService) trackerMeta(ev HookEvent, project *models.Project) tracker.Meta {
	m := tracker.Meta{
		Filename:    ev.Meta.Filename,
		ClientName:  ev.Meta.ClientName,
		ProjectName: ev.Meta.ProjectName,
		StorageKind: string(ev.storageKind()),
		Source:      metrics.PathResumable,
	}
	if project != nil {
		m.ClientName = firstNonEmpty(m.ClientName, project.ClientName)
		m.ProjectName = firstNonEmpty(m.ProjectName, project.Name)
	}
	return m
}

// IsDisallowed reports whether name ends in one of the extensions, compared
// case-insensitively.
func IsDisallowed(name string, extensions []string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return false
	}
	return slices.ContainsFunc(extensions, func(e string) bool {
		return strings.EqualFold(e, ext)
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
