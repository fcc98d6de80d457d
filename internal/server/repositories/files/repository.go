package files

import (
	"context"
	"time"

	"github.com/dmitrijs2005/mediaingest/internal/server/models"
)

type Repository interface {
	// CreateUploading inserts an uploading record keyed by upload id and
	// reports false when a record for that upload id already exists.
	CreateUploading(ctx context.Context, file *models.UploadedFile) (bool, error)
	Create(ctx context.Context, file *models.UploadedFile) error
	// MarkCompleted and MarkCancelled only move records out of the
	// uploading state and report whether a transition happened.
	MarkCompleted(ctx context.Context, uploadID, location, bucket string, at time.Time) (bool, error)
	MarkCancelled(ctx context.Context, uploadID string) (bool, error)
	FindByHash(ctx context.Context, projectID, hash string) (*models.UploadedFile, error)
	GetByUploadID(ctx context.Context, uploadID string) (*models.UploadedFile, error)
}
