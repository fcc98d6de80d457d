package links

import (
	"context"
	"time"

	"github.com/dmitrijs2005/mediaingest/internal/server/models"
)

type Repository interface {
	GetByToken(ctx context.Context, token string) (*models.UploadLink, error)
	// Consume increments used_count by one if the link is still usable at
	// now. It reports false when the guard did not match.
	Consume(ctx context.Context, token string, now time.Time) (bool, error)
	Create(ctx context.Context, link *models.UploadLink) error
	Deactivate(ctx context.Context, token string) error
}
