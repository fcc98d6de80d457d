package services

import (
	"context"
	"fmt"

	"github.com/dmitrijs2005/mediaingest/internal/common"
	"github.com/dmitrijs2005/mediaingest/internal/logging"
	"github.com/dmitrijs2005/mediaingest/internal/server/tracker"
)

// ProgressReport is a client-side progress update for a transfer the server
// does not see, such as a presigned object-store upload.
type ProgressReport struct {
	FileID        string `json:"fileId"`
	FileName      string `json:"fileName"`
	BytesUploaded int64  `json:"bytesUploaded"`
	BytesTotal    int64  `json:"bytesTotal"`
	ClientName    string `json:"clientName,omitempty"`
	ProjectName   string `json:"projectName,omitempty"`
	StorageKind   string `json:"storageKind,omitempty"`
}

type ProgressService struct {
	links   *LinkService
	tracker *tracker.Tracker
	log     logging.Logger
}

func NewProgressService(links *LinkService, t *tracker.Tracker, log logging.Logger) *ProgressService {
	return &ProgressService{links: links, tracker: t, log: log.With("module", "progress")}
}

// Report records the update and completes the session once every byte is
// reported. Labels default to the link's client and project.
func (s *ProgressService) Report(ctx context.Context, token string, r ProgressReport) (tracker.Snapshot, error) {
	if r.FileID == "" {
		return tracker.Snapshot{}, fmt.Errorf("%w: fileId is required", common.ErrValidation)
	}
	if r.BytesUploaded < 0 || r.BytesTotal < 0 {
		return tracker.Snapshot{}, fmt.Errorf("%w: byte counts must not be negative", common.ErrValidation)
	}
	grant, err := s.links.Validate(ctx, token)
	if err != nil {
		return tracker.Snapshot{}, err
	}

	snap := s.tracker.Track(r.FileID, r.BytesTotal, r.BytesUploaded, tracker.Meta{
		Filename:    r.FileName,
		ClientName:  firstNonEmpty(r.ClientName, grant.ClientName()),
		ProjectName: firstNonEmpty(r.ProjectName, grant.ProjectName()),
		StorageKind: r.StorageKind,
		Source:      "client",
	})
	if r.BytesTotal > 0 && r.BytesUploaded >= r.BytesTotal {
		if done, ok := s.tracker.Complete(r.FileID); ok {
			snap = done
		}
	}
	s.log.Debug(ctx, "progress reported", "file_id", r.FileID, "offset", snap.Offset, "size", snap.Size)
	return snap, nil
}
