package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dmitrijs2005/mediaingest/internal/common"
	"github.com/dmitrijs2005/mediaingest/internal/server/models"
	"github.com/dmitrijs2005/mediaingest/internal/server/services"
	"github.com/gorilla/mux"
)

const maxJSONBody = 1 << 20

type linkResponse struct {
	ClientName  string    `json:"clientName"`
	ProjectName string    `json:"projectName"`
	ProjectID   string    `json:"projectId"`
	ExpiresAt   time.Time `json:"expiresAt"`
	// Remaining is -1 for links without a usage cap.
	Remaining int `json:"remaining"`
}

func (h *Handler) validateLink(w http.ResponseWriter, r *http.Request) {
	grant, err := h.links.Validate(r.Context(), mux.Vars(r)["token"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, linkResponse{
		ClientName:  grant.ClientName(),
		ProjectName: grant.ProjectName(),
		ProjectID:   grant.Project.ID,
		ExpiresAt:   grant.Link.ExpiresAt,
		Remaining:   grant.Link.Remaining(),
	})
}

type statusResponse struct {
	Percent float64 `json:"percent"`
	Done    bool    `json:"done"`
	Session any     `json:"session"`
}

func (h *Handler) uploadStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	snap, ok := h.tracker.Get(id)
	if !ok {
		h.writeError(w, r, fmt.Errorf("%w: upload %s", common.ErrNotFound, id))
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Percent: snap.Percent(), Done: snap.Done(), Session: snap})
}

func (h *Handler) reportProgress(w http.ResponseWriter, r *http.Request) {
	var req services.ProgressReport
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	snap, err := h.progress.Report(r.Context(), mux.Vars(r)["token"], req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Percent: snap.Percent(), Done: snap.Done(), Session: snap})
}

type directResponse struct {
	Files []services.DirectResult `json:"files"`
}

// directUpload streams every "file" part to a spool file, hashing it on
// the way, and hands the batch to the direct upload service.
func (h *Handler) directUpload(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]

	// reject before reading a possibly large body
	if _, err := h.links.Validate(r.Context(), token); err != nil {
		h.writeError(w, r, err)
		return
	}

	if h.opts.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxUploadBytes)
	}
	mr, err := r.MultipartReader()
	if err != nil {
		h.writeError(w, r, fmt.Errorf("%w: %w", common.ErrValidation, err))
		return
	}

	req := services.DirectRequest{Token: token, Storage: models.StorageLocal}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			removeSpooled(req.Files)
			h.writeError(w, r, fmt.Errorf("%w: %w", common.ErrValidation, err))
			return
		}

		switch part.FormName() {
		case "file":
			f, err := h.spool(part)
			if err != nil {
				removeSpooled(req.Files)
				h.writeError(w, r, err)
				return
			}
			req.Files = append(req.Files, f)
		case "storage":
			v, _ := io.ReadAll(io.LimitReader(part, 64))
			req.Storage = models.ParseStorageKind(string(v))
		}
		_ = part.Close()
	}

	res, err := h.direct.Upload(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, directResponse{Files: res})
}

func (h *Handler) spool(part *multipart.Part) (services.DirectFile, error) {
	tmp, err := os.CreateTemp(h.opts.TempDir, "direct-*")
	if err != nil {
		return services.DirectFile{}, fmt.Errorf("%w: spool: %w", common.ErrStorage, err)
	}
	defer tmp.Close()

	hash := xxhash.New()
	n, err := io.Copy(io.MultiWriter(tmp, hash), part)
	if err != nil {
		_ = os.Remove(tmp.Name())
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return services.DirectFile{}, fmt.Errorf("%w: upload exceeds %d bytes", common.ErrValidation, tooLarge.Limit)
		}
		return services.DirectFile{}, fmt.Errorf("%w: read part: %w", common.ErrValidation, err)
	}

	return services.DirectFile{
		Name:     part.FileName(),
		MimeType: part.Header.Get("Content-Type"),
		Path:     tmp.Name(),
		Size:     n,
		Hash:     fmt.Sprintf("%016x", hash.Sum64()),
	}, nil
}

func removeSpooled(files []services.DirectFile) {
	for _, f := range files {
		_ = os.Remove(f.Path)
	}
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody)).Decode(v); err != nil {
		return fmt.Errorf("%w: malformed body: %w", common.ErrValidation, err)
	}
	return nil
}
