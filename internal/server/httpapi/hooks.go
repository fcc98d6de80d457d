package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/dmitrijs2005/mediaingest/internal/common"
	"github.com/dmitrijs2005/mediaingest/internal/server/services"
	"github.com/tus/tusd/v2/pkg/handler"
	"github.com/tus/tusd/v2/pkg/hooks"
)

const maxHookBody = 1 << 20

// hookRequest accepts both the flat {Type, Upload} body and the
// {Type, Event: {Upload}} envelope sent by tusd's HTTP hooks.
type hookRequest struct {
	Type   hooks.HookType    `json:"Type"`
	Upload *handler.FileInfo `json:"Upload"`
	Event  *struct {
		Upload handler.FileInfo `json:"Upload"`
	} `json:"Event"`
}

func decodeHook(r io.Reader) (services.HookEvent, error) {
	var req hookRequest
	if err := json.NewDecoder(io.LimitReader(r, maxHookBody)).Decode(&req); err != nil {
		return services.HookEvent{}, fmt.Errorf("%w: malformed hook body: %w", common.ErrValidation, err)
	}
	if req.Type == "" {
		return services.HookEvent{}, fmt.Errorf("%w: hook type is required", common.ErrValidation)
	}

	var upload handler.FileInfo
	switch {
	case req.Event != nil:
		upload = req.Event.Upload
	case req.Upload != nil:
		upload = *req.Upload
	default:
		return services.HookEvent{}, fmt.Errorf("%w: hook carries no upload", common.ErrValidation)
	}
	return services.NewHookEvent(req.Type, upload), nil
}

func (h *Handler) hook(w http.ResponseWriter, r *http.Request) {
	ev, err := decodeHook(r.Body)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if err := h.webhook.Handle(r.Context(), ev); err != nil {
		if ev.Type != hooks.HookPreCreate {
			h.writeError(w, r, err)
			return
		}
		status := statusFor(err)
		h.log.Info(r.Context(), "upload rejected", "upload_id", ev.Upload.ID, "status", status, "error", err)
		body, _ := json.Marshal(errorResponse{Error: publicMessage(err, status)})
		writeJSON(w, status, hooks.HookResponse{
			RejectUpload: true,
			HTTPResponse: handler.HTTPResponse{
				StatusCode: status,
				Body:       string(body),
				Header:     handler.HTTPHeader{"Content-Type": "application/json"},
			},
		})
		return
	}

	writeJSON(w, http.StatusOK, hooks.HookResponse{})
}
