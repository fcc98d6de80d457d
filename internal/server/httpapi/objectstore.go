package httpapi

import (
	"fmt"
	"net/http"

	"github.com/dmitrijs2005/mediaingest/internal/common"
	"github.com/dmitrijs2005/mediaingest/internal/server/objectstore"
	"github.com/dmitrijs2005/mediaingest/internal/server/services"
	"github.com/gorilla/mux"
)

type fileRequest struct {
	Filename string `json:"filename"`
	MimeType string `json:"mimeType"`
}

type multipartRequest struct {
	Key        string             `json:"key"`
	UploadID   string             `json:"uploadId"`
	PartNumber int32              `json:"partNumber,omitempty"`
	Parts      []objectstore.Part `json:"parts,omitempty"`
}

type completeResponse struct {
	Key      string `json:"key"`
	Location string `json:"location"`
}

var errNoObjectStore = fmt.Errorf("%w: object store is not configured", common.ErrValidation)

// objectStoreCall decodes the JSON body into req and runs fn with the path
// token, writing its result with status.
func objectStoreCall[T any](h *Handler, w http.ResponseWriter, r *http.Request, status int, fn func(token string, req T) (any, error)) {
	if h.multipart == nil {
		h.writeError(w, r, errNoObjectStore)
		return
	}
	var req T
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := fn(mux.Vars(r)["token"], req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if res == nil {
		w.WriteHeader(status)
		return
	}
	writeJSON(w, status, res)
}

func (h *Handler) singleUpload(w http.ResponseWriter, r *http.Request) {
	objectStoreCall(h, w, r, http.StatusOK, func(token string, req fileRequest) (any, error) {
		return h.multipart.SingleUploadURL(r.Context(), token, req.Filename, req.MimeType)
	})
}

func (h *Handler) initiateMultipart(w http.ResponseWriter, r *http.Request) {
	objectStoreCall(h, w, r, http.StatusCreated, func(token string, req fileRequest) (any, error) {
		return h.multipart.Initiate(r.Context(), token, req.Filename, req.MimeType)
	})
}

func (h *Handler) partAuthorization(w http.ResponseWriter, r *http.Request) {
	objectStoreCall(h, w, r, http.StatusOK, func(token string, req multipartRequest) (any, error) {
		return h.multipart.PartAuthorization(r.Context(), token, req.Key, req.UploadID, req.PartNumber)
	})
}

func (h *Handler) completeMultipart(w http.ResponseWriter, r *http.Request) {
	objectStoreCall(h, w, r, http.StatusOK, func(token string, req multipartRequest) (any, error) {
		loc, err := h.multipart.Complete(r.Context(), token, req.Key, req.UploadID, req.Parts)
		if err != nil {
			return nil, err
		}
		return completeResponse{Key: req.Key, Location: loc}, nil
	})
}

func (h *Handler) abortMultipart(w http.ResponseWriter, r *http.Request) {
	objectStoreCall(h, w, r, http.StatusNoContent, func(token string, req multipartRequest) (any, error) {
		return nil, h.multipart.Abort(r.Context(), token, req.Key, req.UploadID)
	})
}

// callback answers 201 for a new record and 200 when the object turned out
// to be a duplicate of an existing one.
func (h *Handler) callback(w http.ResponseWriter, r *http.Request) {
	if h.multipart == nil {
		h.writeError(w, r, errNoObjectStore)
		return
	}
	var req services.CallbackRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.multipart.Callback(r.Context(), mux.Vars(r)["token"], req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}
