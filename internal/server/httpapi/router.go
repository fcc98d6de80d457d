package httpapi

import (
	"net/http"

	"github.com/dmitrijs2005/mediaingest/internal/logging"
	"github.com/dmitrijs2005/mediaingest/internal/server/metrics"
	"github.com/dmitrijs2005/mediaingest/internal/server/notify"
	"github.com/dmitrijs2005/mediaingest/internal/server/services"
	"github.com/dmitrijs2005/mediaingest/internal/server/tracker"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
)

// Options configures the request handling that is not part of a service.
type Options struct {
	AdminSecret string
	// TempDir receives direct-upload parts while they are streamed in.
	TempDir        string
	MaxUploadBytes int64
	CORSOrigins    []string
}

// Handler holds the dependencies of the HTTP endpoints. Multipart may be
// nil when no object store is configured.
type Handler struct {
	links       *services.LinkService
	webhook     *services.WebhookService
	direct      *services.DirectUploadService
	multipart   *services.MultipartService
	progress    *services.ProgressService
	tracker     *tracker.Tracker
	broadcaster notify.Broadcaster
	metrics     *metrics.Metrics
	log         logging.Logger
	opts        Options
}

type Services struct {
	Links     *services.LinkService
	Webhook   *services.WebhookService
	Direct    *services.DirectUploadService
	Multipart *services.MultipartService
	Progress  *services.ProgressService
}

func NewHandler(svc Services, t *tracker.Tracker, b notify.Broadcaster, m *metrics.Metrics, l logging.Logger, opts Options) *Handler {
	return &Handler{
		links:       svc.Links,
		webhook:     svc.Webhook,
		direct:      svc.Direct,
		multipart:   svc.Multipart,
		progress:    svc.Progress,
		tracker:     t,
		broadcaster: b,
		metrics:     m,
		log:         l.With("module", "http"),
		opts:        opts,
	}
}

// Router returns the routed, instrumented and CORS-wrapped handler.
func (h *Handler) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(h.instrument)

	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	r.Handle("/metrics", h.metrics.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/hooks/tus", h.hook).Methods(http.MethodPost)
	api.HandleFunc("/upload-links/{token}", h.validateLink).Methods(http.MethodGet)
	api.HandleFunc("/uploads/{id}/status", h.uploadStatus).Methods(http.MethodGet)

	up := api.PathPrefix("/upload/{token}").Subrouter()
	up.HandleFunc("/files", h.directUpload).Methods(http.MethodPost)
	up.HandleFunc("/progress", h.reportProgress).Methods(http.MethodPost)
	up.HandleFunc("/s3/single", h.singleUpload).Methods(http.MethodPost)
	up.HandleFunc("/s3/multipart", h.initiateMultipart).Methods(http.MethodPost)
	up.HandleFunc("/s3/multipart/part", h.partAuthorization).Methods(http.MethodPost)
	up.HandleFunc("/s3/multipart/complete", h.completeMultipart).Methods(http.MethodPost)
	up.HandleFunc("/s3/multipart/abort", h.abortMultipart).Methods(http.MethodPost)
	up.HandleFunc("/s3/callback", h.callback).Methods(http.MethodPost)

	admin := api.PathPrefix("/admin").Subrouter()
	admin.Use(h.requireAdmin)
	admin.HandleFunc("/uploads", h.listUploads).Methods(http.MethodGet)
	admin.HandleFunc("/uploads/stream", h.streamUploads).Methods(http.MethodGet)

	c := cors.New(cors.Options{
		AllowedOrigins: h.opts.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	})
	return c.Handler(r)
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
