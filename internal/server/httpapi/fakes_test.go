package httpapi

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dmitrijs2005/mediaingest/internal/common"
	"github.com/dmitrijs2005/mediaingest/internal/dbx"
	"github.com/dmitrijs2005/mediaingest/internal/logging"
	"github.com/dmitrijs2005/mediaingest/internal/server/metrics"
	"github.com/dmitrijs2005/mediaingest/internal/server/models"
	"github.com/dmitrijs2005/mediaingest/internal/server/notify"
	"github.com/dmitrijs2005/mediaingest/internal/server/repositories/files"
	"github.com/dmitrijs2005/mediaingest/internal/server/repositories/links"
	"github.com/dmitrijs2005/mediaingest/internal/server/repositories/projects"
	"github.com/dmitrijs2005/mediaingest/internal/server/services"
	"github.com/dmitrijs2005/mediaingest/internal/server/tracker"
)

type nopLogger struct{}

func (nopLogger) Debug(context.Context, string, ...any) {}
func (nopLogger) Info(context.Context, string, ...any)  {}
func (nopLogger) Warn(context.Context, string, ...any)  {}
func (nopLogger) Error(context.Context, string, ...any) {}
func (l nopLogger) With(...any) logging.Logger          { return l }

// store is a minimal in-memory backing for the repositories.
type store struct {
	mu       sync.Mutex
	links    map[string]*models.UploadLink
	projects map[string]*models.Project
	files    map[string]*models.UploadedFile
}

type linkRepo struct{ *store }

func (r linkRepo) GetByToken(_ context.Context, token string) (*models.UploadLink, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.links[token]; ok {
		c := *l
		return &c, nil
	}
	return nil, common.ErrNotFound
}

func (r linkRepo) Consume(_ context.Context, token string, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.links[token]
	if !ok || !l.Usable(now) {
		return false, nil
	}
	l.UsedCount++
	return true, nil
}

func (r linkRepo) Create(context.Context, *models.UploadLink) error { return nil }
func (r linkRepo) Deactivate(context.Context, string) error         { return nil }

type projectRepo struct{ *store }

func (r projectRepo) Create(_ context.Context, p *models.Project) (*models.Project, error) {
	return p, nil
}

func (r projectRepo) GetByID(_ context.Context, id string) (*models.Project, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.projects[id]; ok {
		return p, nil
	}
	return nil, common.ErrNotFound
}

type fileRepo struct{ *store }

func (r fileRepo) CreateUploading(_ context.Context, f *models.UploadedFile) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.files[f.UploadID]; ok {
		return false, nil
	}
	f.Status = models.FileStatusUploading
	r.files[f.UploadID] = f
	return true, nil
}

func (r fileRepo) Create(_ context.Context, f *models.UploadedFile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files[f.ID] = f
	return nil
}

func (r fileRepo) MarkCompleted(context.Context, string, string, string, time.Time) (bool, error) {
	return true, nil
}

func (r fileRepo) MarkCancelled(context.Context, string) (bool, error) { return true, nil }

func (r fileRepo) FindByHash(context.Context, string, string) (*models.UploadedFile, error) {
	return nil, common.ErrNotFound
}

func (r fileRepo) GetByUploadID(_ context.Context, id string) (*models.UploadedFile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.files[id]; ok {
		return f, nil
	}
	return nil, common.ErrNotFound
}

type repoManager struct{ *store }

func (m repoManager) RunMigrations(context.Context, *sql.DB) error { return nil }
func (m repoManager) Links(dbx.DBTX) links.Repository              { return linkRepo{m.store} }
func (m repoManager) Projects(dbx.DBTX) projects.Repository        { return projectRepo{m.store} }
func (m repoManager) Files(dbx.DBTX) files.Repository              { return fileRepo{m.store} }

const adminSecret = "test-secret"

type testEnv struct {
	handler     *Handler
	store       *store
	tracker     *tracker.Tracker
	broadcaster *notify.LocalBroadcaster
	mock        sqlmock.Sqlmock
	storageDir  string
	tempDir     string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	project := &models.Project{ID: "p1", Name: "Launch", ClientName: "Acme", ClientCode: "ACM"}
	st := &store{
		links: map[string]*models.UploadLink{
			"tok":     {Token: "tok", ProjectID: "p1", ExpiresAt: time.Now().Add(time.Hour), IsActive: true},
			"expired": {Token: "expired", ProjectID: "p1", ExpiresAt: time.Now().Add(-time.Hour), IsActive: true},
		},
		projects: map[string]*models.Project{"p1": project},
		files:    map[string]*models.UploadedFile{},
	}
	rm := repoManager{st}
	m := metrics.New()
	tr := tracker.New()
	log := nopLogger{}
	ls := services.NewLinkService(db, rm, log, m)

	env := &testEnv{store: st, tracker: tr, mock: mock, storageDir: t.TempDir(), tempDir: t.TempDir()}
	env.broadcaster = notify.NewLocalBroadcaster(8)
	svc := Services{
		Links: ls,
		Webhook: services.NewWebhookService(db, rm, ls, tr, log, m, services.WebhookConfig{
			LinksDir:             t.TempDir(),
			DisallowedExtensions: []string{".exe"},
		}),
		Direct: services.NewDirectUploadService(db, rm, ls, nil, tr, log, m, services.DirectConfig{
			StorageDir:   env.storageDir,
			PublicPrefix: "/files",
		}),
		Progress: services.NewProgressService(ls, tr, log),
	}
	env.handler = NewHandler(svc, tr, env.broadcaster, m, log, Options{
		AdminSecret:    adminSecret,
		TempDir:        env.tempDir,
		MaxUploadBytes: 1 << 20,
		CORSOrigins:    []string{"*"},
	})
	return env
}
