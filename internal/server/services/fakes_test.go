package services

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dmitrijs2005/mediaingest/internal/common"
	"github.com/dmitrijs2005/mediaingest/internal/dbx"
	"github.com/dmitrijs2005/mediaingest/internal/logging"
	"github.com/dmitrijs2005/mediaingest/internal/server/metrics"
	"github.com/dmitrijs2005/mediaingest/internal/server/models"
	"github.com/dmitrijs2005/mediaingest/internal/server/objectstore"
	"github.com/dmitrijs2005/mediaingest/internal/server/repositories/files"
	"github.com/dmitrijs2005/mediaingest/internal/server/repositories/links"
	"github.com/dmitrijs2005/mediaingest/internal/server/repositories/projects"
	"github.com/google/uuid"
)

// --- logger ---

type nopLogger struct{}

func (nopLogger) Debug(context.Context, string, ...any) {}
func (nopLogger) Info(context.Context, string, ...any)  {}
func (nopLogger) Warn(context.Context, string, ...any)  {}
func (nopLogger) Error(context.Context, string, ...any) {}
func (l nopLogger) With(...any) logging.Logger          { return l }

// --- in-memory repositories ---

type memStore struct {
	mu       sync.Mutex
	links    map[string]*models.UploadLink
	projects map[string]*models.Project
	files    []*models.UploadedFile

	createErr error
	// concurrent is committed by "another request" on the next Create of the
	// same project and hash, which then fails like the unique index would.
	concurrent *models.UploadedFile
}

func newMemStore() *memStore {
	return &memStore{
		links:    make(map[string]*models.UploadLink),
		projects: make(map[string]*models.Project),
	}
}

func (s *memStore) addProject(name, client, code string) *models.Project {
	p := &models.Project{ID: uuid.NewString(), Name: name, ClientName: client, ClientCode: code}
	s.projects[p.ID] = p
	return p
}

func (s *memStore) addLink(token string, p *models.Project, expires time.Time, maxUses *int) *models.UploadLink {
	l := &models.UploadLink{ID: uuid.NewString(), Token: token, ProjectID: p.ID, ExpiresAt: expires, MaxUses: maxUses, IsActive: true}
	s.links[token] = l
	return l
}

func (s *memStore) used(token string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.links[token].UsedCount
}

func (s *memStore) fileByUploadID(id string) *models.UploadedFile {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.files {
		if f.UploadID == id {
			c := *f
			return &c
		}
	}
	return nil
}

func (s *memStore) fileCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.files)
}

type memLinks struct{ s *memStore }

func (r memLinks) GetByToken(_ context.Context, token string) (*models.UploadLink, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	l, ok := r.s.links[token]
	if !ok {
		return nil, common.ErrNotFound
	}
	c := *l
	return &c, nil
}

func (r memLinks) Consume(_ context.Context, token string, now time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	l, ok := r.s.links[token]
	if !ok || !l.IsActive || !now.Before(l.ExpiresAt) || (l.MaxUses != nil && l.UsedCount >= *l.MaxUses) {
		return false, nil
	}
	l.UsedCount++
	return true, nil
}

func (r memLinks) Create(_ context.Context, l *models.UploadLink) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.links[l.Token] = l
	return nil
}

func (r memLinks) Deactivate(_ context.Context, token string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	l, ok := r.s.links[token]
	if !ok {
		return common.ErrNotFound
	}
	l.IsActive = false
	return nil
}

type memProjects struct{ s *memStore }

func (r memProjects) Create(_ context.Context, p *models.Project) (*models.Project, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.projects[p.ID] = p
	return p, nil
}

func (r memProjects) GetByID(_ context.Context, id string) (*models.Project, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.projects[id]
	if !ok {
		return nil, common.ErrNotFound
	}
	return p, nil
}

type memFiles struct{ s *memStore }

func (r memFiles) CreateUploading(_ context.Context, f *models.UploadedFile) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, e := range r.s.files {
		if e.UploadID == f.UploadID {
			return false, nil
		}
	}
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	f.Status = models.FileStatusUploading
	c := *f
	r.s.files = append(r.s.files, &c)
	return true, nil
}

func (r memFiles) Create(_ context.Context, f *models.UploadedFile) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.createErr != nil {
		return r.s.createErr
	}
	if c := r.s.concurrent; c != nil && c.ProjectID == f.ProjectID && c.ContentHash == f.ContentHash {
		r.s.files = append(r.s.files, c)
		r.s.concurrent = nil
		return common.ErrDuplicateContent
	}
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	c := *f
	r.s.files = append(r.s.files, &c)
	return nil
}

func (r memFiles) MarkCompleted(_ context.Context, uploadID, location, bucket string, at time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, f := range r.s.files {
		if f.UploadID == uploadID && f.Status == models.FileStatusUploading {
			f.Status = models.FileStatusCompleted
			f.Location, f.Bucket = location, bucket
			t := at
			f.CompletedAt = &t
			return true, nil
		}
	}
	return false, nil
}

func (r memFiles) MarkCancelled(_ context.Context, uploadID string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, f := range r.s.files {
		if f.UploadID == uploadID && f.Status == models.FileStatusUploading {
			f.Status = models.FileStatusCancelled
			return true, nil
		}
	}
	return false, nil
}

func (r memFiles) FindByHash(_ context.Context, projectID, hash string) (*models.UploadedFile, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, f := range r.s.files {
		if f.ProjectID == projectID && f.ContentHash == hash && f.Status == models.FileStatusCompleted {
			c := *f
			return &c, nil
		}
	}
	return nil, common.ErrNotFound
}

func (r memFiles) GetByUploadID(_ context.Context, uploadID string) (*models.UploadedFile, error) {
	if f := r.s.fileByUploadID(uploadID); f != nil {
		return f, nil
	}
	return nil, common.ErrNotFound
}

type memRepoManager struct{ s *memStore }

func (m *memRepoManager) RunMigrations(context.Context, *sql.DB) error { return nil }
func (m *memRepoManager) Links(dbx.DBTX) links.Repository              { return memLinks{m.s} }
func (m *memRepoManager) Projects(dbx.DBTX) projects.Repository        { return memProjects{m.s} }
func (m *memRepoManager) Files(dbx.DBTX) files.Repository              { return memFiles{m.s} }

// newTxDB returns a sqlmock database that accepts any number of committed
// transactions.
func newTxDB(t *testing.T, txs int) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	for i := 0; i < txs; i++ {
		mock.ExpectBegin()
		mock.ExpectCommit()
	}
	return db, mock
}

// --- object store ---

type fakeStore struct {
	mu        sync.Mutex
	objects   map[string][]byte
	deleted   []string
	completed []objectstore.Part
	aborted   int

	putErr, completeErr, abortErr error
}

func newFakeStore() *fakeStore { return &fakeStore{objects: make(map[string][]byte)} }

func (f *fakeStore) Bucket() string { return "uploads" }

func (f *fakeStore) Put(_ context.Context, key, _ string, body io.Reader, _ int64) error {
	if f.putErr != nil {
		return fmt.Errorf("%w: %w", common.ErrStorage, f.putErr)
	}
	b, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = b
	return nil
}

func (f *fakeStore) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	f.deleted = append(f.deleted, key)
	return nil
}

func (f *fakeStore) PresignPut(_ context.Context, key, _ string) (*objectstore.PresignedRequest, error) {
	return &objectstore.PresignedRequest{URL: "https://s3/" + key, Method: "PUT"}, nil
}

func (f *fakeStore) CreateMultipart(_ context.Context, key, _ string) (string, error) {
	return "mpu-" + key, nil
}

func (f *fakeStore) PresignPart(_ context.Context, key, uploadID string, n int32) (*objectstore.PresignedRequest, error) {
	return &objectstore.PresignedRequest{URL: fmt.Sprintf("https://s3/%s?uploadId=%s&partNumber=%d", key, uploadID, n), Method: "PUT"}, nil
}

func (f *fakeStore) CompleteMultipart(_ context.Context, key, _ string, parts []objectstore.Part) (string, error) {
	if f.completeErr != nil {
		return "", f.completeErr
	}
	f.completed = parts
	return "http://s3/uploads/" + key, nil
}

func (f *fakeStore) AbortMultipart(context.Context, string, string) error {
	f.aborted++
	return f.abortErr
}

// --- fixtures ---

func intPtr(v int) *int { return &v }

type fixture struct {
	store   *memStore
	rm      *memRepoManager
	links   *LinkService
	metrics *metrics.Metrics
	project *models.Project
	now     time.Time
}

func newFixture() *fixture {
	st := newMemStore()
	rm := &memRepoManager{s: st}
	m := metrics.New()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	ls := NewLinkService(nil, rm, nopLogger{}, m)
	ls.now = func() time.Time { return now }
	return &fixture{
		store:   st,
		rm:      rm,
		links:   ls,
		metrics: m,
		project: st.addProject("Launch", "Acme", "ACM"),
		now:     now,
	}
}
