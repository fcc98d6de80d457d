package services

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dmitrijs2005/mediaingest/internal/common"
	"github.com/dmitrijs2005/mediaingest/internal/server/metrics"
	"github.com/dmitrijs2005/mediaingest/internal/server/models"
	"github.com/dmitrijs2005/mediaingest/internal/server/tracker"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tus/tusd/v2/pkg/handler"
	"github.com/tus/tusd/v2/pkg/hooks"
)

func newWebhookService(t *testing.T, f *fixture, txs int) (*WebhookService, *tracker.Tracker) {
	t.Helper()
	db, mock := newTxDB(t, txs)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
	})
	tr := tracker.New()
	s := NewWebhookService(db, f.rm, f.links, tr, nopLogger{}, f.metrics, WebhookConfig{
		LinksDir:             t.TempDir(),
		DisallowedExtensions: []string{".exe", ".sh"},
	})
	s.now = func() time.Time { return f.now }
	return s, tr
}

func upload(id string, size, offset int64, md map[string]string) handler.FileInfo {
	return handler.FileInfo{
		ID:       id,
		Size:     size,
		Offset:   offset,
		MetaData: md,
		Storage:  map[string]string{"Type": "s3store", "Bucket": "uploads", "Key": "ACM/Launch/" + id},
	}
}

func TestNewHookEvent_Defaults(t *testing.T) {
	tests := []struct {
		name string
		md   map[string]string
		want UploadMeta
	}{
		{
			name: "empty metadata",
			md:   nil,
			want: UploadMeta{Filename: "u1", FileType: defaultMimeType},
		},
		{
			name: "alternative keys",
			md:   map[string]string{"name": "a.mov", "type": "video/quicktime"},
			want: UploadMeta{Filename: "a.mov", FileType: "video/quicktime"},
		},
		{
			name: "default project is absent",
			md:   map[string]string{"filename": "b.mp4", "filetype": "video/mp4", "projectId": "default", "token": "t"},
			want: UploadMeta{Filename: "b.mp4", FileType: "video/mp4", Token: "t"},
		},
		{
			name: "labels pass through",
			md:   map[string]string{"filename": "c.wav", "projectId": "p", "clientName": "Acme", "projectName": "Launch"},
			want: UploadMeta{Filename: "c.wav", FileType: defaultMimeType, ProjectID: "p", ClientName: "Acme", ProjectName: "Launch"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := NewHookEvent(hooks.HookPostCreate, upload("u1", 10, 0, tt.md))
			assert.Equal(t, tt.want, ev.Meta)
		})
	}
}

func TestWebhook_PreCreate(t *testing.T) {
	f := newFixture()
	f.store.addLink("ok", f.project, f.now.Add(time.Hour), nil)
	f.store.addLink("used", f.project, f.now.Add(time.Hour), intPtr(1)).UsedCount = 1
	s, _ := newWebhookService(t, f, 0)

	tests := []struct {
		name    string
		md      map[string]string
		wantErr error
	}{
		{"accepted", map[string]string{"filename": "a.mp4", "token": "ok"}, nil},
		{"no token no project", map[string]string{"filename": "a.mp4"}, nil},
		{"known project", map[string]string{"filename": "a.mp4", "projectId": f.project.ID}, nil},
		{"disallowed extension", map[string]string{"filename": "run.EXE", "token": "ok"}, common.ErrValidation},
		{"unknown project", map[string]string{"filename": "a.mp4", "projectId": "missing"}, common.ErrNotFound},
		{"exhausted link", map[string]string{"filename": "a.mp4", "token": "used"}, common.ErrLinkUnusable},
		{"unknown link", map[string]string{"filename": "a.mp4", "token": "nope"}, common.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Handle(context.Background(), NewHookEvent(hooks.HookPreCreate, upload("u", 1, 0, tt.md)))
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
	assert.Equal(t, 0, f.store.fileCount(), "pre-create has no side effects")
}

func TestWebhook_Lifecycle_ConsumesOnce(t *testing.T) {
	f := newFixture()
	f.store.addLink("tok", f.project, f.now.Add(time.Hour), intPtr(5))
	s, tr := newWebhookService(t, f, 2)
	ctx := context.Background()
	md := map[string]string{"filename": "clip.mp4", "filetype": "video/mp4", "token": "tok"}

	require.NoError(t, s.Handle(ctx, NewHookEvent(hooks.HookPostCreate, upload("u1", 1000, 0, md))))
	require.NoError(t, s.Handle(ctx, NewHookEvent(hooks.HookPostCreate, upload("u1", 1000, 0, md))))
	assert.Equal(t, 1, f.store.fileCount(), "retried post-create is a no-op")

	rec := f.store.fileByUploadID("u1")
	require.NotNil(t, rec)
	assert.Equal(t, models.FileStatusUploading, rec.Status)
	assert.Equal(t, f.project.ID, rec.ProjectID)
	assert.Equal(t, models.StorageObjectStore, rec.StorageKind)

	require.NoError(t, s.Handle(ctx, NewHookEvent(hooks.HookPostReceive, upload("u1", 1000, 400, md))))
	snap, ok := tr.Get("u1")
	require.True(t, ok)
	assert.Equal(t, int64(400), snap.Offset)
	assert.Equal(t, "Acme", snap.Meta.ClientName)
	assert.Equal(t, "Launch", snap.Meta.ProjectName)

	require.NoError(t, s.Handle(ctx, NewHookEvent(hooks.HookPostFinish, upload("u1", 1000, 1000, md))))
	require.NoError(t, s.Handle(ctx, NewHookEvent(hooks.HookPostFinish, upload("u1", 1000, 1000, md))))

	rec = f.store.fileByUploadID("u1")
	assert.Equal(t, models.FileStatusCompleted, rec.Status)
	assert.Equal(t, "ACM/Launch/u1", rec.Location)
	assert.Equal(t, "uploads", rec.Bucket)
	assert.Equal(t, 1, f.store.used("tok"), "duplicate post-finish must not consume twice")

	snap, _ = tr.Get("u1")
	assert.True(t, snap.Done())
	assert.Equal(t, 100.0, snap.Percent())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.UploadsCompleted.WithLabelValues(metrics.PathResumable)))
}

func TestWebhook_PostFinish_LinkExhaustedStillCompletes(t *testing.T) {
	f := newFixture()
	f.store.addLink("tok", f.project, f.now.Add(time.Hour), intPtr(1))
	s, _ := newWebhookService(t, f, 2)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		md := map[string]string{"filename": id + ".mp4", "token": "tok"}
		require.NoError(t, s.Handle(ctx, NewHookEvent(hooks.HookPostCreate, upload(id, 10, 0, md))))
	}
	for _, id := range []string{"a", "b"} {
		md := map[string]string{"filename": id + ".mp4", "token": "tok"}
		require.NoError(t, s.Handle(ctx, NewHookEvent(hooks.HookPostFinish, upload(id, 10, 10, md))))
	}

	assert.Equal(t, models.FileStatusCompleted, f.store.fileByUploadID("a").Status)
	assert.Equal(t, models.FileStatusCompleted, f.store.fileByUploadID("b").Status)
	assert.Equal(t, 1, f.store.used("tok"))
}

func TestWebhook_PostFinish_WithoutCreate(t *testing.T) {
	f := newFixture()
	f.store.addLink("tok", f.project, f.now.Add(time.Hour), nil)
	s, tr := newWebhookService(t, f, 1)

	md := map[string]string{"filename": "late.mp4", "token": "tok"}
	require.NoError(t, s.Handle(context.Background(), NewHookEvent(hooks.HookPostFinish, upload("late", 50, 50, md))))

	rec := f.store.fileByUploadID("late")
	require.NotNil(t, rec)
	assert.Equal(t, models.FileStatusCompleted, rec.Status)
	assert.NotNil(t, rec.CompletedAt)
	assert.Equal(t, 1, f.store.used("tok"))

	snap, ok := tr.Get("late")
	require.True(t, ok)
	assert.True(t, snap.Done())
}

func TestWebhook_PostTerminate(t *testing.T) {
	f := newFixture()
	f.store.addLink("tok", f.project, f.now.Add(time.Hour), nil)
	s, tr := newWebhookService(t, f, 0)
	ctx := context.Background()
	md := map[string]string{"filename": "x.mp4", "token": "tok"}

	require.NoError(t, s.Handle(ctx, NewHookEvent(hooks.HookPostCreate, upload("x", 100, 0, md))))
	require.NoError(t, s.Handle(ctx, NewHookEvent(hooks.HookPostReceive, upload("x", 100, 30, md))))
	require.NoError(t, s.Handle(ctx, NewHookEvent(hooks.HookPostTerminate, upload("x", 100, 30, md))))

	assert.Equal(t, models.FileStatusCancelled, f.store.fileByUploadID("x").Status)
	assert.Equal(t, 0, f.store.used("tok"), "termination never consumes")

	snap, ok := tr.Get("x")
	require.True(t, ok)
	assert.True(t, snap.Done())
	assert.True(t, snap.Cancelled)
	assert.Equal(t, int64(30), snap.Offset)
}

func TestWebhook_TerminateAfterFinishKeepsCompleted(t *testing.T) {
	f := newFixture()
	s, _ := newWebhookService(t, f, 1)
	ctx := context.Background()
	md := map[string]string{"filename": "y.mp4"}

	require.NoError(t, s.Handle(ctx, NewHookEvent(hooks.HookPostCreate, upload("y", 10, 0, md))))
	require.NoError(t, s.Handle(ctx, NewHookEvent(hooks.HookPostFinish, upload("y", 10, 10, md))))
	require.NoError(t, s.Handle(ctx, NewHookEvent(hooks.HookPostTerminate, upload("y", 10, 10, md))))

	assert.Equal(t, models.FileStatusCompleted, f.store.fileByUploadID("y").Status)
}

func TestWebhook_PostFinish_FilestoreCreatesStableReference(t *testing.T) {
	f := newFixture()
	s, _ := newWebhookService(t, f, 1)

	target := filepath.Join(t.TempDir(), "u9")
	require.NoError(t, os.WriteFile(target, []byte("bytes"), 0o600))

	info := handler.FileInfo{
		ID:       "u9",
		Size:     5,
		Offset:   5,
		MetaData: map[string]string{"filename": "my clip.mp4"},
		Storage:  map[string]string{"Type": "filestore", "Path": target},
	}
	ctx := context.Background()
	require.NoError(t, s.Handle(ctx, NewHookEvent(hooks.HookPostCreate, info)))
	require.NoError(t, s.Handle(ctx, NewHookEvent(hooks.HookPostFinish, info)))

	rec := f.store.fileByUploadID("u9")
	assert.Equal(t, models.StorageLocal, rec.StorageKind)
	assert.Equal(t, filepath.Dir(rec.Location), s.cfg.LinksDir)

	got, err := os.Readlink(rec.Location)
	require.NoError(t, err)
	assert.Equal(t, target, got)
}

func TestWebhook_PostFinish_MissingTargetStillCompletes(t *testing.T) {
	f := newFixture()
	s, _ := newWebhookService(t, f, 1)

	info := handler.FileInfo{
		ID:       "gone",
		Size:     5,
		MetaData: map[string]string{"filename": "a.mp4"},
		Storage:  map[string]string{"Type": "filestore", "Path": filepath.Join(t.TempDir(), "missing")},
	}
	ctx := context.Background()
	require.NoError(t, s.Handle(ctx, NewHookEvent(hooks.HookPostCreate, info)))
	require.NoError(t, s.Handle(ctx, NewHookEvent(hooks.HookPostFinish, info)))

	assert.Equal(t, models.FileStatusCompleted, f.store.fileByUploadID("gone").Status)
}

func TestWebhook_UnknownTypeIsAccepted(t *testing.T) {
	f := newFixture()
	s, tr := newWebhookService(t, f, 0)

	err := s.Handle(context.Background(), NewHookEvent(hooks.HookType("pre-finish"), upload("z", 1, 0, nil)))
	assert.NoError(t, err)
	assert.Equal(t, 0, tr.Len())
}

func TestIsDisallowed(t *testing.T) {
	exts := []string{".exe", ".sh"}
	assert.True(t, IsDisallowed("a.exe", exts))
	assert.True(t, IsDisallowed("A.EXE", exts))
	assert.False(t, IsDisallowed("a.exe.mp4", exts))
	assert.False(t, IsDisallowed("Makefile", exts))
}
