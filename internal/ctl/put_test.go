package ctl

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/dmitrijs2005/mediaingest/internal/server/models"
	"github.com/dmitrijs2005/mediaingest/internal/server/objectstore"
	"github.com/dmitrijs2005/mediaingest/internal/server/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeIngest serves the presign and callback routes and stands in for the
// object store behind the presigned URL.
type fakeIngest struct {
	mu        sync.Mutex
	objects   map[string][]byte
	callbacks []services.CallbackRequest
	duplicate bool
}

func newFakeIngest(t *testing.T) (*fakeIngest, *httptest.Server) {
	t.Helper()
	f := &fakeIngest{objects: make(map[string][]byte)}
	mux := http.NewServeMux()
	var ts *httptest.Server

	mux.HandleFunc("POST /api/upload/tok/s3/single", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		_ = json.NewDecoder(r.Body).Decode(&req)
		key := "ACM/Launch/" + req["filename"]
		_ = json.NewEncoder(w).Encode(services.SingleUpload{
			Key: key,
			Request: &objectstore.PresignedRequest{
				URL:     ts.URL + "/bucket/" + key,
				Method:  http.MethodPut,
				Headers: http.Header{"Content-Type": {req["mimeType"]}},
			},
		})
	})
	mux.HandleFunc("PUT /bucket/{key...}", func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.objects[r.PathValue("key")] = b
		f.mu.Unlock()
	})
	mux.HandleFunc("POST /api/upload/tok/s3/callback", func(w http.ResponseWriter, r *http.Request) {
		var req services.CallbackRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.callbacks = append(f.callbacks, req)
		f.mu.Unlock()
		status := http.StatusCreated
		if f.duplicate {
			status = http.StatusOK
		}
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(services.DirectResult{
			File:      &models.UploadedFile{ID: "file-1", Location: req.Key},
			Duplicate: f.duplicate,
		})
	})
	mux.HandleFunc("POST /api/upload/expired/s3/single", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = io.WriteString(w, `{"error":"upload link expired"}`)
	})

	ts = httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	prev := httpClient
	httpClient = ts.Client()
	t.Cleanup(func() { httpClient = prev })
	return f, ts
}

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestPut(t *testing.T) {
	f, ts := newFakeIngest(t)
	p := writeTemp(t, "clip.mp4", "frames")

	out, err := run(t, "put", "--server", ts.URL, "--token", "tok", p)
	require.NoError(t, err)
	assert.Contains(t, out, "stored as file-1 (ACM/Launch/clip.mp4)")

	assert.Equal(t, "frames", string(f.objects["ACM/Launch/clip.mp4"]))
	require.Len(t, f.callbacks, 1)
	cb := f.callbacks[0]
	assert.Equal(t, "ACM/Launch/clip.mp4", cb.Key)
	assert.Equal(t, int64(6), cb.Size)
	assert.Equal(t, "clip.mp4", cb.Filename)

	hash, err := services.HashFile(p)
	require.NoError(t, err)
	assert.Equal(t, hash, cb.Hash)
}

func TestPut_Duplicate(t *testing.T) {
	f, ts := newFakeIngest(t)
	f.duplicate = true

	out, err := run(t, "put", "-s", ts.URL, "-t", "tok", writeTemp(t, "a.bin", "x"))
	require.NoError(t, err)
	assert.Contains(t, out, "duplicate of file-1")
}

func TestPut_RejectedLink(t *testing.T) {
	f, ts := newFakeIngest(t)

	_, err := run(t, "put", "-s", ts.URL, "-t", "expired", writeTemp(t, "a.bin", "x"))
	assert.ErrorContains(t, err, "upload link expired")
	assert.Empty(t, f.objects)
	assert.Empty(t, f.callbacks)
}

func TestPut_MissingFile(t *testing.T) {
	_, ts := newFakeIngest(t)

	_, err := run(t, "put", "-s", ts.URL, "-t", "tok", filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestPut_RequiresToken(t *testing.T) {
	_, err := run(t, "put", "a.bin")
	assert.ErrorContains(t, err, "token")
}
