package netx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestUploadPresigned(t *testing.T) {
	file := []byte("hello, s3")

	t.Run("success 200 OK", func(t *testing.T) {
		var gotBody []byte
		var gotCT, gotMethod, gotSigned string
		var gotLen int64

		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotMethod = r.Method
			gotCT = r.Header.Get("Content-Type")
			gotSigned = r.Header.Get("X-Amz-Meta-Test")
			gotLen = r.ContentLength
			body, _ := io.ReadAll(r.Body)
			_ = r.Body.Close()
			gotBody = body
			w.WriteHeader(http.StatusOK)
		}))
		defer ts.Close()

		header := http.Header{"X-Amz-Meta-Test": {"1"}}
		err := UploadPresigned(context.Background(), ts.Client(), "", ts.URL+"/some/presigned?X-Amz-Signature=abc",
			header, bytes.NewReader(file), int64(len(file)))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if gotMethod != http.MethodPut {
			t.Fatalf("method = %q, want PUT", gotMethod)
		}
		if gotCT != "application/octet-stream" {
			t.Fatalf("Content-Type = %q, want application/octet-stream", gotCT)
		}
		if gotSigned != "1" {
			t.Fatalf("signed header not forwarded")
		}
		if gotLen != int64(len(file)) {
			t.Fatalf("ContentLength = %d, want %d", gotLen, len(file))
		}
		if !bytes.Equal(gotBody, file) {
			t.Fatalf("body = %q, want %q", string(gotBody), string(file))
		}
	})

	t.Run("non-2xx -> error", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
		}))
		defer ts.Close()

		err := UploadPresigned(context.Background(), ts.Client(), http.MethodPut, ts.URL, nil, bytes.NewReader(file), int64(len(file)))
		var se *StatusError
		if !errors.As(err, &se) || se.Code != http.StatusForbidden {
			t.Fatalf("error = %v, want StatusError 403", err)
		}
		if !strings.Contains(err.Error(), "403") {
			t.Fatalf("error = %q, want to contain 403", err.Error())
		}
	})

	t.Run("network error", func(t *testing.T) {
		ts := httptest.NewServer(http.NotFoundHandler())
		ts.Close()

		err := UploadPresigned(context.Background(), http.DefaultClient, "", ts.URL, nil, bytes.NewReader(file), int64(len(file)))
		if err == nil {
			t.Fatal("expected error, got nil")
		}
		var se *StatusError
		if errors.As(err, &se) {
			t.Fatalf("got wrong kind of error: %v", err)
		}
	})
}

func TestPostJSON(t *testing.T) {
	type reply struct {
		Key string `json:"key"`
	}

	t.Run("decodes reply", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Content-Type") != "application/json" {
				t.Errorf("Content-Type = %q", r.Header.Get("Content-Type"))
			}
			var in map[string]string
			_ = json.NewDecoder(r.Body).Decode(&in)
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(reply{Key: "k/" + in["filename"]})
		}))
		defer ts.Close()

		var out reply
		code, err := PostJSON(context.Background(), ts.Client(), ts.URL, map[string]string{"filename": "a.mp4"}, &out)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if code != http.StatusCreated || out.Key != "k/a.mp4" {
			t.Fatalf("got %d %q", code, out.Key)
		}
	})

	t.Run("error body is kept", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"error":"link expired"}`, http.StatusForbidden)
		}))
		defer ts.Close()

		code, err := PostJSON(context.Background(), ts.Client(), ts.URL, struct{}{}, nil)
		if code != http.StatusForbidden {
			t.Fatalf("code = %d", code)
		}
		if err == nil || !strings.Contains(err.Error(), "link expired") {
			t.Fatalf("error = %v", err)
		}
	})
}
