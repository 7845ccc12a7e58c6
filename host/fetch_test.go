package host

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func waitRequest(t *testing.T, req Request) {
	t.Helper()
	done := make(chan struct{})
	req.OnComplete(func() { close(done) })
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("request %s never completed", req.URL())
	}
}

func TestHTTPFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("payload"))
	}))
	defer srv.Close()

	f := &HTTPFetcher{Client: srv.Client()}

	tests := []struct {
		name   string
		path   string
		status int
		body   string
	}{
		{"ok", "/mem", 200, "payload"},
		{"not found", "/missing", 404, "404 page not found\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := f.Fetch(context.Background(), srv.URL+tt.path)
			waitRequest(t, req)
			if req.Err() != nil {
				t.Fatalf("Err = %v", req.Err())
			}
			if req.Status() != tt.status {
				t.Errorf("Status = %d, want %d", req.Status(), tt.status)
			}
			if string(req.Body()) != tt.body {
				t.Errorf("Body = %q, want %q", req.Body(), tt.body)
			}
		})
	}
}

func TestHTTPFetcherMaxBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 64))
	}))
	defer srv.Close()

	f := &HTTPFetcher{Client: srv.Client(), MaxBody: 16}
	req := f.Fetch(context.Background(), srv.URL)
	waitRequest(t, req)
	if req.Err() == nil {
		t.Fatal("expected error for oversized body")
	}
}

func TestFileFetcherAndMux(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "init.mem"), []byte{1, 2, 3}, 0o644); err != nil {
		t.Fatal(err)
	}

	m := NewMux(nil, dir)

	if !m.CanReadSync("init.mem") {
		t.Error("relative path should be readable synchronously")
	}
	if m.CanReadSync("https://example.com/init.mem") {
		t.Error("https should not be readable synchronously")
	}

	body, err := m.ReadSync("init.mem")
	if err != nil || len(body) != 3 {
		t.Fatalf("ReadSync = %v, %v", body, err)
	}

	req := m.Fetch(context.Background(), "file://"+filepath.Join(dir, "init.mem"))
	waitRequest(t, req)
	if req.Err() != nil || req.Status() != 0 || len(req.Body()) != 3 {
		t.Errorf("file fetch = status %d body %v err %v", req.Status(), req.Body(), req.Err())
	}

	req = m.Fetch(context.Background(), "gopher://host/x")
	waitRequest(t, req)
	if req.Err() == nil {
		t.Error("unknown scheme should fail")
	}

	if _, err := m.ReadSync("missing.mem"); err == nil {
		t.Error("missing file should fail")
	}
}

func TestExitRecorder(t *testing.T) {
	r := NewExitRecorder()
	r.Exit(7, true)
	r.Exit(1, false)

	select {
	case <-r.Done():
	default:
		t.Fatal("Done not closed")
	}
	code, implicit := r.Code()
	if code != 7 || !implicit {
		t.Errorf("Code = %d, %v; want 7, true", code, implicit)
	}
}
