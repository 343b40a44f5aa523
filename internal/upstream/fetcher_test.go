package upstream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/package-cache/package-cache/internal/cache"
	"github.com/package-cache/package-cache/internal/version"
)

func TestSourceURLJoinsAndEscapes(t *testing.T) {
	cases := []struct {
		source string
		key    cache.Key
		want   string
	}{
		{"https://a.example", "pkgs/foo-1.0.tar.gz", "https://a.example/pkgs/foo-1.0.tar.gz"},
		{"https://a.example/", "pkgs/foo-1.0.tar.gz", "https://a.example/pkgs/foo-1.0.tar.gz"},
		{"https://a.example/mirror//", "x.tgz", "https://a.example/mirror/x.tgz"},
		{"https://a.example", "dir/with space.tgz", "https://a.example/dir/with%20space.tgz"},
		{"https://a.example", "scoped/@types%2Fnode", "https://a.example/scoped/@types%252Fnode"},
	}
	for _, tc := range cases {
		if got := SourceURL(tc.source, tc.key); got != tc.want {
			t.Fatalf("SourceURL(%q, %q) = %q, want %q", tc.source, tc.key, got, tc.want)
		}
	}
}

func TestFetcherWritesBodyAndLastModified(t *testing.T) {
	modified := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	var gotUA, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotPath = r.URL.Path
		w.Header().Set("Last-Modified", modified.Format(http.TimeFormat))
		_, _ = io.WriteString(w, "tarball-bytes")
	}))
	defer srv.Close()

	tempPath := filepath.Join(t.TempDir(), "download.part")
	fetcher := NewFetcher(srv.Client(), quietLogger())
	result, err := fetcher.Fetch(context.Background(), srv.URL, "pkgs/foo-1.0.tar.gz", tempPath)
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	if gotPath != "/pkgs/foo-1.0.tar.gz" {
		t.Fatalf("unexpected upstream path %s", gotPath)
	}
	if gotUA != version.UserAgent() {
		t.Fatalf("user agent mismatch: %s", gotUA)
	}
	if result.Written != int64(len("tarball-bytes")) {
		t.Fatalf("written mismatch: %d", result.Written)
	}
	if !result.LastModified.Equal(modified) {
		t.Fatalf("last modified mismatch: %v", result.LastModified)
	}
	body, err := os.ReadFile(tempPath)
	if err != nil {
		t.Fatalf("read temp file: %v", err)
	}
	if string(body) != "tarball-bytes" {
		t.Fatalf("temp body mismatch: %s", string(body))
	}
}

func TestFetcherTruncatesExistingTempFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "new")
	}))
	defer srv.Close()

	tempPath := filepath.Join(t.TempDir(), "download.part")
	if err := os.WriteFile(tempPath, []byte("stale-and-longer"), 0o644); err != nil {
		t.Fatalf("seed temp file: %v", err)
	}
	if _, err := NewFetcher(srv.Client(), quietLogger()).Fetch(context.Background(), srv.URL, "a", tempPath); err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	body, _ := os.ReadFile(tempPath)
	if string(body) != "new" {
		t.Fatalf("temp file should be truncated, got %q", string(body))
	}
}

func TestFetcherNon2xxReturnsOriginError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewFetcher(srv.Client(), quietLogger()).Fetch(context.Background(), srv.URL, "missing.tgz", filepath.Join(t.TempDir(), "x.part"))
	var originErr *OriginError
	if !errors.As(err, &originErr) {
		t.Fatalf("expected OriginError, got %v", err)
	}
	if originErr.StatusCode != http.StatusNotFound || originErr.Reason != "Not Found" {
		t.Fatalf("unexpected status %d %q", originErr.StatusCode, originErr.Reason)
	}
	if originErr.Source != srv.URL || !strings.HasSuffix(originErr.URL, "/missing.tgz") {
		t.Fatalf("origin error should carry source and url: %+v", originErr)
	}
}

func TestFetcherTransportErrorHasNoStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	source := srv.URL
	srv.Close()

	_, err := NewFetcher(&http.Client{Timeout: time.Second}, quietLogger()).Fetch(context.Background(), source, "a.tgz", filepath.Join(t.TempDir(), "x.part"))
	var originErr *OriginError
	if !errors.As(err, &originErr) {
		t.Fatalf("expected OriginError, got %v", err)
	}
	if originErr.StatusCode != 0 || originErr.Err == nil {
		t.Fatalf("transport failure should have no status and wrap cause: %+v", originErr)
	}
}

func TestFetcherDetectsShortBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hj, ok := w.(http.Hijacker)
		if !ok {
			t.Errorf("hijack unsupported")
			return
		}
		conn, buf, err := hj.Hijack()
		if err != nil {
			t.Errorf("hijack: %v", err)
			return
		}
		defer conn.Close()
		_, _ = buf.WriteString("HTTP/1.1 200 OK\r\nContent-Length: 100\r\nConnection: close\r\n\r\nonly-a-few-bytes")
		_ = buf.Flush()
	}))
	defer srv.Close()

	_, err := NewFetcher(srv.Client(), quietLogger()).Fetch(context.Background(), srv.URL, "a.tgz", filepath.Join(t.TempDir(), "x.part"))
	var originErr *OriginError
	if !errors.As(err, &originErr) {
		t.Fatalf("expected OriginError for truncated body, got %v", err)
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("truncated body should wrap io.ErrUnexpectedEOF: %v", err)
	}
}

func TestFetcherIgnoresUnparsableLastModified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Last-Modified", "yesterday-ish")
		_, _ = io.WriteString(w, "ok")
	}))
	defer srv.Close()

	result, err := NewFetcher(srv.Client(), quietLogger()).Fetch(context.Background(), srv.URL, "a.tgz", filepath.Join(t.TempDir(), "x.part"))
	if err != nil {
		t.Fatalf("bad Last-Modified must not fail the fetch: %v", err)
	}
	if !result.LastModified.IsZero() {
		t.Fatalf("bad Last-Modified should be ignored, got %v", result.LastModified)
	}
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
