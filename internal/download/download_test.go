package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"freshd/internal/artifact"
)

var testID = artifact.Identity{Name: "zoom", Arch: "arm64"}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestHTTPDownloaderWritesBody(t *testing.T) {
	body := []byte("installer package bytes")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer server.Close()

	d, err := NewHTTPDownloader(server.URL, server.Client(), sha256Hex(body))
	if err != nil {
		t.Fatalf("NewHTTPDownloader: %v", err)
	}

	dest := filepath.Join(t.TempDir(), "artifact.pkg")
	if err := d.Download(context.Background(), testID, dest); err != nil {
		t.Fatalf("Download: %v", err)
	}

	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != string(body) {
		t.Fatalf("downloaded body = %q, want %q", got, body)
	}
}

func TestHTTPDownloaderRejectsBadDigest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("actual body"))
	}))
	defer server.Close()

	d, err := NewHTTPDownloader(server.URL, server.Client(), sha256Hex([]byte("expected body")))
	if err != nil {
		t.Fatalf("NewHTTPDownloader: %v", err)
	}

	err = d.Download(context.Background(), testID, filepath.Join(t.TempDir(), "artifact.pkg"))
	if !errors.Is(err, artifact.ErrNetwork) {
		t.Fatalf("Download() error = %v, want ErrNetwork", err)
	}
}

func TestHTTPDownloaderStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer server.Close()

	d, err := NewHTTPDownloader(server.URL, server.Client(), "")
	if err != nil {
		t.Fatalf("NewHTTPDownloader: %v", err)
	}

	err = d.Download(context.Background(), testID, filepath.Join(t.TempDir(), "artifact.pkg"))
	if !errors.Is(err, artifact.ErrNetwork) {
		t.Fatalf("Download() error = %v, want ErrNetwork", err)
	}
}

func TestVerifyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "artifact.pkg")
	body := []byte("package contents")
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if err := VerifyFile(path, sha256Hex(body), int64(len(body))); err != nil {
		t.Fatalf("VerifyFile: %v", err)
	}
	if err := VerifyFile(path, sha256Hex(body), -1); err != nil {
		t.Fatalf("VerifyFile without size: %v", err)
	}
	if err := VerifyFile(path, sha256Hex(body), int64(len(body))+1); err == nil {
		t.Fatal("VerifyFile accepted wrong size")
	}
	if err := VerifyFile(path, sha256Hex([]byte("other")), int64(len(body))); err == nil {
		t.Fatal("VerifyFile accepted wrong digest")
	}
}
