package bundle

import (
	"archive/tar"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"
)

type member struct {
	name string
	body string
	dir  bool
}

func writeBundle(t *testing.T, members []member) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "bundle.tar.zst")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create bundle: %v", err)
	}
	defer f.Close()

	encoder, err := zstd.NewWriter(f)
	if err != nil {
		t.Fatalf("zstd writer: %v", err)
	}
	defer encoder.Close()

	tw := tar.NewWriter(encoder)
	defer tw.Close()

	for _, m := range members {
		header := &tar.Header{Name: m.name, Mode: 0o644, Typeflag: tar.TypeReg, Size: int64(len(m.body))}
		if m.dir {
			header.Typeflag = tar.TypeDir
			header.Mode = 0o755
			header.Size = 0
		}
		if err := tw.WriteHeader(header); err != nil {
			t.Fatalf("write header %q: %v", m.name, err)
		}
		if !m.dir {
			if _, err := tw.Write([]byte(m.body)); err != nil {
				t.Fatalf("write body %q: %v", m.name, err)
			}
		}
	}

	return path
}

func TestExtractReturnsPayload(t *testing.T) {
	archive := writeBundle(t, []member{
		{name: "payload", dir: true},
		{name: "payload/app.pkg", body: "pkg bytes"},
		{name: "README", body: "docs"},
	})

	dest := t.TempDir()
	got, err := Extract(archive, dest, "payload/app.pkg")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}

	data, err := os.ReadFile(got)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "pkg bytes" {
		t.Fatalf("payload = %q, want %q", data, "pkg bytes")
	}
	if !strings.HasPrefix(got, dest) {
		t.Fatalf("payload path %q escapes dest %q", got, dest)
	}
}

func TestExtractMissingPayload(t *testing.T) {
	archive := writeBundle(t, []member{
		{name: "other.pkg", body: "pkg"},
	})

	if _, err := Extract(archive, t.TempDir(), "payload/app.pkg"); err == nil {
		t.Fatal("Extract accepted a bundle without the payload member")
	}
}

func TestExtractRejectsPathTraversal(t *testing.T) {
	tests := []string{
		"../escape.pkg",
		"payload/../../escape.pkg",
	}

	for _, name := range tests {
		t.Run(name, func(t *testing.T) {
			archive := writeBundle(t, []member{
				{name: name, body: "evil"},
			})

			if _, err := Extract(archive, t.TempDir(), "payload/app.pkg"); err == nil {
				t.Fatalf("Extract accepted traversal entry %q", name)
			}
		})
	}
}

func TestExtractRejectsAbsolutePaths(t *testing.T) {
	archive := writeBundle(t, []member{
		{name: "/etc/escape.pkg", body: "evil"},
	})

	if _, err := Extract(archive, t.TempDir(), "payload/app.pkg"); err == nil {
		t.Fatal("Extract accepted an absolute entry path")
	}
}
