// Package bundle extracts tar.zst artifact archives so the installer
// can hand a payload member to the platform installer.
package bundle

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// Extract unpacks the archive into destDir and returns the absolute
// path of the requested payload member. Member names are cleaned and
// confined to destDir; entries escaping it reject the whole archive.
func Extract(archivePath, destDir, payload string) (string, error) {
	if strings.TrimSpace(payload) == "" {
		return "", errors.New("bundle payload member is required")
	}

	f, err := os.Open(archivePath)
	if err != nil {
		return "", fmt.Errorf("open bundle: %w", err)
	}
	defer f.Close()

	decoder, err := zstd.NewReader(f)
	if err != nil {
		return "", fmt.Errorf("zstd reader: %w", err)
	}
	defer decoder.Close()

	payloadClean := filepath.ToSlash(filepath.Clean(payload))
	payloadPath := ""

	tr := tar.NewReader(decoder)
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("read tar entry: %w", err)
		}

		name := filepath.ToSlash(filepath.Clean(header.Name))
		target, err := confine(destDir, name)
		if err != nil {
			return "", err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return "", fmt.Errorf("mkdir %q: %w", name, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return "", fmt.Errorf("mkdir %q: %w", filepath.Dir(name), err)
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(header.Mode).Perm())
			if err != nil {
				return "", fmt.Errorf("create %q: %w", name, err)
			}
			_, copyErr := io.Copy(out, tr)
			if closeErr := out.Close(); copyErr == nil {
				copyErr = closeErr
			}
			if copyErr != nil {
				return "", fmt.Errorf("extract %q: %w", name, copyErr)
			}
			if name == payloadClean {
				payloadPath = target
			}
		default:
			// Symlinks and special files have no business in an
			// installer bundle.
			continue
		}
	}

	if payloadPath == "" {
		return "", fmt.Errorf("bundle missing payload member %q", payload)
	}
	return payloadPath, nil
}

func confine(destDir, name string) (string, error) {
	if name == "" || strings.HasPrefix(name, "..") || filepath.IsAbs(name) {
		return "", fmt.Errorf("invalid entry path %q", name)
	}
	target := filepath.Join(destDir, filepath.FromSlash(name))
	rel, err := filepath.Rel(destDir, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid entry path %q", name)
	}
	return target, nil
}
