package download

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
)

// VerifyFile checks a downloaded file against an expected sha256 hex
// digest and, when size is non-negative, an expected byte count.
func VerifyFile(path, sha256Hex string, size int64) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %q: %w", path, err)
	}
	defer f.Close()

	hash := sha256.New()
	n, err := io.Copy(hash, f)
	if err != nil {
		return fmt.Errorf("hash %q: %w", path, err)
	}
	if size >= 0 && n != size {
		return fmt.Errorf("size mismatch for %q: expected %d got %d", path, size, n)
	}

	computed := hex.EncodeToString(hash.Sum(nil))
	if !strings.EqualFold(computed, sha256Hex) {
		return fmt.Errorf("sha256 mismatch for %q: expected %s got %s", path, sha256Hex, computed)
	}
	return nil
}
