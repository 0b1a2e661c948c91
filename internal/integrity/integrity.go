// Package integrity verifies downloaded artifacts against a configured
// SHA-256 digest.
//
// A descriptor without a checksum has no integrity contract. Verify treats
// that as success; callers flag such datasets as a trust boundary instead of
// inventing a stricter rule.
package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
)

const bufSize = 1 << 20

// Sum returns the lowercase hex SHA-256 digest of the file at path.
func Sum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.CopyBuffer(h, f, make([]byte, bufSize)); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify reports whether the file at path matches expected.
// An empty expected checksum always verifies. A read failure is returned as
// an error rather than as a mismatch.
func Verify(path, expected string) (bool, error) {
	want := Normalize(expected)
	if want == "" {
		return true, nil
	}
	got, err := Sum(path)
	if err != nil {
		return false, err
	}
	return got == want, nil
}

// Normalize lowercases a checksum and strips whitespace and an optional
// "sha256:" prefix.
func Normalize(checksum string) string {
	s := strings.ToLower(strings.TrimSpace(checksum))
	return strings.TrimPrefix(s, "sha256:")
}

// Configured reports whether a checksum is set.
func Configured(checksum string) bool {
	return Normalize(checksum) != ""
}
