package integrity

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// sha256("hello world")
const helloSum = "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "artifact.nc")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestSum(t *testing.T) {
	path := writeFile(t, "hello world")

	got, err := Sum(path)
	if err != nil {
		t.Fatalf("Sum: %v", err)
	}
	if got != helloSum {
		t.Errorf("Sum = %s, want %s", got, helloSum)
	}
}

func TestVerify(t *testing.T) {
	path := writeFile(t, "hello world")

	tests := []struct {
		name     string
		expected string
		want     bool
	}{
		{"exact", helloSum, true},
		{"uppercase", strings.ToUpper(helloSum), true},
		{"prefixed", "sha256:" + helloSum, true},
		{"padded", "  " + helloSum + "\n", true},
		{"mismatch", strings.Repeat("0", 64), false},
		{"no checksum configured", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := Verify(path, tt.expected)
			if err != nil {
				t.Fatalf("Verify: %v", err)
			}
			if ok != tt.want {
				t.Errorf("Verify = %v, want %v", ok, tt.want)
			}
		})
	}
}

func TestVerify_MissingFile(t *testing.T) {
	_, err := Verify(filepath.Join(t.TempDir(), "absent"), helloSum)
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected not-exist cause, got %v", err)
	}
}

func TestVerify_MissingFileWithoutChecksum(t *testing.T) {
	ok, err := Verify(filepath.Join(t.TempDir(), "absent"), "")
	if err != nil || !ok {
		t.Errorf("Verify without checksum = (%v, %v), want (true, nil)", ok, err)
	}
}

func TestConfigured(t *testing.T) {
	if Configured("  ") {
		t.Error("blank checksum should not count as configured")
	}
	if !Configured(helloSum) {
		t.Error("checksum should count as configured")
	}
}
