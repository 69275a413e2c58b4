package testsupport

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

// Payload returns size bytes of a repeating pattern. A size <= 0 yields a
// single byte.
func Payload(size int) []byte {
	if size <= 0 {
		size = 1
	}
	return bytes.Repeat([]byte{0x42}, size)
}

// WriteFile fills the target path with size bytes, creating parent
// directories as needed.
func WriteFile(t testing.TB, path string, size int) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, Payload(size), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// FileExists reports whether path exists.
func FileExists(t testing.TB, path string) bool {
	t.Helper()

	_, err := os.Stat(path)
	if err == nil {
		return true
	}
	if os.IsNotExist(err) {
		return false
	}
	t.Fatalf("stat %s: %v", path, err)
	return false
}
