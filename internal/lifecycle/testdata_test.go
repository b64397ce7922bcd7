package lifecycle

import (
	"archive/zip"
	"bytes"
	"os"
	"testing"
)

func makeEmptyZip(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	if err := zw.Close(); err != nil {
		t.Fatalf("building empty zip: %v", err)
	}
	return buf.Bytes()
}

func writeTempFile(t *testing.T, contents string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "bundle-*.txt")
	if err != nil {
		t.Fatalf("creating temp file: %v", err)
	}
	defer f.Close()
	if _, err := f.WriteString(contents); err != nil {
		t.Fatalf("writing temp file: %v", err)
	}
	return f.Name()
}
