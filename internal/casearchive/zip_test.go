package casearchive

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeZip(t *testing.T, path string, files map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	zw := zip.NewWriter(f)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
}

func TestExtractRoundTrip(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "in.zip")
	writeZip(t, zipPath, map[string]string{"a.txt": "hello", "nested/b.txt": "world"})

	tgt := filepath.Join(dir, "out")
	written, err := Extract(zipPath, tgt)
	require.NoError(t, err)
	assert.Len(t, written, 2)

	data, err := os.ReadFile(filepath.Join(tgt, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	data, err = os.ReadFile(filepath.Join(tgt, "nested", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "world", string(data))
}

func TestExtractRejectsZipSlip(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "evil.zip")

	f, err := os.Create(zipPath)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	w, err := zw.Create("../../etc/passwd")
	require.NoError(t, err)
	_, err = w.Write([]byte("pwned"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	f.Close()

	tgt := filepath.Join(dir, "out")
	_, err = Extract(zipPath, tgt)
	assert.Error(t, err)
}

func TestPackThenExtractRoundTripIsByteIdentical(t *testing.T) {
	dir := t.TempDir()
	srcDir := filepath.Join(dir, "src")
	require.NoError(t, os.MkdirAll(srcDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "out1.txt"), []byte("result one"), 0o644))

	zipPath := filepath.Join(dir, "result.zip")
	require.NoError(t, Pack(zipPath, srcDir, []string{"out1.txt"}))

	extractDir := filepath.Join(dir, "extracted")
	written, err := Extract(zipPath, extractDir)
	require.NoError(t, err)
	require.Len(t, written, 1)

	data, err := os.ReadFile(filepath.Join(extractDir, "out1.txt"))
	require.NoError(t, err)
	assert.Equal(t, "result one", string(data))
}

func TestPackEmptyFileListProducesEmptyButPresentArchive(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "empty.zip")
	require.NoError(t, Pack(zipPath, dir, nil))

	info, err := os.Stat(zipPath)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))

	r, err := zip.OpenReader(zipPath)
	require.NoError(t, err)
	defer r.Close()
	assert.Empty(t, r.File)
}
