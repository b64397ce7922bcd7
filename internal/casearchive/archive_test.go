package casearchive

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutAndGetInput(t *testing.T) {
	root := t.TempDir()
	a := New(filepath.Join(root, "Cases"), filepath.Join(root, "Results"), nil)

	path, err := a.PutInput("case-1", "alice", "mach-a", []byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, a.InputPath("alice", "mach-a", "case-1"), path)

	data, err := a.GetInput(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)
}

func TestPutInputNoPartialReads(t *testing.T) {
	root := t.TempDir()
	a := New(filepath.Join(root, "Cases"), filepath.Join(root, "Results"), nil)

	path := a.InputPath("alice", "mach-a", "case-2")
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	_, err = a.PutInput("case-2", "alice", "mach-a", []byte("x"))
	require.NoError(t, err)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp-")
	}
}

func TestRemoveMissingIsNotError(t *testing.T) {
	root := t.TempDir()
	a := New(filepath.Join(root, "Cases"), filepath.Join(root, "Results"), nil)
	assert.NoError(t, a.Remove(filepath.Join(root, "Cases", "nope.zip")))
}

type recordingMirror struct {
	uploaded []string
}

func (m *recordingMirror) Upload(caseID, relPath, localPath string) error {
	m.uploaded = append(m.uploaded, caseID+":"+relPath)
	return nil
}

func TestPutResultMirrorsBestEffort(t *testing.T) {
	root := t.TempDir()
	mirror := &recordingMirror{}
	a := New(filepath.Join(root, "Cases"), filepath.Join(root, "Results"), mirror)

	_, err := a.PutResult("case-3", "alice", "mach-b", []byte("out"))
	require.NoError(t, err)
	require.Len(t, mirror.uploaded, 1)
	assert.Contains(t, mirror.uploaded[0], "case-3:")
}

type failingMirror struct{}

func (failingMirror) Upload(caseID, relPath, localPath string) error {
	return assertErr
}

var assertErr = os.ErrInvalid

func TestPutResultSucceedsEvenIfMirrorFails(t *testing.T) {
	root := t.TempDir()
	a := New(filepath.Join(root, "Cases"), filepath.Join(root, "Results"), failingMirror{})

	path, err := a.PutResult("case-4", "alice", "mach-b", []byte("out"))
	require.NoError(t, err)
	_, err = os.Stat(path)
	assert.NoError(t, err)
}
