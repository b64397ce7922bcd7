package workerpool

import (
	"archive/zip"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridcompute/gridcompute/internal/capability"
	"github.com/gridcompute/gridcompute/internal/casearchive"
)

type stubAdapter struct {
	outputContent string
	failErr       error
}

func (a *stubAdapter) ID() string { return "stub" }
func (a *stubAdapter) Send(ctx context.Context, sel []string) ([]capability.InputBundle, error) {
	return nil, nil
}
func (a *stubAdapter) Process(ctx context.Context, scratchDir string, inputFiles []string) ([]string, error) {
	if a.failErr != nil {
		return nil, a.failErr
	}
	outPath := filepath.Join(scratchDir, "out.txt")
	if err := os.WriteFile(outPath, []byte(a.outputContent), 0o644); err != nil {
		return nil, err
	}
	return []string{outPath}, nil
}
func (a *stubAdapter) Receive(ctx context.Context, scratchDir string, outputFiles []string) error {
	return nil
}

type stubResolver struct {
	adapter capability.ApplicationAdapter
}

func (r *stubResolver) Adapter(application string) (capability.ApplicationAdapter, bool) {
	return r.adapter, r.adapter != nil
}

func makeInputZip(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "input.zip")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	zw := zip.NewWriter(f)
	w, err := zw.Create("in.txt")
	require.NoError(t, err)
	_, err = w.Write([]byte("input data"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return path
}

func TestSubmitRunsJobAndReportsOutputArchive(t *testing.T) {
	root := t.TempDir()
	archive := casearchive.New(filepath.Join(root, "Cases"), filepath.Join(root, "Results"), nil)

	inputZipSrc := makeInputZip(t, root)
	data, err := os.ReadFile(inputZipSrc)
	require.NoError(t, err)
	inputPath, err := archive.PutInput("case-1", "alice", "mach-a", data)
	require.NoError(t, err)

	resolver := &stubResolver{adapter: &stubAdapter{outputContent: "result data"}}
	pool := New(2, resolver, archive, t.TempDir())

	ok := pool.Submit(JobDescriptor{CaseID: "case-1", Application: "solver", InputPath: inputPath})
	require.True(t, ok)

	select {
	case result := <-pool.Results():
		require.NoError(t, result.Err)
		assert.Equal(t, "case-1", result.CaseID)

		r, err := zip.NewReader(bytes.NewReader(result.OutputArchive), int64(len(result.OutputArchive)))
		require.NoError(t, err)
		require.Len(t, r.File, 1)
		rc, err := r.File[0].Open()
		require.NoError(t, err)
		defer rc.Close()
		buf := new(bytes.Buffer)
		_, err = buf.ReadFrom(rc)
		require.NoError(t, err)
		assert.Equal(t, "result data", buf.String())
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for job result")
	}

	op, ok := pool.Ledger().Get("case-1")
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, op.Status)
}

func TestSubmitRejectsAtCapacity(t *testing.T) {
	root := t.TempDir()
	archive := casearchive.New(filepath.Join(root, "Cases"), filepath.Join(root, "Results"), nil)
	resolver := &stubResolver{adapter: &stubAdapter{outputContent: "x"}}
	pool := New(0, resolver, archive, t.TempDir())

	ok := pool.Submit(JobDescriptor{CaseID: "case-2", Application: "solver"})
	assert.False(t, ok)
}

func TestPauseStopsAcceptingNewJobs(t *testing.T) {
	root := t.TempDir()
	archive := casearchive.New(filepath.Join(root, "Cases"), filepath.Join(root, "Results"), nil)
	resolver := &stubResolver{adapter: &stubAdapter{outputContent: "x"}}
	pool := New(2, resolver, archive, t.TempDir())

	pool.Pause()
	assert.Equal(t, 0, pool.FreeCapacity())
	pool.Resume()
	assert.Equal(t, 2, pool.FreeCapacity())
}

func TestProcessFailureReportsAdapterError(t *testing.T) {
	root := t.TempDir()
	archive := casearchive.New(filepath.Join(root, "Cases"), filepath.Join(root, "Results"), nil)

	inputZipSrc := makeInputZip(t, root)
	data, err := os.ReadFile(inputZipSrc)
	require.NoError(t, err)
	inputPath, err := archive.PutInput("case-3", "alice", "mach-a", data)
	require.NoError(t, err)

	resolver := &stubResolver{adapter: &stubAdapter{failErr: assertAdapterErr}}
	pool := New(1, resolver, archive, t.TempDir())

	ok := pool.Submit(JobDescriptor{CaseID: "case-3", Application: "solver", InputPath: inputPath})
	require.True(t, ok)

	select {
	case result := <-pool.Results():
		assert.Error(t, result.Err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for job result")
	}
}

var assertAdapterErr = os.ErrInvalid
