package capability

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
}

func writeEchoAdapter(t *testing.T, dir string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	writeScript(t, filepath.Join(dir, sendScript), `echo '{"bundles":[{"files":["a.txt"]}]}'`)
	writeScript(t, filepath.Join(dir, processScript), `cat >/dev/null; echo '{"output_files":["out.txt"]}'`)
	writeScript(t, filepath.Join(dir, receiveScript), `cat >/dev/null; echo '{}'`)
}

func TestIndexDiscoversCompleteAdapters(t *testing.T) {
	root := t.TempDir()
	writeEchoAdapter(t, filepath.Join(root, "solver"))

	// mesher is missing "receive" and must be excluded, not fatal.
	meshDir := filepath.Join(root, "mesher")
	require.NoError(t, os.MkdirAll(meshDir, 0o755))
	writeScript(t, filepath.Join(meshDir, sendScript), "true")
	writeScript(t, filepath.Join(meshDir, processScript), "true")

	matrix, err := ParseMatrix(strings.NewReader("Machine name,solver,mesher\nmach-a,1,1\n"))
	require.NoError(t, err)

	ix, err := NewIndex("mach-a", matrix, root)
	require.NoError(t, err)

	apps := ix.SupportedApplications()
	assert.Contains(t, apps, "solver")
	assert.NotContains(t, apps, "mesher")

	_, ok := ix.Adapter("mesher")
	assert.False(t, ok)
}

func TestIndexExcludesUnpermittedApplications(t *testing.T) {
	root := t.TempDir()
	writeEchoAdapter(t, filepath.Join(root, "solver"))

	matrix, err := ParseMatrix(strings.NewReader("Machine name,solver\nmach-a,0\n"))
	require.NoError(t, err)

	ix, err := NewIndex("mach-a", matrix, root)
	require.NoError(t, err)

	assert.NotContains(t, ix.SupportedApplications(), "solver")
}

func TestAdapterSendProcessReceive(t *testing.T) {
	root := t.TempDir()
	writeEchoAdapter(t, filepath.Join(root, "solver"))

	matrix, err := ParseMatrix(strings.NewReader("Machine name,solver\nmach-a,1\n"))
	require.NoError(t, err)

	ix, err := NewIndex("mach-a", matrix, root)
	require.NoError(t, err)

	adapter, ok := ix.Adapter("solver")
	require.True(t, ok)

	ctx := context.Background()

	bundles, err := adapter.Send(ctx, []string{"case-1"})
	require.NoError(t, err)
	require.Len(t, bundles, 1)
	assert.Equal(t, []string{"a.txt"}, bundles[0].Files)

	outputs, err := adapter.Process(ctx, t.TempDir(), []string{"a.txt"})
	require.NoError(t, err)
	assert.Equal(t, []string{"out.txt"}, outputs)

	err = adapter.Receive(ctx, t.TempDir(), []string{"out.txt"})
	require.NoError(t, err)
}

func TestAdapterProcessSurfacesAdapterError(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "solver")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	writeScript(t, filepath.Join(dir, sendScript), "true")
	writeScript(t, filepath.Join(dir, processScript), `cat >/dev/null; echo '{"error":"boom"}'`)
	writeScript(t, filepath.Join(dir, receiveScript), "true")

	matrix, err := ParseMatrix(strings.NewReader("Machine name,solver\nmach-a,1\n"))
	require.NoError(t, err)
	ix, err := NewIndex("mach-a", matrix, root)
	require.NoError(t, err)
	adapter, _ := ix.Adapter("solver")

	_, err = adapter.Process(context.Background(), t.TempDir(), nil)
	assert.Error(t, err)
}
