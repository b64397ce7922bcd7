// Package casearchive implements the Case Archive: deterministic filesystem
// placement of zipped case inputs and result outputs under a shared folder
// root, with atomic writes so that concurrent readers never observe a
// partially written bundle.
package casearchive

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gridcompute/gridcompute/internal/gridfault"
	"github.com/gridcompute/gridcompute/internal/gridlog"
)

var log = gridlog.For("casearchive")

// Archive is the filesystem-backed Case Archive rooted at a shared folder.
// It never retries internally; every operation either succeeds or returns a
// Fault classified TRANSIENT_IO or PERMANENT_IO for the caller to act on.
type Archive struct {
	casesDir   string
	resultsDir string
	mirror     Mirror
}

// Mirror is the optional best-effort backend CA writes are copied to after
// the canonical filesystem write succeeds. A nil Mirror disables mirroring.
// Mirror failures are never surfaced to CA callers; see PutResult/PutInput.
type Mirror interface {
	Upload(caseID, relPath, localPath string) error
}

// New builds an Archive rooted at casesDir/resultsDir, the canonical
// Cases/<user>/<machine>/<id>.zip and Results/<user>/<machine>/<id>.zip
// roots from spec.md §6. mirror may be nil.
func New(casesDir, resultsDir string, mirror Mirror) *Archive {
	return &Archive{casesDir: casesDir, resultsDir: resultsDir, mirror: mirror}
}

// InputPath returns the canonical path of a case's input archive.
func (a *Archive) InputPath(user, machine, caseID string) string {
	return filepath.Join(a.casesDir, user, machine, caseID+".zip")
}

// ResultPath returns the canonical path of a case's result archive.
func (a *Archive) ResultPath(user, machine, caseID string) string {
	return filepath.Join(a.resultsDir, user, machine, caseID+".zip")
}

// PutInput writes the input archive bytes for a case, atomically. Readers
// either see the file fully written or not at all.
func (a *Archive) PutInput(caseID, user, machine string, data []byte) (string, error) {
	path := a.InputPath(user, machine, caseID)
	if err := atomicWrite(path, data); err != nil {
		return "", err
	}
	a.tryMirror(caseID, relOf(a.casesDir, path), path)
	return path, nil
}

// GetInput reads the bytes of an input archive at path.
func (a *Archive) GetInput(path string) ([]byte, error) {
	return readFile(path)
}

// PutResult writes the result archive bytes for a case, atomically, and
// best-effort mirrors it if a Mirror backend is configured.
func (a *Archive) PutResult(caseID, user, machine string, data []byte) (string, error) {
	path := a.ResultPath(user, machine, caseID)
	if err := atomicWrite(path, data); err != nil {
		return "", err
	}
	a.tryMirror(caseID, relOf(a.resultsDir, path), path)
	return path, nil
}

// GetResult reads the bytes of a result archive at path.
func (a *Archive) GetResult(path string) ([]byte, error) {
	return readFile(path)
}

// Remove deletes the archive at path. Removing an already-absent path is
// not an error, matching the originator-driven, best-effort cleanup model
// of invariant I4.
func (a *Archive) Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return gridfault.New(classifyIOErr(err), "", fmt.Errorf("removing %s: %w", path, err))
	}
	return nil
}

func (a *Archive) tryMirror(caseID, relPath, localPath string) {
	if a.mirror == nil {
		return
	}
	// Mirror failures are logged as TRANSIENT_IO and never returned: the CA
	// failure model applies only to the canonical filesystem path.
	if err := a.mirror.Upload(caseID, relPath, localPath); err != nil {
		log.WithCase(caseID).WithErr(gridfault.New(gridfault.TransientIO, caseID, err)).Warn("mirror upload failed")
	}
}

func relOf(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return filepath.Base(path)
	}
	return rel
}

// atomicWrite writes data to a sibling temp file then renames it into
// place, so concurrent readers of path never observe a partial write.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return gridfault.New(classifyIOErr(err), "", fmt.Errorf("creating %s: %w", dir, err))
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return gridfault.New(classifyIOErr(err), "", fmt.Errorf("creating temp file in %s: %w", dir, err))
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return gridfault.New(classifyIOErr(err), "", fmt.Errorf("writing %s: %w", tmpPath, err))
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return gridfault.New(classifyIOErr(err), "", fmt.Errorf("syncing %s: %w", tmpPath, err))
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return gridfault.New(classifyIOErr(err), "", fmt.Errorf("closing %s: %w", tmpPath, err))
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return gridfault.New(classifyIOErr(err), "", fmt.Errorf("renaming %s to %s: %w", tmpPath, path, err))
	}
	return nil
}

func readFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, gridfault.New(classifyIOErr(err), "", fmt.Errorf("reading %s: %w", path, err))
	}
	return data, nil
}

// classifyIOErr distinguishes PERMANENT_IO (missing file, permission
// denied — retrying will not help) from TRANSIENT_IO (everything else,
// typically a momentarily unavailable network share).
func classifyIOErr(err error) gridfault.Kind {
	if os.IsNotExist(err) || os.IsPermission(err) {
		return gridfault.PermanentIO
	}
	return gridfault.TransientIO
}

// copyFile is a small helper shared by the zip pack/extract helpers in
// zip.go for writing archive members to disk.
func copyFile(dst io.Writer, src io.Reader) error {
	_, err := io.Copy(dst, src)
	return err
}
