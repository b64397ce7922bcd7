package casearchive

import (
	"archive/zip"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gridcompute/gridcompute/internal/gridfault"
)

// Extract unpacks the zip archive at zipPath into tgtDir, rejecting any
// entry whose resolved path would escape tgtDir (zip slip).
func Extract(zipPath, tgtDir string) ([]string, error) {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, gridfault.New(gridfault.PermanentIO, "", fmt.Errorf("opening archive %s: %w", zipPath, err))
	}
	defer r.Close()

	cleanTgt := filepath.Clean(tgtDir)
	var written []string

	for _, f := range r.File {
		filePath := filepath.Join(tgtDir, f.Name)
		if !strings.HasPrefix(filePath, cleanTgt+string(os.PathSeparator)) && filePath != cleanTgt {
			return nil, gridfault.New(gridfault.PermanentIO, "", fmt.Errorf("archive entry %q escapes target directory", f.Name))
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(filePath, 0o755); err != nil {
				return nil, gridfault.New(classifyIOErr(err), "", fmt.Errorf("creating directory %s: %w", filePath, err))
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
			return nil, gridfault.New(classifyIOErr(err), "", fmt.Errorf("creating directory for %s: %w", filePath, err))
		}

		if err := extractOne(f, filePath); err != nil {
			return nil, err
		}
		written = append(written, filePath)
	}
	return written, nil
}

func extractOne(f *zip.File, filePath string) error {
	rc, err := f.Open()
	if err != nil {
		return gridfault.New(gridfault.PermanentIO, "", fmt.Errorf("opening archive entry %s: %w", f.Name, err))
	}
	defer rc.Close()

	mode := f.Mode()
	if mode == 0 {
		mode = 0o644
	}
	dst, err := os.OpenFile(filePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return gridfault.New(classifyIOErr(err), "", fmt.Errorf("creating %s: %w", filePath, err))
	}
	defer dst.Close()

	if err := copyFile(dst, rc); err != nil {
		return gridfault.New(classifyIOErr(err), "", fmt.Errorf("writing %s: %w", filePath, err))
	}
	return nil
}

// Pack zips the named files (paths relative to baseDir) into a new archive
// at zipPath, in the order given. Output order is preserved in the archive
// so identity-adapter round-trips (R1) are byte-stable file-for-file.
func Pack(zipPath, baseDir string, relFiles []string) error {
	out, err := os.Create(zipPath)
	if err != nil {
		return gridfault.New(classifyIOErr(err), "", fmt.Errorf("creating archive %s: %w", zipPath, err))
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	for _, rel := range relFiles {
		full := filepath.Join(baseDir, rel)
		if err := addZipEntry(zw, full, rel); err != nil {
			zw.Close()
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return gridfault.New(classifyIOErr(err), "", fmt.Errorf("finalizing archive %s: %w", zipPath, err))
	}
	return nil
}

// PackAbs zips the named files into a new archive at zipPath, keyed by each
// file's base name rather than a path relative to a shared root. Submission
// bundles name files the user selected from arbitrary locations, so unlike
// Pack there is no single baseDir to make them relative to.
func PackAbs(zipPath string, absFiles []string) error {
	out, err := os.Create(zipPath)
	if err != nil {
		return gridfault.New(classifyIOErr(err), "", fmt.Errorf("creating archive %s: %w", zipPath, err))
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	for _, full := range absFiles {
		if err := addZipEntry(zw, full, filepath.Base(full)); err != nil {
			zw.Close()
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return gridfault.New(classifyIOErr(err), "", fmt.Errorf("finalizing archive %s: %w", zipPath, err))
	}
	return nil
}

func addZipEntry(zw *zip.Writer, fullPath, entryName string) error {
	src, err := os.Open(fullPath)
	if err != nil {
		return gridfault.New(classifyIOErr(err), "", fmt.Errorf("opening %s: %w", fullPath, err))
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return gridfault.New(classifyIOErr(err), "", fmt.Errorf("stat %s: %w", fullPath, err))
	}

	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return gridfault.New(gridfault.PermanentIO, "", fmt.Errorf("building archive header for %s: %w", fullPath, err))
	}
	header.Name = filepath.ToSlash(entryName)
	header.Method = zip.Deflate

	w, err := zw.CreateHeader(header)
	if err != nil {
		return gridfault.New(gridfault.PermanentIO, "", fmt.Errorf("adding %s to archive: %w", entryName, err))
	}
	return copyFile(w, src)
}
