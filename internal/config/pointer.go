package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/gridcompute/gridcompute/internal/gridfault"
)

// ReadPointerFile reads the single-line pointer file at the executable root
// and returns the trimmed shared-folder root path it names.
func ReadPointerFile(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", gridfault.New(gridfault.ConfigInvalid, "", fmt.Errorf("reading pointer file %s: %w", path, err))
	}
	root := strings.TrimSpace(string(raw))
	if root == "" {
		return "", gridfault.New(gridfault.ConfigInvalid, "", fmt.Errorf("pointer file %s is empty", path))
	}
	info, err := os.Stat(root)
	if err != nil {
		return "", gridfault.New(gridfault.ConfigInvalid, "", fmt.Errorf("shared folder root %s: %w", root, err))
	}
	if !info.IsDir() {
		return "", gridfault.New(gridfault.ConfigInvalid, "", fmt.Errorf("shared folder root %s is not a directory", root))
	}
	return root, nil
}
