package mcpgo

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var errExportsDisabled = errors.New("no export directory is configured")

// resolveExportPath maps a client supplied export path onto a file inside dir.
// Absolute paths, parent references, globs and URLs are rejected, as is a
// symlink that leads out of dir.
func resolveExportPath(dir, path string) (string, error) {
	if dir == "" {
		return "", errExportsDisabled
	}

	path = strings.TrimSpace(path)
	switch {
	case path == "":
		return "", errors.New("path is empty")
	case strings.Contains(path, ":"):
		return "", fmt.Errorf("%q must be a plain file path, not a URL", path)
	case strings.ContainsAny(path, "*?[]{}"):
		return "", fmt.Errorf("%q must name a single file, globs are not allowed", path)
	case !filepath.IsLocal(path):
		return "", fmt.Errorf("%q must be relative to the export directory", path)
	}

	full := filepath.Join(dir, path)

	target, err := filepath.EvalSymlinks(full)
	if errors.Is(err, os.ErrNotExist) {
		// The reader reports missing files
		return full, nil
	}
	if err != nil {
		return "", err
	}

	root, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(root, target)
	if err != nil || !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%q resolves outside the export directory", path)
	}

	return full, nil
}
