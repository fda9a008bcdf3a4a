package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Local writes archived blobs under a root directory on disk.
type Local struct {
	root string
}

// NewLocal creates the directory-backed archive, making the root if needed.
func NewLocal(root string) (*Local, error) {
	if root == "" {
		return nil, fmt.Errorf("local archive root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create archive root %s: %w", root, err)
	}
	return &Local{root: root}, nil
}

// PutObject writes the blob to root/path and returns a file:// URI. Path
// traversal outside the root is rejected.
func (l *Local) PutObject(_ context.Context, path, _ string, data []byte) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(path))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("invalid archive path %q", path)
	}
	full := filepath.Join(l.root, clean)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("create archive dir for %s: %w", path, err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return "", fmt.Errorf("write archive object %s: %w", path, err)
	}
	return "file://" + full, nil
}
