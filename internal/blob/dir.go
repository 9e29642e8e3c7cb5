package blob

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DirStore keeps objects in a local directory that the HTTP server exposes under
// a public base URL.
type DirStore struct {
	root    string
	baseURL string
}

// NewDirStore creates root if needed.
func NewDirStore(root, baseURL string) (*DirStore, error) {
	if root == "" {
		return nil, fmt.Errorf("blob directory not set")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob directory: %w", err)
	}
	return &DirStore{root: root, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Root returns the directory objects are written to.
func (s *DirStore) Root() string {
	return s.root
}

// PutObject writes data to root/pathHint.
func (s *DirStore) PutObject(ctx context.Context, pathHint string, data []byte, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ref := filepath.ToSlash(filepath.Clean("/" + pathHint))[1:]
	if ref == "" {
		return "", fmt.Errorf("empty object key")
	}
	full := filepath.Join(s.root, filepath.FromSlash(ref))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("create object directory: %w", err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return "", fmt.Errorf("write object: %w", err)
	}
	return ref, nil
}

// PublicURL returns baseURL/ref.
func (s *DirStore) PublicURL(ref string) string {
	return s.baseURL + "/" + ref
}
