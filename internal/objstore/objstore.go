// Package objstore is the object-storage collaborator for binary artifacts
// and preview bundles. Keys are namespaced as projects/{project_id}/... and
// templates/{slug}/v{version}/... regardless of backend.
package objstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Store is the byte-level storage interface the core depends on.
type Store interface {
	// Put stores data under key. Oversized objects are rejected.
	Put(ctx context.Context, key string, data []byte) error
	// Get returns the object bytes, or an error when missing.
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete removes an object; deleting a missing key is a no-op.
	Delete(ctx context.Context, key string) error
	// Presign returns a URL granting read access for the given TTL.
	Presign(ctx context.Context, key string, ttl time.Duration) (string, error)
	// MaxObjectSize returns the per-object byte limit, 0 for unlimited.
	MaxObjectSize() int64
}

// ProjectKey builds a project-scoped object key.
func ProjectKey(projectID string, parts ...string) string {
	return "projects/" + projectID + "/" + strings.Join(parts, "/")
}

// TemplateKey builds a template-scoped object key.
func TemplateKey(slug string, version int, parts ...string) string {
	return fmt.Sprintf("templates/%s/v%d/%s", slug, version, strings.Join(parts, "/"))
}

// FS is a filesystem-backed Store rooted at a directory. Presigned URLs
// are plain file URLs; real deployments swap in an S3-compatible backend
// behind the same interface.
type FS struct {
	root     string
	maxBytes int64
	baseURL  string
}

// NewFS creates a filesystem store. maxMB <= 0 means unlimited. baseURL,
// when set, is used for presigned URLs instead of file://.
func NewFS(root string, maxMB int, baseURL string) (*FS, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create object store root: %w", err)
	}
	var maxBytes int64
	if maxMB > 0 {
		maxBytes = int64(maxMB) << 20
	}
	return &FS{root: root, maxBytes: maxBytes, baseURL: strings.TrimSuffix(baseURL, "/")}, nil
}

func (s *FS) path(key string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(key))
	if cleaned == "." || strings.HasPrefix(cleaned, "..") || filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return filepath.Join(s.root, cleaned), nil
}

func (s *FS) Put(_ context.Context, key string, data []byte) error {
	if s.maxBytes > 0 && int64(len(data)) > s.maxBytes {
		return fmt.Errorf("object %s exceeds size limit (%d > %d bytes)", key, len(data), s.maxBytes)
	}
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}

	// Write-then-rename keeps readers from seeing partial objects.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (s *FS) Get(_ context.Context, key string) ([]byte, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return data, nil
}

func (s *FS) Delete(_ context.Context, key string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *FS) Presign(_ context.Context, key string, _ time.Duration) (string, error) {
	path, err := s.path(key)
	if err != nil {
		return "", err
	}
	if s.baseURL != "" {
		return s.baseURL + "/" + key, nil
	}
	return "file://" + filepath.ToSlash(path), nil
}

func (s *FS) MaxObjectSize() int64 {
	return s.maxBytes
}
