package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	llcerrors "github.com/latentlabs/llc/internal/errors"
)

// FSBlobStore stores originals and derived artifacts under a root
// directory, laid out as
// containers/<container>/<document>/{original|normalized|thumbs|pdf_pages}/...
type FSBlobStore struct {
	root string
}

// NewFSBlobStore creates the blob root if needed.
func NewFSBlobStore(root string) (*FSBlobStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &FSBlobStore{root: root}, nil
}

// OriginalPath returns the conventional location for a document's raw
// bytes.
func OriginalPath(containerID, documentID, filename string) string {
	return filepath.Join("containers", containerID, documentID, "original", filename)
}

// ThumbPath returns the conventional location for an image thumbnail.
func ThumbPath(containerID, documentID, filename string) string {
	return filepath.Join("containers", containerID, documentID, "thumbs", filename)
}

// PDFPagePath returns the conventional location for a rendered page.
func PDFPagePath(containerID, documentID string, page int) string {
	return filepath.Join("containers", containerID, documentID, "pdf_pages", fmt.Sprintf("page_%04d.png", page))
}

// NormalizedPath returns the conventional location for normalized text.
func NormalizedPath(containerID, documentID string) string {
	return filepath.Join("containers", containerID, documentID, "normalized", "content.md")
}

func (b *FSBlobStore) resolve(rel string) (string, error) {
	clean := filepath.Clean(rel)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || filepath.IsAbs(clean) {
		return "", llcerrors.Newf(llcerrors.CodeInvalidParams, "invalid blob path %q", rel)
	}
	return filepath.Join(b.root, clean), nil
}

// Put writes data atomically and returns the relative path.
func (b *FSBlobStore) Put(ctx context.Context, rel string, data []byte) (string, error) {
	path, err := b.resolve(rel)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create blob directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".blob-*")
	if err != nil {
		return "", fmt.Errorf("create temp blob: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("rename blob: %w", err)
	}
	return filepath.ToSlash(filepath.Clean(rel)), nil
}

// Get reads a blob.
func (b *FSBlobStore) Get(ctx context.Context, rel string) ([]byte, error) {
	path, err := b.resolve(rel)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, llcerrors.Newf(llcerrors.CodeInvalidParams, "blob %q not found", rel)
	}
	return data, err
}

// Path returns the absolute filesystem path for a relative blob path.
func (b *FSBlobStore) Path(rel string) string {
	return filepath.Join(b.root, filepath.Clean(rel))
}

// Delete removes a blob. Missing blobs are a no-op.
func (b *FSBlobStore) Delete(ctx context.Context, rel string) error {
	path, err := b.resolve(rel)
	if err != nil {
		return err
	}
	err = os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
