package filestore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// LocalFileStore implements FileStore on the local filesystem, addressing
// content by its SHA-256 hash.
type LocalFileStore struct {
	root string
}

func NewLocalFileStore(root string) (*LocalFileStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create root directory: %w", err)
	}
	return &LocalFileStore{root: root}, nil
}

func (s *LocalFileStore) getPath(ref string) string {
	if len(ref) < 2 {
		return filepath.Join(s.root, ref)
	}
	return filepath.Join(s.root, ref[:2], ref)
}

func (s *LocalFileStore) Save(r io.Reader) (string, error) {
	// The hash is not known until the content is fully read, so write to a
	// temp file while hashing and rename into place afterwards.
	tmp, err := os.CreateTemp(s.root, "upload-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name()) // Clean up if rename fails or content exists
	}()

	hasher := sha256.New()
	if _, err := io.Copy(tmp, io.TeeReader(r, hasher)); err != nil {
		return "", fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close temp file: %w", err)
	}

	ref := hex.EncodeToString(hasher.Sum(nil))
	path := s.getPath(ref)

	// Idempotency check
	if _, err := os.Stat(path); err == nil {
		return ref, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("failed to rename file: %w", err)
	}
	return ref, nil
}

func (s *LocalFileStore) Get(ref string) (io.ReadCloser, error) {
	f, err := os.Open(s.getPath(ref))
	if err != nil {
		return nil, fmt.Errorf("failed to open file %s: %w", ref, err)
	}
	return f, nil
}
