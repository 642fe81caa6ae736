package cacheproxy

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// fsStore keeps one file per key under root, mirroring host and path.
type fsStore struct {
	root string
}

func newFSStore(root string) (*fsStore, error) {
	if root == "" {
		root = "."
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &fsStore{root: root}, nil
}

func (s *fsStore) path(key CacheKey) string {
	return filepath.Join(s.root, filepath.FromSlash(string(key)))
}

func (s *fsStore) Exists(key CacheKey) bool {
	fi, err := os.Stat(s.path(key))
	return err == nil && fi.Mode().IsRegular()
}

func (s *fsStore) Read(key CacheKey) ([]byte, error) {
	p := s.path(key)
	b, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrCacheRead, key, err)
	}
	return b, nil
}

// Write stages the bytes in a temp file next to the target and renames it
// into place, so readers see either the old entry or the new one.
func (s *fsStore) Write(key CacheKey, b []byte) error {
	p := s.path(key)
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(p)+".*.tmp")
	if err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	tmpName := tmp.Name()
	_ = tmp.Chmod(0o644)
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := os.Rename(tmpName, p); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

func (s *fsStore) Close() error { return nil }
