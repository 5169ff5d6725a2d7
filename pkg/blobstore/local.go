package blobstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LocalStore implements Store on the local file system. Blobs are encoded
// with a Codec and written via temp file + rename so readers never observe a
// partial blob.
type LocalStore struct {
	root  string
	codec *Codec
}

// NewLocalStore creates a LocalStore rooted at dir using the named codec.
func NewLocalStore(dir string, codec string) (*LocalStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("blob directory is required")
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating blob directory %s: %w", dir, err)
	}

	c, err := NewCodec(codec)
	if err != nil {
		return nil, err
	}

	return &LocalStore{root: dir, codec: c}, nil
}

func (s *LocalStore) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("invalid blob key %q", key)
	}
	return filepath.Join(s.root, clean), nil
}

// Put writes data under key.
func (s *LocalStore) Put(_ context.Context, key string, data []byte) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}

	encoded, err := s.codec.Encode(data)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("creating blob directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), ".blob-*")
	if err != nil {
		return fmt.Errorf("creating temp blob: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(encoded); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing blob %s: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("syncing blob %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing blob %s: %w", key, err)
	}

	if err := os.Rename(tmpName, p); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("publishing blob %s: %w", key, err)
	}

	return nil
}

// Get returns the decoded blob stored under key.
func (s *LocalStore) Get(_ context.Context, key string) ([]byte, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("blob %s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("reading blob %s: %w", key, err)
	}

	return s.codec.Decode(raw)
}

// Delete removes the blob stored under key.
func (s *LocalStore) Delete(_ context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}

	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("deleting blob %s: %w", key, err)
	}
	return nil
}

// Close releases the codec.
func (s *LocalStore) Close() error {
	s.codec.Close()
	return nil
}

var _ Store = (*LocalStore)(nil)
