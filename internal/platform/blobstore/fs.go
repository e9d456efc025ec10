package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// FSStore keeps blobs as files under a root directory of an afero
// filesystem. Production uses the OS filesystem; tests use an in-memory one.
type FSStore struct {
	fs      afero.Fs
	maxSize int64
}

func NewFSStore(fs afero.Fs, root string, maxSize int64) (*FSStore, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxFileSize
	}
	if err := fs.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create blob root %s: %w", root, err)
	}
	return &FSStore{fs: afero.NewBasePathFs(fs, root), maxSize: maxSize}, nil
}

// NewLocalStore is an FSStore on the operating system filesystem.
func NewLocalStore(root string, maxSize int64) (*FSStore, error) {
	return NewFSStore(afero.NewOsFs(), root, maxSize)
}

func (s *FSStore) Put(_ context.Context, key, contentType string, content io.Reader) (*Object, error) {
	k, err := cleanKey(key)
	if err != nil {
		return nil, err
	}
	data, hash, err := readLimited(content, s.maxSize)
	if err != nil {
		return nil, err
	}
	name := filepath.FromSlash(k)
	if err := s.fs.MkdirAll(filepath.Dir(name), 0o750); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	if err := afero.WriteFile(s.fs, name, data, 0o640); err != nil {
		return nil, fmt.Errorf("write blob %s: %w", k, err)
	}
	return newObject(k, contentType, data, hash), nil
}

func (s *FSStore) Open(_ context.Context, key string) (io.ReadCloser, error) {
	k, err := cleanKey(key)
	if err != nil {
		return nil, err
	}
	f, err := s.fs.Open(filepath.FromSlash(k))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrBlobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open blob %s: %w", k, err)
	}
	return f, nil
}

func (s *FSStore) Exists(_ context.Context, key string) (bool, error) {
	k, err := cleanKey(key)
	if err != nil {
		return false, nil
	}
	return afero.Exists(s.fs, filepath.FromSlash(k))
}

func (s *FSStore) Delete(_ context.Context, key string) error {
	k, err := cleanKey(key)
	if err != nil {
		return err
	}
	err = s.fs.Remove(filepath.FromSlash(k))
	if errors.Is(err, os.ErrNotExist) {
		return ErrBlobNotFound
	}
	return err
}
