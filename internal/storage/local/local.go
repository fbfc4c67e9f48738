// Package local implements a CloudStorage vendor on the server's filesystem.
// Each cloud folder is a directory under the configured base path, and objects
// are sharded below it by the leading characters of their names.
package local

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/prn-tf/syncserver/internal/pkg/crypto"
	"github.com/prn-tf/syncserver/internal/storage"
)

// ErrInvalidName indicates a folder or object name that would escape the base path.
var ErrInvalidName = errors.New("invalid cloud file name")

// Store implements storage.CloudStorage on a local directory tree.
type Store struct {
	paths PathConfig
}

// NewStore creates a Store rooted at basePath, creating the directory if needed.
func NewStore(ctx context.Context, basePath string) (*Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &Store{paths: DefaultPathConfig(basePath)}, nil
}

// Factory returns a storage.Factory serving every account from the same Store.
// Local accounts carry no credentials.
func (s *Store) Factory() storage.Factory {
	return func(context.Context, []byte) (storage.CloudStorage, error) {
		return s, nil
	}
}

func validName(name string) bool {
	return name != "" && name != "." && name != ".." && !strings.ContainsAny(name, `/\`)
}

func (s *Store) path(name string, opts storage.Options) (string, error) {
	if !validName(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if !validName(opts.CloudFolderName) {
		return "", fmt.Errorf("%w: folder %q", ErrInvalidName, opts.CloudFolderName)
	}
	return ComputePath(s.paths, opts.CloudFolderName, name), nil
}

// UploadFile writes data to a temporary file and renames it into place.
func (s *Store) UploadFile(ctx context.Context, name string, data []byte, opts storage.Options) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	path, err := s.path(name, opts)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create shard directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to close file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to move file into place: %w", err)
	}

	return crypto.ComputeSHA256(data), nil
}

// DownloadFile reads the object stored under name.
func (s *Store) DownloadFile(ctx context.Context, name string, opts storage.Options) ([]byte, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}

	path, err := s.path(name, opts)
	if err != nil {
		return nil, "", err
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, "", fmt.Errorf("%s: %w", name, storage.ErrFileNotFound)
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to read file: %w", err)
	}

	return data, crypto.ComputeSHA256(data), nil
}

// DeleteFile removes the object stored under name.
func (s *Store) DeleteFile(ctx context.Context, name string, opts storage.Options) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	path, err := s.path(name, opts)
	if err != nil {
		return err
	}

	err = os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s: %w", name, storage.ErrFileNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

// LookupFile reports whether the object exists.
func (s *Store) LookupFile(ctx context.Context, name string, opts storage.Options) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	path, err := s.path(name, opts)
	if err != nil {
		return false, err
	}

	_, err = os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat file: %w", err)
	}
	return true, nil
}

// Ensure Store implements storage.CloudStorage.
var _ storage.CloudStorage = (*Store)(nil)
