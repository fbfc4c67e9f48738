// Package memory implements an in-memory CloudStorage vendor for development
// and tests. Objects are lost when the process exits.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/prn-tf/syncserver/internal/pkg/crypto"
	"github.com/prn-tf/syncserver/internal/storage"
)

// Store implements storage.CloudStorage in memory.
// All accounts opened through Factory share one Store, separated by cloud folder.
type Store struct {
	mu        sync.RWMutex
	objects   map[string][]byte
	revoked   map[string]bool
	uploadErr error
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		objects: make(map[string][]byte),
		revoked: make(map[string]bool),
	}
}

// Factory returns a storage.Factory serving every account from this Store.
func (s *Store) Factory() storage.Factory {
	return func(context.Context, []byte) (storage.CloudStorage, error) {
		return s, nil
	}
}

func objectKey(folder, name string) string {
	return folder + "/" + name
}

// Revoke makes every later operation on folder fail as if its access token was revoked.
func (s *Store) Revoke(folder string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revoked[folder] = true
}

// FailUploads makes every later upload fail with err. A nil err clears the failure.
func (s *Store) FailUploads(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploadErr = err
}

// Has reports whether an object exists, bypassing revocation.
func (s *Store) Has(folder, name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[objectKey(folder, name)]
	return ok
}

// Len returns the number of stored objects.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

// check returns the error an operation on folder must fail with, if any.
// Callers must hold s.mu.
func (s *Store) check(ctx context.Context, folder string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.revoked[folder] {
		return fmt.Errorf("folder %s: %w", folder, storage.ErrAccessTokenRevokedOrExpired)
	}
	return nil
}

// UploadFile stores a copy of data under name.
func (s *Store) UploadFile(ctx context.Context, name string, data []byte, opts storage.Options) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(ctx, opts.CloudFolderName); err != nil {
		return "", err
	}
	if s.uploadErr != nil {
		return "", s.uploadErr
	}

	dataCopy := make([]byte, len(data))
	copy(dataCopy, data)
	s.objects[objectKey(opts.CloudFolderName, name)] = dataCopy

	return crypto.ComputeSHA256(data), nil
}

// DownloadFile returns a copy of the object stored under name.
func (s *Store) DownloadFile(ctx context.Context, name string, opts storage.Options) ([]byte, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.check(ctx, opts.CloudFolderName); err != nil {
		return nil, "", err
	}

	data, ok := s.objects[objectKey(opts.CloudFolderName, name)]
	if !ok {
		return nil, "", fmt.Errorf("%s: %w", name, storage.ErrFileNotFound)
	}

	dataCopy := make([]byte, len(data))
	copy(dataCopy, data)
	return dataCopy, crypto.ComputeSHA256(data), nil
}

// DeleteFile removes the object stored under name.
func (s *Store) DeleteFile(ctx context.Context, name string, opts storage.Options) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(ctx, opts.CloudFolderName); err != nil {
		return err
	}

	key := objectKey(opts.CloudFolderName, name)
	if _, ok := s.objects[key]; !ok {
		return fmt.Errorf("%s: %w", name, storage.ErrFileNotFound)
	}
	delete(s.objects, key)
	return nil
}

// LookupFile reports whether an object exists under name.
func (s *Store) LookupFile(ctx context.Context, name string, opts storage.Options) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.check(ctx, opts.CloudFolderName); err != nil {
		return false, err
	}

	_, ok := s.objects[objectKey(opts.CloudFolderName, name)]
	return ok, nil
}

// Ensure Store implements storage.CloudStorage.
var _ storage.CloudStorage = (*Store)(nil)
