package repository

import (
	"context"
)

// Repositories holds all repository instances of one database backend.
type Repositories struct {
	User             UserRepository
	SharingGroup     SharingGroupRepository
	SharingGroupUser SharingGroupUserRepository
	MasterVersion    MasterVersionRepository
	ShortLock        ShortLockRepository
	Upload           UploadRepository
	FileIndex        FileIndexRepository
	DeferredUpload   DeferredUploadRepository
	Tx               TxManager
}

// DatabaseHealth is an interface for database health checks.
// It backs the /health endpoint.
type DatabaseHealth interface {
	Ping(ctx context.Context) error
	Health(ctx context.Context) error
	Close() error
}
