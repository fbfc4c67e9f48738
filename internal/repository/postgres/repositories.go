package postgres

import (
	"github.com/prn-tf/syncserver/internal/repository"
)

// NewRepositories builds every PostgreSQL repository over one pool.
func NewRepositories(db *DB) *repository.Repositories {
	return &repository.Repositories{
		User:             NewUserRepository(db),
		SharingGroup:     NewSharingGroupRepository(db),
		SharingGroupUser: NewSharingGroupUserRepository(db),
		MasterVersion:    NewMasterVersionRepository(db),
		ShortLock:        NewShortLockRepository(db),
		Upload:           NewUploadRepository(db),
		FileIndex:        NewFileIndexRepository(db),
		DeferredUpload:   NewDeferredUploadRepository(db),
		Tx:               db,
	}
}

var (
	_ repository.TxManager      = (*DB)(nil)
	_ repository.DatabaseHealth = (*DB)(nil)
)
