package sqlite

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/syncserver/internal/domain"
	"github.com/prn-tf/syncserver/internal/repository"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "unique", err: errors.New("constraint failed: UNIQUE constraint failed: users.username (2067)"), want: repository.ErrDuplicate},
		{name: "foreign key", err: errors.New("FOREIGN KEY constraint failed"), want: repository.ErrNotFound},
		{name: "busy", err: errors.New("database is locked (5) (SQLITE_BUSY)"), want: repository.ErrLockWaitTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, mapError(tt.err), tt.want)
		})
	}

	assert.NoError(t, mapError(nil))

	other := errors.New("disk I/O error")
	assert.Equal(t, other, mapError(other))
}

func TestMasterVersionRepository_BusyIsRetryable(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	repo := NewMasterVersionRepository(NewFromSQL(sqlDB, zerolog.Nop()))

	mock.ExpectExec("UPDATE master_versions").
		WithArgs("sg-1", int64(3)).
		WillReturnError(errors.New("database is locked"))

	_, err = repo.UpdateToNext(context.Background(), "sg-1", 3)
	require.Error(t, err)
	assert.True(t, repository.IsRetryable(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUploadRepository_AddUsesTransactionFromContext(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	db := NewFromSQL(sqlDB, zerolog.Nop())
	repo := NewUploadRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO uploads").WillReturnResult(sqlmock.NewResult(42, 1))
	mock.ExpectCommit()

	upload := &domain.Upload{
		FileUUID:         "file-1",
		UserID:           1,
		DeviceUUID:       "device-1",
		SharingGroupUUID: "sg-1",
		UploadIndex:      1,
		UploadCount:      1,
		State:            domain.UploadStateUploadingAppMetaData,
	}

	err = db.WithTx(context.Background(), func(ctx context.Context) error {
		return repo.Add(ctx, upload)
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), upload.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTx_RollbackOnError(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	db := NewFromSQL(sqlDB, zerolog.Nop())
	repo := NewFileIndexRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE file_index SET deleted = 1").
		WillReturnError(errors.New("UNIQUE constraint failed: file_index.file_uuid"))
	mock.ExpectRollback()

	err = db.WithTx(context.Background(), func(ctx context.Context) error {
		_, err := repo.MarkAllDeleted(ctx, "sg-1")
		return err
	})
	assert.ErrorIs(t, err, repository.ErrDuplicate)
	assert.NoError(t, mock.ExpectationsWereMet())
}
