package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/prn-tf/syncserver/internal/domain"
	"github.com/prn-tf/syncserver/internal/repository"
)

// fileIndexRepository implements repository.FileIndexRepository for PostgreSQL.
type fileIndexRepository struct {
	db *DB
}

// NewFileIndexRepository creates a new PostgreSQL file index repository.
func NewFileIndexRepository(db *DB) repository.FileIndexRepository {
	return &fileIndexRepository{db: db}
}

const fileIndexColumns = `file_index_id, file_uuid, sharing_group_uuid, device_uuid, user_id, file_group_uuid,
	object_type, mime_type, app_meta_data, app_meta_data_version, file_version, last_uploaded_check_sum,
	deleted, change_resolver_name, file_label, creation_date, update_date`

func (r *fileIndexRepository) Add(ctx context.Context, file *domain.FileIndex) error {
	query := `
		INSERT INTO file_index (
			file_uuid, sharing_group_uuid, device_uuid, user_id, file_group_uuid, object_type,
			mime_type, app_meta_data, app_meta_data_version, file_version, last_uploaded_check_sum,
			deleted, change_resolver_name, file_label, creation_date, update_date
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING file_index_id
	`

	err := r.db.conn(ctx).QueryRow(ctx, query,
		file.FileUUID,
		file.SharingGroupUUID,
		file.DeviceUUID,
		file.UserID,
		file.FileGroupUUID,
		file.ObjectType,
		file.MimeType,
		file.AppMetaData,
		file.AppMetaDataVersion,
		file.FileVersion,
		file.LastUploadedCheckSum,
		file.Deleted,
		file.ChangeResolverName,
		file.FileLabel,
		file.CreationDate,
		file.UpdateDate,
	).Scan(&file.ID)
	if err != nil {
		return fmt.Errorf("failed to add file index entry: %w", mapError(err))
	}

	return nil
}

func (r *fileIndexRepository) Get(ctx context.Context, sharingGroupUUID, fileUUID string) (*domain.FileIndex, error) {
	query := `SELECT ` + fileIndexColumns + ` FROM file_index WHERE sharing_group_uuid = $1 AND file_uuid = $2`

	file, err := scanFileIndex(r.db.conn(ctx).QueryRow(ctx, query, sharingGroupUUID, fileUUID))
	if err != nil {
		return nil, fmt.Errorf("failed to get file index entry: %w", mapError(err))
	}
	return file, nil
}

func (r *fileIndexRepository) Update(ctx context.Context, file *domain.FileIndex) error {
	query := `
		UPDATE file_index
		SET device_uuid = $1, user_id = $2, file_group_uuid = $3, object_type = $4, mime_type = $5,
		    app_meta_data = $6, app_meta_data_version = $7, file_version = $8, last_uploaded_check_sum = $9,
		    deleted = $10, change_resolver_name = $11, file_label = $12, update_date = $13
		WHERE sharing_group_uuid = $14 AND file_uuid = $15
	`

	tag, err := r.db.conn(ctx).Exec(ctx, query,
		file.DeviceUUID,
		file.UserID,
		file.FileGroupUUID,
		file.ObjectType,
		file.MimeType,
		file.AppMetaData,
		file.AppMetaDataVersion,
		file.FileVersion,
		file.LastUploadedCheckSum,
		file.Deleted,
		file.ChangeResolverName,
		file.FileLabel,
		file.UpdateDate,
		file.SharingGroupUUID,
		file.FileUUID,
	)
	if err != nil {
		return fmt.Errorf("failed to update file index entry: %w", mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *fileIndexRepository) ListBySharingGroup(ctx context.Context, sharingGroupUUID string) ([]*domain.FileIndex, error) {
	query := `SELECT ` + fileIndexColumns + ` FROM file_index WHERE sharing_group_uuid = $1 ORDER BY file_uuid`
	return r.list(ctx, query, sharingGroupUUID)
}

func (r *fileIndexRepository) ListByFileGroup(ctx context.Context, sharingGroupUUID, fileGroupUUID string) ([]*domain.FileIndex, error) {
	query := `SELECT ` + fileIndexColumns + ` FROM file_index
		WHERE sharing_group_uuid = $1 AND file_group_uuid = $2 ORDER BY file_uuid`
	return r.list(ctx, query, sharingGroupUUID, fileGroupUUID)
}

func (r *fileIndexRepository) MarkDeleted(ctx context.Context, sharingGroupUUID string, fileUUIDs []string) (int64, error) {
	if len(fileUUIDs) == 0 {
		return 0, nil
	}

	tag, err := r.db.conn(ctx).Exec(ctx,
		`UPDATE file_index SET deleted = TRUE
		 WHERE sharing_group_uuid = $1 AND NOT deleted AND file_uuid = ANY($2::uuid[])`,
		sharingGroupUUID, fileUUIDs)
	if err != nil {
		return 0, fmt.Errorf("failed to mark files deleted: %w", mapError(err))
	}
	return tag.RowsAffected(), nil
}

func (r *fileIndexRepository) MarkAllDeleted(ctx context.Context, sharingGroupUUID string) (int64, error) {
	tag, err := r.db.conn(ctx).Exec(ctx,
		`UPDATE file_index SET deleted = TRUE WHERE sharing_group_uuid = $1 AND NOT deleted`,
		sharingGroupUUID)
	if err != nil {
		return 0, fmt.Errorf("failed to mark sharing group files deleted: %w", mapError(err))
	}
	return tag.RowsAffected(), nil
}

func (r *fileIndexRepository) list(ctx context.Context, query string, args ...any) ([]*domain.FileIndex, error) {
	rows, err := r.db.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list file index: %w", mapError(err))
	}
	defer rows.Close()

	files, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*domain.FileIndex, error) {
		return scanFileIndex(row)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan file index: %w", err)
	}
	return files, nil
}

func scanFileIndex(row rowScanner) (*domain.FileIndex, error) {
	file := &domain.FileIndex{}
	err := row.Scan(
		&file.ID,
		&file.FileUUID,
		&file.SharingGroupUUID,
		&file.DeviceUUID,
		&file.UserID,
		&file.FileGroupUUID,
		&file.ObjectType,
		&file.MimeType,
		&file.AppMetaData,
		&file.AppMetaDataVersion,
		&file.FileVersion,
		&file.LastUploadedCheckSum,
		&file.Deleted,
		&file.ChangeResolverName,
		&file.FileLabel,
		&file.CreationDate,
		&file.UpdateDate,
	)
	if err != nil {
		return nil, err
	}
	return file, nil
}
