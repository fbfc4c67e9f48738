package sqlite

import (
	"context"
	"fmt"

	"github.com/prn-tf/syncserver/internal/domain"
	"github.com/prn-tf/syncserver/internal/repository"
)

// fileIndexRepository implements repository.FileIndexRepository for SQLite.
type fileIndexRepository struct {
	db *DB
}

// NewFileIndexRepository creates a new SQLite file index repository.
func NewFileIndexRepository(db *DB) repository.FileIndexRepository {
	return &fileIndexRepository{db: db}
}

const fileIndexColumns = `file_index_id, file_uuid, sharing_group_uuid, device_uuid, user_id, file_group_uuid,
	object_type, mime_type, app_meta_data, app_meta_data_version, file_version, last_uploaded_check_sum,
	deleted, change_resolver_name, file_label, creation_date, update_date`

// Add inserts a FileIndex row and sets its ID.
func (r *fileIndexRepository) Add(ctx context.Context, file *domain.FileIndex) error {
	query := `
		INSERT INTO file_index (
			file_uuid, sharing_group_uuid, device_uuid, user_id, file_group_uuid, object_type,
			mime_type, app_meta_data, app_meta_data_version, file_version, last_uploaded_check_sum,
			deleted, change_resolver_name, file_label, creation_date, update_date
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := r.db.conn(ctx).ExecContext(ctx, query,
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
		boolToInt(file.Deleted),
		file.ChangeResolverName,
		file.FileLabel,
		formatTime(file.CreationDate),
		formatTime(file.UpdateDate),
	)
	if err != nil {
		return fmt.Errorf("failed to add file index entry: %w", mapError(err))
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert ID: %w", err)
	}
	file.ID = id

	return nil
}

// Get returns the row for a file in a sharing group.
func (r *fileIndexRepository) Get(ctx context.Context, sharingGroupUUID, fileUUID string) (*domain.FileIndex, error) {
	query := `SELECT ` + fileIndexColumns + ` FROM file_index WHERE sharing_group_uuid = ? AND file_uuid = ?`

	file, err := scanFileIndex(r.db.conn(ctx).QueryRowContext(ctx, query, sharingGroupUUID, fileUUID))
	if err != nil {
		return nil, fmt.Errorf("failed to get file index entry: %w", mapError(err))
	}
	return file, nil
}

// Update writes every mutable column of an existing row.
func (r *fileIndexRepository) Update(ctx context.Context, file *domain.FileIndex) error {
	query := `
		UPDATE file_index
		SET device_uuid = ?, user_id = ?, file_group_uuid = ?, object_type = ?, mime_type = ?,
		    app_meta_data = ?, app_meta_data_version = ?, file_version = ?, last_uploaded_check_sum = ?,
		    deleted = ?, change_resolver_name = ?, file_label = ?, update_date = ?
		WHERE sharing_group_uuid = ? AND file_uuid = ?
	`

	result, err := r.db.conn(ctx).ExecContext(ctx, query,
		file.DeviceUUID,
		file.UserID,
		file.FileGroupUUID,
		file.ObjectType,
		file.MimeType,
		file.AppMetaData,
		file.AppMetaDataVersion,
		file.FileVersion,
		file.LastUploadedCheckSum,
		boolToInt(file.Deleted),
		file.ChangeResolverName,
		file.FileLabel,
		formatTime(file.UpdateDate),
		file.SharingGroupUUID,
		file.FileUUID,
	)
	if err != nil {
		return fmt.Errorf("failed to update file index entry: %w", mapError(err))
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return repository.ErrNotFound
	}

	return nil
}

// ListBySharingGroup returns every row of a sharing group.
func (r *fileIndexRepository) ListBySharingGroup(ctx context.Context, sharingGroupUUID string) ([]*domain.FileIndex, error) {
	query := `SELECT ` + fileIndexColumns + ` FROM file_index WHERE sharing_group_uuid = ? ORDER BY file_uuid`
	return r.list(ctx, query, sharingGroupUUID)
}

// ListByFileGroup returns the rows of a file group within a sharing group.
func (r *fileIndexRepository) ListByFileGroup(ctx context.Context, sharingGroupUUID, fileGroupUUID string) ([]*domain.FileIndex, error) {
	query := `SELECT ` + fileIndexColumns + ` FROM file_index
		WHERE sharing_group_uuid = ? AND file_group_uuid = ? ORDER BY file_uuid`
	return r.list(ctx, query, sharingGroupUUID, fileGroupUUID)
}

// MarkDeleted marks the given files deleted.
func (r *fileIndexRepository) MarkDeleted(ctx context.Context, sharingGroupUUID string, fileUUIDs []string) (int64, error) {
	if len(fileUUIDs) == 0 {
		return 0, nil
	}

	query := `UPDATE file_index SET deleted = 1
		WHERE sharing_group_uuid = ? AND deleted = 0 AND file_uuid IN (` + placeholders(len(fileUUIDs)) + `)`

	args := make([]any, 0, len(fileUUIDs)+1)
	args = append(args, sharingGroupUUID)
	for _, fileUUID := range fileUUIDs {
		args = append(args, fileUUID)
	}

	result, err := r.db.conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to mark files deleted: %w", mapError(err))
	}
	return result.RowsAffected()
}

// MarkAllDeleted marks every file of a sharing group deleted.
func (r *fileIndexRepository) MarkAllDeleted(ctx context.Context, sharingGroupUUID string) (int64, error) {
	result, err := r.db.conn(ctx).ExecContext(ctx,
		`UPDATE file_index SET deleted = 1 WHERE sharing_group_uuid = ? AND deleted = 0`, sharingGroupUUID)
	if err != nil {
		return 0, fmt.Errorf("failed to mark sharing group files deleted: %w", mapError(err))
	}
	return result.RowsAffected()
}

func (r *fileIndexRepository) list(ctx context.Context, query string, args ...any) ([]*domain.FileIndex, error) {
	rows, err := r.db.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list file index: %w", mapError(err))
	}
	defer rows.Close()

	var files []*domain.FileIndex
	for rows.Next() {
		file, err := scanFileIndex(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan file index entry: %w", err)
		}
		files = append(files, file)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating file index: %w", err)
	}

	return files, nil
}

func scanFileIndex(row rowScanner) (*domain.FileIndex, error) {
	file := &domain.FileIndex{}
	var deleted int
	var creationDate, updateDate string

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
		&deleted,
		&file.ChangeResolverName,
		&file.FileLabel,
		&creationDate,
		&updateDate,
	)
	if err != nil {
		return nil, err
	}

	file.Deleted = deleted != 0
	file.CreationDate = parseTime(creationDate)
	file.UpdateDate = parseTime(updateDate)

	return file, nil
}
