package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/prn-tf/syncserver/internal/domain"
	"github.com/prn-tf/syncserver/internal/repository"
)

// uploadRepository implements repository.UploadRepository for SQLite.
type uploadRepository struct {
	db *DB
}

// NewUploadRepository creates a new SQLite upload repository.
func NewUploadRepository(db *DB) repository.UploadRepository {
	return &uploadRepository{db: db}
}

const uploadColumns = `upload_id, file_uuid, user_id, device_uuid, sharing_group_uuid, file_group_uuid,
	object_type, file_version, v0_upload_file_version, upload_index, upload_count, state, mime_type,
	app_meta_data, app_meta_data_version, last_uploaded_check_sum, change_resolver_name, file_label,
	upload_contents, deferred_upload_id, creation_date, update_date`

// Add inserts an Upload row and sets its ID.
func (r *uploadRepository) Add(ctx context.Context, upload *domain.Upload) error {
	query := `
		INSERT INTO uploads (
			file_uuid, user_id, device_uuid, sharing_group_uuid, file_group_uuid, object_type,
			file_version, v0_upload_file_version, upload_index, upload_count, state, mime_type,
			app_meta_data, app_meta_data_version, last_uploaded_check_sum, change_resolver_name,
			file_label, upload_contents, deferred_upload_id, creation_date, update_date
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := r.db.conn(ctx).ExecContext(ctx, query,
		upload.FileUUID,
		upload.UserID,
		upload.DeviceUUID,
		upload.SharingGroupUUID,
		upload.FileGroupUUID,
		upload.ObjectType,
		upload.FileVersion,
		upload.V0UploadFileVersion,
		upload.UploadIndex,
		upload.UploadCount,
		string(upload.State),
		upload.MimeType,
		upload.AppMetaData,
		upload.AppMetaDataVersion,
		upload.LastUploadedCheckSum,
		upload.ChangeResolverName,
		upload.FileLabel,
		upload.UploadContents,
		upload.DeferredUploadID,
		formatNullTime(upload.CreationDate),
		formatNullTime(upload.UpdateDate),
	)
	if err != nil {
		return fmt.Errorf("failed to add upload: %w", mapError(err))
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert ID: %w", err)
	}
	upload.ID = id

	return nil
}

// GetByKey returns the staged row for (fileUUID, userId, deviceUUID).
func (r *uploadRepository) GetByKey(ctx context.Context, fileUUID string, userID int64, deviceUUID string) (*domain.Upload, error) {
	query := `SELECT ` + uploadColumns + ` FROM uploads
		WHERE file_uuid = ? AND user_id = ? AND device_uuid = ? AND deferred_upload_id IS NULL`

	upload, err := scanUpload(r.db.conn(ctx).QueryRowContext(ctx, query, fileUUID, userID, deviceUUID))
	if err != nil {
		return nil, fmt.Errorf("failed to get upload: %w", mapError(err))
	}
	return upload, nil
}

// ListPending returns the rows of a batch not yet handed to the deferred uploader.
func (r *uploadRepository) ListPending(ctx context.Context, userID int64, sharingGroupUUID, deviceUUID string) ([]*domain.Upload, error) {
	query := `SELECT ` + uploadColumns + ` FROM uploads
		WHERE user_id = ? AND sharing_group_uuid = ? AND device_uuid = ? AND deferred_upload_id IS NULL
		ORDER BY upload_index, upload_id`

	return r.list(ctx, query, userID, sharingGroupUUID, deviceUUID)
}

// ListByDeferredUploadIDs returns rows referencing any of the given deferred uploads.
func (r *uploadRepository) ListByDeferredUploadIDs(ctx context.Context, deferredUploadIDs []int64) ([]*domain.Upload, error) {
	if len(deferredUploadIDs) == 0 {
		return nil, nil
	}

	query := `SELECT ` + uploadColumns + ` FROM uploads
		WHERE deferred_upload_id IN (` + placeholders(len(deferredUploadIDs)) + `)
		ORDER BY upload_id`

	return r.list(ctx, query, int64Args(deferredUploadIDs)...)
}

// SetDeferredUploadID stamps rows with a deferred upload id.
func (r *uploadRepository) SetDeferredUploadID(ctx context.Context, uploadIDs []int64, deferredUploadID int64) (int64, error) {
	if len(uploadIDs) == 0 {
		return 0, nil
	}

	query := `UPDATE uploads SET deferred_upload_id = ? WHERE upload_id IN (` + placeholders(len(uploadIDs)) + `)`
	args := append([]any{deferredUploadID}, int64Args(uploadIDs)...)

	result, err := r.db.conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to set deferred upload id: %w", mapError(err))
	}
	return result.RowsAffected()
}

// DeleteByIDs removes rows.
func (r *uploadRepository) DeleteByIDs(ctx context.Context, uploadIDs []int64) (int64, error) {
	if len(uploadIDs) == 0 {
		return 0, nil
	}

	query := `DELETE FROM uploads WHERE upload_id IN (` + placeholders(len(uploadIDs)) + `)`

	result, err := r.db.conn(ctx).ExecContext(ctx, query, int64Args(uploadIDs)...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete uploads: %w", mapError(err))
	}
	return result.RowsAffected()
}

func (r *uploadRepository) list(ctx context.Context, query string, args ...any) ([]*domain.Upload, error) {
	rows, err := r.db.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list uploads: %w", mapError(err))
	}
	defer rows.Close()

	var uploads []*domain.Upload
	for rows.Next() {
		upload, err := scanUpload(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan upload: %w", err)
		}
		uploads = append(uploads, upload)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating uploads: %w", err)
	}

	return uploads, nil
}

func scanUpload(row rowScanner) (*domain.Upload, error) {
	upload := &domain.Upload{}
	var state string
	var creationDate, updateDate sql.NullString

	err := row.Scan(
		&upload.ID,
		&upload.FileUUID,
		&upload.UserID,
		&upload.DeviceUUID,
		&upload.SharingGroupUUID,
		&upload.FileGroupUUID,
		&upload.ObjectType,
		&upload.FileVersion,
		&upload.V0UploadFileVersion,
		&upload.UploadIndex,
		&upload.UploadCount,
		&state,
		&upload.MimeType,
		&upload.AppMetaData,
		&upload.AppMetaDataVersion,
		&upload.LastUploadedCheckSum,
		&upload.ChangeResolverName,
		&upload.FileLabel,
		&upload.UploadContents,
		&upload.DeferredUploadID,
		&creationDate,
		&updateDate,
	)
	if err != nil {
		return nil, err
	}

	upload.State = domain.UploadState(state)
	upload.CreationDate = parseNullTime(creationDate)
	upload.UpdateDate = parseNullTime(updateDate)

	return upload, nil
}

// placeholders returns n comma-separated bind markers.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
