package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/prn-tf/syncserver/internal/domain"
	"github.com/prn-tf/syncserver/internal/repository"
)

// uploadRepository implements repository.UploadRepository for PostgreSQL.
type uploadRepository struct {
	db *DB
}

// NewUploadRepository creates a new PostgreSQL upload repository.
func NewUploadRepository(db *DB) repository.UploadRepository {
	return &uploadRepository{db: db}
}

const uploadColumns = `upload_id, file_uuid, user_id, device_uuid, sharing_group_uuid, file_group_uuid,
	object_type, file_version, v0_upload_file_version, upload_index, upload_count, state, mime_type,
	app_meta_data, app_meta_data_version, last_uploaded_check_sum, change_resolver_name, file_label,
	upload_contents, deferred_upload_id, creation_date, update_date`

func (r *uploadRepository) Add(ctx context.Context, upload *domain.Upload) error {
	query := `
		INSERT INTO uploads (
			file_uuid, user_id, device_uuid, sharing_group_uuid, file_group_uuid, object_type,
			file_version, v0_upload_file_version, upload_index, upload_count, state, mime_type,
			app_meta_data, app_meta_data_version, last_uploaded_check_sum, change_resolver_name,
			file_label, upload_contents, deferred_upload_id, creation_date, update_date
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
		RETURNING upload_id
	`

	err := r.db.conn(ctx).QueryRow(ctx, query,
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
		upload.CreationDate,
		upload.UpdateDate,
	).Scan(&upload.ID)
	if err != nil {
		return fmt.Errorf("failed to add upload: %w", mapError(err))
	}

	return nil
}

func (r *uploadRepository) GetByKey(ctx context.Context, fileUUID string, userID int64, deviceUUID string) (*domain.Upload, error) {
	query := `SELECT ` + uploadColumns + ` FROM uploads
		WHERE file_uuid = $1 AND user_id = $2 AND device_uuid = $3 AND deferred_upload_id IS NULL`

	upload, err := scanUpload(r.db.conn(ctx).QueryRow(ctx, query, fileUUID, userID, deviceUUID))
	if err != nil {
		return nil, fmt.Errorf("failed to get upload: %w", mapError(err))
	}
	return upload, nil
}

func (r *uploadRepository) ListPending(ctx context.Context, userID int64, sharingGroupUUID, deviceUUID string) ([]*domain.Upload, error) {
	query := `SELECT ` + uploadColumns + ` FROM uploads
		WHERE user_id = $1 AND sharing_group_uuid = $2 AND device_uuid = $3 AND deferred_upload_id IS NULL
		ORDER BY upload_index, upload_id`

	return r.list(ctx, query, userID, sharingGroupUUID, deviceUUID)
}

func (r *uploadRepository) ListByDeferredUploadIDs(ctx context.Context, deferredUploadIDs []int64) ([]*domain.Upload, error) {
	if len(deferredUploadIDs) == 0 {
		return nil, nil
	}

	query := `SELECT ` + uploadColumns + ` FROM uploads
		WHERE deferred_upload_id = ANY($1)
		ORDER BY upload_id`

	return r.list(ctx, query, deferredUploadIDs)
}

func (r *uploadRepository) SetDeferredUploadID(ctx context.Context, uploadIDs []int64, deferredUploadID int64) (int64, error) {
	if len(uploadIDs) == 0 {
		return 0, nil
	}

	tag, err := r.db.conn(ctx).Exec(ctx,
		`UPDATE uploads SET deferred_upload_id = $1 WHERE upload_id = ANY($2)`,
		deferredUploadID, uploadIDs)
	if err != nil {
		return 0, fmt.Errorf("failed to set deferred upload id: %w", mapError(err))
	}
	return tag.RowsAffected(), nil
}

func (r *uploadRepository) DeleteByIDs(ctx context.Context, uploadIDs []int64) (int64, error) {
	if len(uploadIDs) == 0 {
		return 0, nil
	}

	tag, err := r.db.conn(ctx).Exec(ctx, `DELETE FROM uploads WHERE upload_id = ANY($1)`, uploadIDs)
	if err != nil {
		return 0, fmt.Errorf("failed to delete uploads: %w", mapError(err))
	}
	return tag.RowsAffected(), nil
}

func (r *uploadRepository) list(ctx context.Context, query string, args ...any) ([]*domain.Upload, error) {
	rows, err := r.db.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list uploads: %w", mapError(err))
	}
	defer rows.Close()

	uploads, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*domain.Upload, error) {
		return scanUpload(row)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan uploads: %w", err)
	}
	return uploads, nil
}

func scanUpload(row rowScanner) (*domain.Upload, error) {
	upload := &domain.Upload{}
	var state string

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
		&upload.CreationDate,
		&upload.UpdateDate,
	)
	if err != nil {
		return nil, err
	}

	upload.State = domain.UploadState(state)
	return upload, nil
}
