package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/prn-tf/syncserver/internal/domain"
	"github.com/prn-tf/syncserver/internal/repository"
)

// deferredUploadRepository implements repository.DeferredUploadRepository for SQLite.
type deferredUploadRepository struct {
	db *DB
}

// NewDeferredUploadRepository creates a new SQLite deferred upload repository.
func NewDeferredUploadRepository(db *DB) repository.DeferredUploadRepository {
	return &deferredUploadRepository{db: db}
}

const deferredUploadColumns = `deferred_upload_id, sharing_group_uuid, user_id, file_group_uuid, status,
	error_reason, created_at, completed_at`

// Create inserts a DeferredUpload and sets its ID.
func (r *deferredUploadRepository) Create(ctx context.Context, deferred *domain.DeferredUpload) error {
	query := `
		INSERT INTO deferred_uploads (sharing_group_uuid, user_id, file_group_uuid, status, error_reason, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	result, err := r.db.conn(ctx).ExecContext(ctx, query,
		deferred.SharingGroupUUID,
		deferred.UserID,
		deferred.FileGroupUUID,
		string(deferred.Status),
		deferred.ErrorReason,
		formatTime(deferred.CreatedAt),
		formatNullTime(deferred.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create deferred upload: %w", mapError(err))
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert ID: %w", err)
	}
	deferred.ID = id

	return nil
}

// GetByID returns a deferred upload.
func (r *deferredUploadRepository) GetByID(ctx context.Context, id int64) (*domain.DeferredUpload, error) {
	query := `SELECT ` + deferredUploadColumns + ` FROM deferred_uploads WHERE deferred_upload_id = ?`

	deferred, err := scanDeferredUpload(r.db.conn(ctx).QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("failed to get deferred upload: %w", mapError(err))
	}
	return deferred, nil
}

// ListByStatus returns deferred uploads in any of the given statuses, oldest first.
func (r *deferredUploadRepository) ListByStatus(ctx context.Context, statuses ...domain.DeferredUploadStatus) ([]*domain.DeferredUpload, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	query := `SELECT ` + deferredUploadColumns + ` FROM deferred_uploads
		WHERE status IN (` + placeholders(len(statuses)) + `)
		ORDER BY deferred_upload_id`

	args := make([]any, len(statuses))
	for i, status := range statuses {
		args[i] = string(status)
	}

	rows, err := r.db.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list deferred uploads: %w", mapError(err))
	}
	defer rows.Close()

	var deferred []*domain.DeferredUpload
	for rows.Next() {
		d, err := scanDeferredUpload(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan deferred upload: %w", err)
		}
		deferred = append(deferred, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating deferred uploads: %w", err)
	}

	return deferred, nil
}

// UpdateStatus sets the status and error reason of the given rows.
func (r *deferredUploadRepository) UpdateStatus(ctx context.Context, ids []int64, status domain.DeferredUploadStatus, reason *string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	var completedAt sql.NullString
	if !status.IsPending() {
		completedAt = sql.NullString{String: formatTime(time.Now()), Valid: true}
	}

	query := `UPDATE deferred_uploads SET status = ?, error_reason = ?, completed_at = ?
		WHERE deferred_upload_id IN (` + placeholders(len(ids)) + `)`
	args := append([]any{string(status), reason, completedAt}, int64Args(ids)...)

	result, err := r.db.conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to update deferred upload status: %w", mapError(err))
	}
	return result.RowsAffected()
}

func scanDeferredUpload(row rowScanner) (*domain.DeferredUpload, error) {
	deferred := &domain.DeferredUpload{}
	var status, createdAt string
	var completedAt sql.NullString

	err := row.Scan(
		&deferred.ID,
		&deferred.SharingGroupUUID,
		&deferred.UserID,
		&deferred.FileGroupUUID,
		&status,
		&deferred.ErrorReason,
		&createdAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	deferred.Status = domain.DeferredUploadStatus(status)
	deferred.CreatedAt = parseTime(createdAt)
	deferred.CompletedAt = parseNullTime(completedAt)

	return deferred, nil
}
