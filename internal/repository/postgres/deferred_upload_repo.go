package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/prn-tf/syncserver/internal/domain"
	"github.com/prn-tf/syncserver/internal/repository"
)

// deferredUploadRepository implements repository.DeferredUploadRepository for PostgreSQL.
type deferredUploadRepository struct {
	db *DB
}

// NewDeferredUploadRepository creates a new PostgreSQL deferred upload repository.
func NewDeferredUploadRepository(db *DB) repository.DeferredUploadRepository {
	return &deferredUploadRepository{db: db}
}

const deferredUploadColumns = `deferred_upload_id, sharing_group_uuid, user_id, file_group_uuid, status,
	error_reason, created_at, completed_at`

func (r *deferredUploadRepository) Create(ctx context.Context, deferred *domain.DeferredUpload) error {
	err := r.db.conn(ctx).QueryRow(ctx,
		`INSERT INTO deferred_uploads (sharing_group_uuid, user_id, file_group_uuid, status, error_reason, created_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING deferred_upload_id`,
		deferred.SharingGroupUUID,
		deferred.UserID,
		deferred.FileGroupUUID,
		string(deferred.Status),
		deferred.ErrorReason,
		deferred.CreatedAt,
		deferred.CompletedAt,
	).Scan(&deferred.ID)
	if err != nil {
		return fmt.Errorf("failed to create deferred upload: %w", mapError(err))
	}
	return nil
}

func (r *deferredUploadRepository) GetByID(ctx context.Context, id int64) (*domain.DeferredUpload, error) {
	query := `SELECT ` + deferredUploadColumns + ` FROM deferred_uploads WHERE deferred_upload_id = $1`

	deferred, err := scanDeferredUpload(r.db.conn(ctx).QueryRow(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("failed to get deferred upload: %w", mapError(err))
	}
	return deferred, nil
}

func (r *deferredUploadRepository) ListByStatus(ctx context.Context, statuses ...domain.DeferredUploadStatus) ([]*domain.DeferredUpload, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	values := make([]string, len(statuses))
	for i, status := range statuses {
		values[i] = string(status)
	}

	query := `SELECT ` + deferredUploadColumns + ` FROM deferred_uploads
		WHERE status = ANY($1) ORDER BY deferred_upload_id`

	rows, err := r.db.conn(ctx).Query(ctx, query, values)
	if err != nil {
		return nil, fmt.Errorf("failed to list deferred uploads: %w", mapError(err))
	}
	defer rows.Close()

	deferred, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*domain.DeferredUpload, error) {
		return scanDeferredUpload(row)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan deferred uploads: %w", err)
	}
	return deferred, nil
}

func (r *deferredUploadRepository) UpdateStatus(ctx context.Context, ids []int64, status domain.DeferredUploadStatus, reason *string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	var completedAt *time.Time
	if !status.IsPending() {
		now := time.Now().UTC()
		completedAt = &now
	}

	tag, err := r.db.conn(ctx).Exec(ctx,
		`UPDATE deferred_uploads SET status = $1, error_reason = $2, completed_at = $3
		 WHERE deferred_upload_id = ANY($4)`,
		string(status), reason, completedAt, ids)
	if err != nil {
		return 0, fmt.Errorf("failed to update deferred upload status: %w", mapError(err))
	}
	return tag.RowsAffected(), nil
}

func scanDeferredUpload(row rowScanner) (*domain.DeferredUpload, error) {
	deferred := &domain.DeferredUpload{}
	var status string

	err := row.Scan(
		&deferred.ID,
		&deferred.SharingGroupUUID,
		&deferred.UserID,
		&deferred.FileGroupUUID,
		&status,
		&deferred.ErrorReason,
		&deferred.CreatedAt,
		&deferred.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	deferred.Status = domain.DeferredUploadStatus(status)
	return deferred, nil
}
