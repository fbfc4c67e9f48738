package sqlite

import (
	"context"
	"fmt"

	"github.com/prn-tf/syncserver/internal/domain"
	"github.com/prn-tf/syncserver/internal/repository"
)

// sharingGroupRepository implements repository.SharingGroupRepository for SQLite.
type sharingGroupRepository struct {
	db *DB
}

// NewSharingGroupRepository creates a new SQLite sharing group repository.
func NewSharingGroupRepository(db *DB) repository.SharingGroupRepository {
	return &sharingGroupRepository{db: db}
}

// Create inserts a new sharing group.
func (r *sharingGroupRepository) Create(ctx context.Context, group *domain.SharingGroup) error {
	query := `
		INSERT INTO sharing_groups (sharing_group_uuid, name, deleted, created_at)
		VALUES (?, ?, ?, ?)
	`

	_, err := r.db.conn(ctx).ExecContext(ctx, query,
		group.UUID,
		group.Name,
		boolToInt(group.Deleted),
		formatTime(group.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create sharing group: %w", mapError(err))
	}

	return nil
}

// GetByUUID retrieves a sharing group, deleted or not.
func (r *sharingGroupRepository) GetByUUID(ctx context.Context, sharingGroupUUID string) (*domain.SharingGroup, error) {
	query := `
		SELECT sharing_group_uuid, name, deleted, created_at
		FROM sharing_groups
		WHERE sharing_group_uuid = ?
	`

	group := &domain.SharingGroup{}
	var deleted int
	var createdAt string

	err := r.db.conn(ctx).QueryRowContext(ctx, query, sharingGroupUUID).Scan(
		&group.UUID,
		&group.Name,
		&deleted,
		&createdAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get sharing group: %w", mapError(err))
	}

	group.Deleted = deleted != 0
	group.CreatedAt = parseTime(createdAt)

	return group, nil
}

// UpdateName changes the display name of a sharing group.
func (r *sharingGroupRepository) UpdateName(ctx context.Context, sharingGroupUUID string, name *string) error {
	query := `UPDATE sharing_groups SET name = ? WHERE sharing_group_uuid = ? AND deleted = 0`

	result, err := r.db.conn(ctx).ExecContext(ctx, query, name, sharingGroupUUID)
	if err != nil {
		return fmt.Errorf("failed to update sharing group name: %w", mapError(err))
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return repository.ErrNotFound
	}

	return nil
}

// MarkDeleted soft-deletes a sharing group.
func (r *sharingGroupRepository) MarkDeleted(ctx context.Context, sharingGroupUUID string) (bool, error) {
	query := `UPDATE sharing_groups SET deleted = 1 WHERE sharing_group_uuid = ? AND deleted = 0`

	result, err := r.db.conn(ctx).ExecContext(ctx, query, sharingGroupUUID)
	if err != nil {
		return false, fmt.Errorf("failed to delete sharing group: %w", mapError(err))
	}

	rowsAffected, _ := result.RowsAffected()
	return rowsAffected > 0, nil
}

// ListForUser returns the non-deleted groups the user belongs to.
func (r *sharingGroupRepository) ListForUser(ctx context.Context, userID int64) ([]*domain.SharingGroupSummary, error) {
	query := `
		SELECT g.sharing_group_uuid, g.name, g.deleted, g.created_at,
		       COALESCE(mv.master_version, 0), sgu.permission
		FROM sharing_groups g
		JOIN sharing_group_users sgu ON sgu.sharing_group_uuid = g.sharing_group_uuid
		LEFT JOIN master_versions mv ON mv.sharing_group_uuid = g.sharing_group_uuid
		WHERE sgu.user_id = ? AND g.deleted = 0
		ORDER BY g.sharing_group_uuid
	`

	rows, err := r.db.conn(ctx).QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sharing groups: %w", mapError(err))
	}
	defer rows.Close()

	var groups []*domain.SharingGroupSummary
	for rows.Next() {
		summary := &domain.SharingGroupSummary{}
		var deleted int
		var createdAt, permission string

		if err := rows.Scan(
			&summary.UUID,
			&summary.Name,
			&deleted,
			&createdAt,
			&summary.MasterVersion,
			&permission,
		); err != nil {
			return nil, fmt.Errorf("failed to scan sharing group: %w", err)
		}

		summary.Deleted = deleted != 0
		summary.CreatedAt = parseTime(createdAt)
		summary.Permission = domain.Permission(permission)
		groups = append(groups, summary)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sharing groups: %w", err)
	}

	return groups, nil
}

// sharingGroupUserRepository implements repository.SharingGroupUserRepository for SQLite.
type sharingGroupUserRepository struct {
	db *DB
}

// NewSharingGroupUserRepository creates a new SQLite sharing group membership repository.
func NewSharingGroupUserRepository(db *DB) repository.SharingGroupUserRepository {
	return &sharingGroupUserRepository{db: db}
}

// Add adds a member.
func (r *sharingGroupUserRepository) Add(ctx context.Context, member *domain.SharingGroupUser) error {
	query := `
		INSERT INTO sharing_group_users (sharing_group_uuid, user_id, permission)
		VALUES (?, ?, ?)
	`

	result, err := r.db.conn(ctx).ExecContext(ctx, query,
		member.SharingGroupUUID,
		member.UserID,
		string(member.Permission),
	)
	if err != nil {
		return fmt.Errorf("failed to add sharing group member: %w", mapError(err))
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert ID: %w", err)
	}
	member.ID = id

	return nil
}

// Get returns the membership of a user in a group.
func (r *sharingGroupUserRepository) Get(ctx context.Context, sharingGroupUUID string, userID int64) (*domain.SharingGroupUser, error) {
	query := `
		SELECT id, sharing_group_uuid, user_id, permission
		FROM sharing_group_users
		WHERE sharing_group_uuid = ? AND user_id = ?
	`

	member := &domain.SharingGroupUser{}
	var permission string

	err := r.db.conn(ctx).QueryRowContext(ctx, query, sharingGroupUUID, userID).Scan(
		&member.ID,
		&member.SharingGroupUUID,
		&member.UserID,
		&permission,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get sharing group member: %w", mapError(err))
	}

	member.Permission = domain.Permission(permission)
	return member, nil
}

// Remove removes one member.
func (r *sharingGroupUserRepository) Remove(ctx context.Context, sharingGroupUUID string, userID int64) (bool, error) {
	query := `DELETE FROM sharing_group_users WHERE sharing_group_uuid = ? AND user_id = ?`

	result, err := r.db.conn(ctx).ExecContext(ctx, query, sharingGroupUUID, userID)
	if err != nil {
		return false, fmt.Errorf("failed to remove sharing group member: %w", mapError(err))
	}

	rowsAffected, _ := result.RowsAffected()
	return rowsAffected > 0, nil
}

// RemoveAll removes every member of a group.
func (r *sharingGroupUserRepository) RemoveAll(ctx context.Context, sharingGroupUUID string) (int64, error) {
	result, err := r.db.conn(ctx).ExecContext(ctx,
		`DELETE FROM sharing_group_users WHERE sharing_group_uuid = ?`, sharingGroupUUID)
	if err != nil {
		return 0, fmt.Errorf("failed to remove sharing group members: %w", mapError(err))
	}

	return result.RowsAffected()
}

// Count returns the number of members of a group.
func (r *sharingGroupUserRepository) Count(ctx context.Context, sharingGroupUUID string) (int64, error) {
	var count int64
	err := r.db.conn(ctx).QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sharing_group_users WHERE sharing_group_uuid = ?`, sharingGroupUUID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count sharing group members: %w", mapError(err))
	}
	return count, nil
}

// masterVersionRepository implements repository.MasterVersionRepository for SQLite.
type masterVersionRepository struct {
	db *DB
}

// NewMasterVersionRepository creates a new SQLite master version repository.
func NewMasterVersionRepository(db *DB) repository.MasterVersionRepository {
	return &masterVersionRepository{db: db}
}

// Initialize creates the counter of a new sharing group at version 0.
func (r *masterVersionRepository) Initialize(ctx context.Context, sharingGroupUUID string) error {
	_, err := r.db.conn(ctx).ExecContext(ctx,
		`INSERT INTO master_versions (sharing_group_uuid, master_version) VALUES (?, 0)`, sharingGroupUUID)
	if err != nil {
		return fmt.Errorf("failed to initialize master version: %w", mapError(err))
	}
	return nil
}

// Get returns the current master version.
func (r *masterVersionRepository) Get(ctx context.Context, sharingGroupUUID string) (int64, error) {
	var version int64
	err := r.db.conn(ctx).QueryRowContext(ctx,
		`SELECT master_version FROM master_versions WHERE sharing_group_uuid = ?`, sharingGroupUUID,
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to get master version: %w", mapError(err))
	}
	return version, nil
}

// UpdateToNext increments the version if it currently equals expected.
func (r *masterVersionRepository) UpdateToNext(ctx context.Context, sharingGroupUUID string, expected int64) (bool, error) {
	query := `
		UPDATE master_versions
		SET master_version = master_version + 1
		WHERE sharing_group_uuid = ? AND master_version = ?
	`

	result, err := r.db.conn(ctx).ExecContext(ctx, query, sharingGroupUUID, expected)
	if err != nil {
		return false, fmt.Errorf("failed to update master version: %w", mapError(err))
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return rowsAffected == 1, nil
}
