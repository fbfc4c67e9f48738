package postgres

import (
	"context"
	"fmt"

	"github.com/prn-tf/syncserver/internal/domain"
	"github.com/prn-tf/syncserver/internal/repository"
)

// sharingGroupRepository implements repository.SharingGroupRepository for PostgreSQL.
type sharingGroupRepository struct {
	db *DB
}

// NewSharingGroupRepository creates a new PostgreSQL sharing group repository.
func NewSharingGroupRepository(db *DB) repository.SharingGroupRepository {
	return &sharingGroupRepository{db: db}
}

func (r *sharingGroupRepository) Create(ctx context.Context, group *domain.SharingGroup) error {
	_, err := r.db.conn(ctx).Exec(ctx,
		`INSERT INTO sharing_groups (sharing_group_uuid, name, deleted, created_at) VALUES ($1, $2, $3, $4)`,
		group.UUID, group.Name, group.Deleted, group.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create sharing group: %w", mapError(err))
	}
	return nil
}

func (r *sharingGroupRepository) GetByUUID(ctx context.Context, sharingGroupUUID string) (*domain.SharingGroup, error) {
	group := &domain.SharingGroup{}
	err := r.db.conn(ctx).QueryRow(ctx,
		`SELECT sharing_group_uuid, name, deleted, created_at FROM sharing_groups WHERE sharing_group_uuid = $1`,
		sharingGroupUUID,
	).Scan(&group.UUID, &group.Name, &group.Deleted, &group.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get sharing group: %w", mapError(err))
	}
	return group, nil
}

func (r *sharingGroupRepository) UpdateName(ctx context.Context, sharingGroupUUID string, name *string) error {
	tag, err := r.db.conn(ctx).Exec(ctx,
		`UPDATE sharing_groups SET name = $1 WHERE sharing_group_uuid = $2 AND NOT deleted`,
		name, sharingGroupUUID)
	if err != nil {
		return fmt.Errorf("failed to update sharing group name: %w", mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *sharingGroupRepository) MarkDeleted(ctx context.Context, sharingGroupUUID string) (bool, error) {
	tag, err := r.db.conn(ctx).Exec(ctx,
		`UPDATE sharing_groups SET deleted = TRUE WHERE sharing_group_uuid = $1 AND NOT deleted`,
		sharingGroupUUID)
	if err != nil {
		return false, fmt.Errorf("failed to delete sharing group: %w", mapError(err))
	}
	return tag.RowsAffected() > 0, nil
}

func (r *sharingGroupRepository) ListForUser(ctx context.Context, userID int64) ([]*domain.SharingGroupSummary, error) {
	query := `
		SELECT g.sharing_group_uuid, g.name, g.deleted, g.created_at,
		       COALESCE(mv.master_version, 0), sgu.permission
		FROM sharing_groups g
		JOIN sharing_group_users sgu ON sgu.sharing_group_uuid = g.sharing_group_uuid
		LEFT JOIN master_versions mv ON mv.sharing_group_uuid = g.sharing_group_uuid
		WHERE sgu.user_id = $1 AND NOT g.deleted
		ORDER BY g.sharing_group_uuid
	`

	rows, err := r.db.conn(ctx).Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sharing groups: %w", mapError(err))
	}
	defer rows.Close()

	var groups []*domain.SharingGroupSummary
	for rows.Next() {
		summary := &domain.SharingGroupSummary{}
		var permission string
		if err := rows.Scan(
			&summary.UUID,
			&summary.Name,
			&summary.Deleted,
			&summary.CreatedAt,
			&summary.MasterVersion,
			&permission,
		); err != nil {
			return nil, fmt.Errorf("failed to scan sharing group: %w", err)
		}
		summary.Permission = domain.Permission(permission)
		groups = append(groups, summary)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sharing groups: %w", err)
	}

	return groups, nil
}

// sharingGroupUserRepository implements repository.SharingGroupUserRepository for PostgreSQL.
type sharingGroupUserRepository struct {
	db *DB
}

// NewSharingGroupUserRepository creates a new PostgreSQL sharing group membership repository.
func NewSharingGroupUserRepository(db *DB) repository.SharingGroupUserRepository {
	return &sharingGroupUserRepository{db: db}
}

func (r *sharingGroupUserRepository) Add(ctx context.Context, member *domain.SharingGroupUser) error {
	err := r.db.conn(ctx).QueryRow(ctx,
		`INSERT INTO sharing_group_users (sharing_group_uuid, user_id, permission) VALUES ($1, $2, $3) RETURNING id`,
		member.SharingGroupUUID, member.UserID, string(member.Permission),
	).Scan(&member.ID)
	if err != nil {
		return fmt.Errorf("failed to add sharing group member: %w", mapError(err))
	}
	return nil
}

func (r *sharingGroupUserRepository) Get(ctx context.Context, sharingGroupUUID string, userID int64) (*domain.SharingGroupUser, error) {
	member := &domain.SharingGroupUser{}
	var permission string

	err := r.db.conn(ctx).QueryRow(ctx,
		`SELECT id, sharing_group_uuid, user_id, permission FROM sharing_group_users
		 WHERE sharing_group_uuid = $1 AND user_id = $2`,
		sharingGroupUUID, userID,
	).Scan(&member.ID, &member.SharingGroupUUID, &member.UserID, &permission)
	if err != nil {
		return nil, fmt.Errorf("failed to get sharing group member: %w", mapError(err))
	}

	member.Permission = domain.Permission(permission)
	return member, nil
}

func (r *sharingGroupUserRepository) Remove(ctx context.Context, sharingGroupUUID string, userID int64) (bool, error) {
	tag, err := r.db.conn(ctx).Exec(ctx,
		`DELETE FROM sharing_group_users WHERE sharing_group_uuid = $1 AND user_id = $2`,
		sharingGroupUUID, userID)
	if err != nil {
		return false, fmt.Errorf("failed to remove sharing group member: %w", mapError(err))
	}
	return tag.RowsAffected() > 0, nil
}

func (r *sharingGroupUserRepository) RemoveAll(ctx context.Context, sharingGroupUUID string) (int64, error) {
	tag, err := r.db.conn(ctx).Exec(ctx,
		`DELETE FROM sharing_group_users WHERE sharing_group_uuid = $1`, sharingGroupUUID)
	if err != nil {
		return 0, fmt.Errorf("failed to remove sharing group members: %w", mapError(err))
	}
	return tag.RowsAffected(), nil
}

func (r *sharingGroupUserRepository) Count(ctx context.Context, sharingGroupUUID string) (int64, error) {
	var count int64
	err := r.db.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM sharing_group_users WHERE sharing_group_uuid = $1`, sharingGroupUUID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count sharing group members: %w", mapError(err))
	}
	return count, nil
}

// masterVersionRepository implements repository.MasterVersionRepository for PostgreSQL.
type masterVersionRepository struct {
	db *DB
}

// NewMasterVersionRepository creates a new PostgreSQL master version repository.
func NewMasterVersionRepository(db *DB) repository.MasterVersionRepository {
	return &masterVersionRepository{db: db}
}

func (r *masterVersionRepository) Initialize(ctx context.Context, sharingGroupUUID string) error {
	_, err := r.db.conn(ctx).Exec(ctx,
		`INSERT INTO master_versions (sharing_group_uuid, master_version) VALUES ($1, 0)`, sharingGroupUUID)
	if err != nil {
		return fmt.Errorf("failed to initialize master version: %w", mapError(err))
	}
	return nil
}

func (r *masterVersionRepository) Get(ctx context.Context, sharingGroupUUID string) (int64, error) {
	var version int64
	err := r.db.conn(ctx).QueryRow(ctx,
		`SELECT master_version FROM master_versions WHERE sharing_group_uuid = $1`, sharingGroupUUID,
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to get master version: %w", mapError(err))
	}
	return version, nil
}

// UpdateToNext increments the version if it currently equals expected.
// The row lock taken by the UPDATE serializes concurrent callers.
func (r *masterVersionRepository) UpdateToNext(ctx context.Context, sharingGroupUUID string, expected int64) (bool, error) {
	tag, err := r.db.conn(ctx).Exec(ctx,
		`UPDATE master_versions SET master_version = master_version + 1
		 WHERE sharing_group_uuid = $1 AND master_version = $2`,
		sharingGroupUUID, expected)
	if err != nil {
		return false, fmt.Errorf("failed to update master version: %w", mapError(err))
	}
	return tag.RowsAffected() == 1, nil
}
