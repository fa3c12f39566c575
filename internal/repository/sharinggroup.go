package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/driftsync/driftsync/internal/model"
)

type pgSharingGroups struct {
	db DBTX
}

// Create inserts the group and its zero-valued master version row together
// so every group has a version counter from birth.
func (r *pgSharingGroups) Create(ctx context.Context, g model.SharingGroup) error {
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC()
	}
	if _, err := r.db.Exec(ctx, `
		INSERT INTO sharing_groups (sharing_group_uuid, name, account_scheme, deleted, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, g.UUID, g.Name, g.AccountScheme, g.Deleted, g.CreatedAt); err != nil {
		return fmt.Errorf("insert sharing group: %w", err)
	}
	if _, err := r.db.Exec(ctx, `
		INSERT INTO master_versions (sharing_group_uuid, version) VALUES ($1, 0)
	`, g.UUID); err != nil {
		return fmt.Errorf("insert master version: %w", err)
	}
	return nil
}

func (r *pgSharingGroups) Get(ctx context.Context, sharingGroupUUID string) (*model.SharingGroup, error) {
	var g model.SharingGroup
	err := r.db.QueryRow(ctx, `
		SELECT sharing_group_uuid, name, account_scheme, deleted, created_at
		FROM sharing_groups WHERE sharing_group_uuid=$1
	`, sharingGroupUUID).Scan(&g.UUID, &g.Name, &g.AccountScheme, &g.Deleted, &g.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select sharing group: %w", err)
	}
	return &g, nil
}

func (r *pgSharingGroups) AddUser(ctx context.Context, u model.SharingGroupUser) error {
	if _, err := r.db.Exec(ctx, `
		INSERT INTO sharing_group_users (sharing_group_uuid, user_id, permission)
		VALUES ($1,$2,$3)
		ON CONFLICT (sharing_group_uuid, user_id) DO UPDATE SET permission=EXCLUDED.permission
	`, u.SharingGroupUUID, u.UserID, u.Permission); err != nil {
		return fmt.Errorf("insert sharing group user: %w", err)
	}
	return nil
}

func (r *pgSharingGroups) Permission(ctx context.Context, userID int64, sharingGroupUUID string) (model.Permission, error) {
	var p model.Permission
	err := r.db.QueryRow(ctx, `
		SELECT permission FROM sharing_group_users
		WHERE sharing_group_uuid=$1 AND user_id=$2
	`, sharingGroupUUID, userID).Scan(&p)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("select permission: %w", err)
	}
	return p, nil
}
