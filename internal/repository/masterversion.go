package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

type pgMasterVersions struct {
	db DBTX
}

// Lookup returns the current master version for the sharing group.
func (r *pgMasterVersions) Lookup(ctx context.Context, sharingGroupUUID string) (int64, error) {
	var version int64
	err := r.db.QueryRow(ctx, `
		SELECT version FROM master_versions WHERE sharing_group_uuid=$1
	`, sharingGroupUUID).Scan(&version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("select master version: %w", err)
	}
	return version, nil
}

// UpdateToNext is a single compare-and-increment statement: it succeeds only
// when the stored version still equals expected. Zero rows affected means
// another writer got there first.
func (r *pgMasterVersions) UpdateToNext(ctx context.Context, sharingGroupUUID string, expected int64) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE master_versions SET version = version + 1
		WHERE sharing_group_uuid=$1 AND version=$2
	`, sharingGroupUUID, expected)
	if err != nil {
		return fmt.Errorf("update master version: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionMismatch
	}
	return nil
}
