package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/driftsync/driftsync/internal/model"
)

type pgFileIndex struct {
	db DBTX
}

const fileIndexColumns = `sharing_group_uuid, file_uuid, file_version, mime_type,
	cloud_folder_name, cloud_file_name, file_group_uuid, change_resolver_name,
	checksum, deleted, created_at, updated_at`

func scanFileIndex(row pgx.Row) (*model.FileIndex, error) {
	var fi model.FileIndex
	err := row.Scan(&fi.SharingGroupUUID, &fi.FileUUID, &fi.FileVersion, &fi.MimeType,
		&fi.CloudFolderName, &fi.CloudFileName, &fi.FileGroupUUID, &fi.ChangeResolverName,
		&fi.Checksum, &fi.Deleted, &fi.CreatedAt, &fi.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan file index: %w", err)
	}
	return &fi, nil
}

func (r *pgFileIndex) Get(ctx context.Context, sharingGroupUUID, fileUUID string) (*model.FileIndex, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+fileIndexColumns+` FROM file_index
		WHERE sharing_group_uuid=$1 AND file_uuid=$2
	`, sharingGroupUUID, fileUUID)
	return scanFileIndex(row)
}

func (r *pgFileIndex) List(ctx context.Context, sharingGroupUUID string) ([]model.FileIndex, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+fileIndexColumns+` FROM file_index
		WHERE sharing_group_uuid=$1 ORDER BY file_uuid
	`, sharingGroupUUID)
	if err != nil {
		return nil, fmt.Errorf("select file index: %w", err)
	}
	defer rows.Close()
	return collectFileIndex(rows)
}

func (r *pgFileIndex) GroupMembers(ctx context.Context, sharingGroupUUID, fileGroupUUID string) ([]model.FileIndex, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+fileIndexColumns+` FROM file_index
		WHERE sharing_group_uuid=$1 AND file_group_uuid=$2 ORDER BY file_uuid
	`, sharingGroupUUID, fileGroupUUID)
	if err != nil {
		return nil, fmt.Errorf("select file group members: %w", err)
	}
	defer rows.Close()
	return collectFileIndex(rows)
}

func collectFileIndex(rows pgx.Rows) ([]model.FileIndex, error) {
	var result []model.FileIndex
	for rows.Next() {
		fi, err := scanFileIndex(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *fi)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *pgFileIndex) Create(ctx context.Context, fi *model.FileIndex) error {
	now := time.Now().UTC()
	fi.CreatedAt = now
	fi.UpdatedAt = now
	if _, err := r.db.Exec(ctx, `
		INSERT INTO file_index (sharing_group_uuid, file_uuid, file_version, mime_type,
			cloud_folder_name, cloud_file_name, file_group_uuid, change_resolver_name,
			checksum, deleted, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, fi.SharingGroupUUID, fi.FileUUID, fi.FileVersion, fi.MimeType,
		fi.CloudFolderName, fi.CloudFileName, fi.FileGroupUUID, fi.ChangeResolverName,
		fi.Checksum, fi.Deleted, fi.CreatedAt, fi.UpdatedAt); err != nil {
		return fmt.Errorf("insert file index: %w", err)
	}
	return nil
}

// BumpVersion only advances; a row already past newVersion is left alone so
// re-running a completed apply step is a no-op.
func (r *pgFileIndex) BumpVersion(ctx context.Context, sharingGroupUUID, fileUUID string, newVersion int32, checksum string) error {
	if _, err := r.db.Exec(ctx, `
		UPDATE file_index SET file_version=$3, checksum=$4, updated_at=$5
		WHERE sharing_group_uuid=$1 AND file_uuid=$2 AND file_version < $3
	`, sharingGroupUUID, fileUUID, newVersion, checksum, time.Now().UTC()); err != nil {
		return fmt.Errorf("bump file version: %w", err)
	}
	return nil
}

func (r *pgFileIndex) MarkDeleted(ctx context.Context, sharingGroupUUID, fileUUID string) error {
	if _, err := r.db.Exec(ctx, `
		UPDATE file_index SET deleted=TRUE, updated_at=$3
		WHERE sharing_group_uuid=$1 AND file_uuid=$2
	`, sharingGroupUUID, fileUUID, time.Now().UTC()); err != nil {
		return fmt.Errorf("mark file deleted: %w", err)
	}
	return nil
}
