package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/driftsync/driftsync/internal/model"
)

type pgUploads struct {
	db DBTX
}

const uploadColumns = `id, file_uuid, device_uuid, user_id, sharing_group_uuid, state,
	upload_contents, upload_index, upload_count, deferred_upload_id, v0_upload_file, created_at`

func (r *pgUploads) Create(ctx context.Context, u *model.Upload) error {
	u.CreatedAt = time.Now().UTC()
	err := r.db.QueryRow(ctx, `
		INSERT INTO uploads (file_uuid, device_uuid, user_id, sharing_group_uuid, state,
			upload_contents, upload_index, upload_count, deferred_upload_id, v0_upload_file, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING id
	`, u.FileUUID, u.DeviceUUID, u.UserID, u.SharingGroupUUID, u.State,
		u.UploadContents, u.UploadIndex, u.UploadCount, u.DeferredUploadID, u.V0UploadFile, u.CreatedAt).Scan(&u.ID)
	if err != nil {
		return fmt.Errorf("insert upload: %w", err)
	}
	return nil
}

func scanUpload(row pgx.Row) (*model.Upload, error) {
	var u model.Upload
	err := row.Scan(&u.ID, &u.FileUUID, &u.DeviceUUID, &u.UserID, &u.SharingGroupUUID, &u.State,
		&u.UploadContents, &u.UploadIndex, &u.UploadCount, &u.DeferredUploadID, &u.V0UploadFile, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan upload: %w", err)
	}
	return &u, nil
}

func (r *pgUploads) LookupExisting(ctx context.Context, sharingGroupUUID, fileUUID, deviceUUID string, state model.UploadState, uploadIndex int32) (*model.Upload, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+uploadColumns+` FROM uploads
		WHERE sharing_group_uuid=$1 AND file_uuid=$2 AND device_uuid=$3 AND state=$4 AND upload_index=$5
		ORDER BY id DESC LIMIT 1
	`, sharingGroupUUID, fileUUID, deviceUUID, state, uploadIndex)
	return scanUpload(row)
}

func (r *pgUploads) ForDeferred(ctx context.Context, deferredIDs []int64) ([]model.Upload, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+uploadColumns+` FROM uploads
		WHERE deferred_upload_id = ANY($1)
		ORDER BY deferred_upload_id, upload_index, id
	`, deferredIDs)
	if err != nil {
		return nil, fmt.Errorf("select uploads for deferred: %w", err)
	}
	defer rows.Close()
	var result []model.Upload
	for rows.Next() {
		u, err := scanUpload(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *pgUploads) Consume(ctx context.Context, rowIDs []int64) error {
	if _, err := r.db.Exec(ctx, `
		DELETE FROM uploads WHERE id = ANY($1)
	`, rowIDs); err != nil {
		return fmt.Errorf("consume uploads: %w", err)
	}
	return nil
}

// PendingDeletionExists joins against deferred_uploads so deletion rows
// belonging to completed or failed batches no longer block new changes.
func (r *pgUploads) PendingDeletionExists(ctx context.Context, sharingGroupUUID, fileUUID string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM uploads u
			JOIN deferred_uploads d ON d.id = u.deferred_upload_id
			WHERE u.sharing_group_uuid=$1 AND u.file_uuid=$2
			  AND u.state=$3
			  AND d.status IN ('pending', 'pendingChange', 'pendingDeletion')
		)
	`, sharingGroupUUID, fileUUID, model.StateDeleteSingleFile).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("select pending deletion: %w", err)
	}
	return exists, nil
}
