package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/driftsync/driftsync/internal/model"
)

type pgDeferredUploads struct {
	db DBTX
}

const deferredColumns = `id, sharing_group_uuid, file_group_uuid, status, user_id, created_at`

// Create inserts a new batch. The partial unique index over active statuses
// turns a racing second insert for the same key into ErrBatchActive.
func (r *pgDeferredUploads) Create(ctx context.Context, d *model.DeferredUpload) error {
	d.CreatedAt = time.Now().UTC()
	err := r.db.QueryRow(ctx, `
		INSERT INTO deferred_uploads (sharing_group_uuid, file_group_uuid, status, user_id, created_at)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING id
	`, d.SharingGroupUUID, d.FileGroupUUID, d.Status, d.UserID, d.CreatedAt).Scan(&d.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrBatchActive
		}
		return fmt.Errorf("insert deferred upload: %w", err)
	}
	return nil
}

func scanDeferred(row pgx.Row) (*model.DeferredUpload, error) {
	var d model.DeferredUpload
	err := row.Scan(&d.ID, &d.SharingGroupUUID, &d.FileGroupUUID, &d.Status, &d.UserID, &d.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan deferred upload: %w", err)
	}
	return &d, nil
}

func (r *pgDeferredUploads) Get(ctx context.Context, id int64) (*model.DeferredUpload, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+deferredColumns+` FROM deferred_uploads WHERE id=$1
	`, id)
	return scanDeferred(row)
}

func (r *pgDeferredUploads) ActiveForKey(ctx context.Context, sharingGroupUUID string, fileGroupUUID *string) (*model.DeferredUpload, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+deferredColumns+` FROM deferred_uploads
		WHERE sharing_group_uuid=$1
		  AND file_group_uuid IS NOT DISTINCT FROM $2
		  AND status IN ('pending', 'pendingChange', 'pendingDeletion')
	`, sharingGroupUUID, fileGroupUUID)
	return scanDeferred(row)
}

func (r *pgDeferredUploads) ListActive(ctx context.Context) ([]model.DeferredUpload, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+deferredColumns+` FROM deferred_uploads
		WHERE status IN ('pending', 'pendingChange', 'pendingDeletion')
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("select active deferred uploads: %w", err)
	}
	defer rows.Close()
	var result []model.DeferredUpload
	for rows.Next() {
		d, err := scanDeferred(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *pgDeferredUploads) SetStatus(ctx context.Context, ids []int64, status model.DeferredStatus) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := r.db.Exec(ctx, `
		UPDATE deferred_uploads SET status=$2 WHERE id = ANY($1)
	`, ids, status); err != nil {
		return fmt.Errorf("update deferred status: %w", err)
	}
	return nil
}
