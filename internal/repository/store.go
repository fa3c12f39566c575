// Package repository defines the persistence contracts consumed by the
// admission and uploader layers, together with a Postgres implementation
// (pgx) and an in-memory implementation used for tests and dev mode.
package repository

import (
	"context"
	"errors"

	"github.com/driftsync/driftsync/internal/model"
)

// Sentinel errors. Callers match these with errors.Is.
var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrVersionMismatch is returned by UpdateToNext when the expected
	// master version no longer matches the stored one.
	ErrVersionMismatch = errors.New("master version mismatch")
	// ErrLockHeld is returned when a fresh lock for the scope key is
	// already held by another device.
	ErrLockHeld = errors.New("lock already held")
	// ErrBatchActive is returned when creating a deferred upload would
	// violate the single-active-batch-per-key invariant.
	ErrBatchActive = errors.New("active deferred upload exists for key")
)

// Store is the top-level persistence handle. It exposes auto-commit access
// through the embedded Stores and transactional access through WithinTx.
// Lock acquisition/release always runs auto-commit so a rolled-back
// transaction cannot resurrect or orphan a lock row.
type Store interface {
	Stores
	// WithinTx runs fn inside a database transaction. The Stores passed to
	// fn are bound to that transaction; any error rolls it back.
	WithinTx(ctx context.Context, fn func(Stores) error) error
}

// Stores vends the individual table-scoped stores.
type Stores interface {
	SharingGroups() SharingGroupStore
	MasterVersions() MasterVersionStore
	Locks() LockStore
	FileIndex() FileIndexStore
	Uploads() UploadStore
	DeferredUploads() DeferredUploadStore
}

// SharingGroupStore covers sharing groups and their memberships.
type SharingGroupStore interface {
	Create(ctx context.Context, g model.SharingGroup) error
	Get(ctx context.Context, sharingGroupUUID string) (*model.SharingGroup, error)
	AddUser(ctx context.Context, u model.SharingGroupUser) error
	// Permission returns the permission userID holds on the group, or
	// ErrNotFound when the user is not a member.
	Permission(ctx context.Context, userID int64, sharingGroupUUID string) (model.Permission, error)
}

// MasterVersionStore is the optimistic-concurrency backbone.
type MasterVersionStore interface {
	Lookup(ctx context.Context, sharingGroupUUID string) (int64, error)
	// UpdateToNext atomically increments the version by one, but only if
	// the stored value equals expected; otherwise it returns
	// ErrVersionMismatch without mutating state.
	UpdateToNext(ctx context.Context, sharingGroupUUID string, expected int64) error
}

// LockStore provides short-duration mutual exclusion per scope key.
type LockStore interface {
	// Acquire purges stale locks for the scope and then attempts an atomic
	// claim. A fresh lock held by someone else yields ErrLockHeld; callers
	// never wait.
	Acquire(ctx context.Context, scopeKey, holderUUID string) error
	Release(ctx context.Context, scopeKey string) error
}

// FileIndexStore is the authoritative record of what exists.
type FileIndexStore interface {
	Get(ctx context.Context, sharingGroupUUID, fileUUID string) (*model.FileIndex, error)
	List(ctx context.Context, sharingGroupUUID string) ([]model.FileIndex, error)
	GroupMembers(ctx context.Context, sharingGroupUUID, fileGroupUUID string) ([]model.FileIndex, error)
	Create(ctx context.Context, fi *model.FileIndex) error
	// BumpVersion advances one file's version after its changes were
	// persisted to cloud storage.
	BumpVersion(ctx context.Context, sharingGroupUUID, fileUUID string, newVersion int32, checksum string) error
	MarkDeleted(ctx context.Context, sharingGroupUUID, fileUUID string) error
}

// UploadStore stages pending per-file work.
type UploadStore interface {
	Create(ctx context.Context, u *model.Upload) error
	// LookupExisting finds a previously admitted row with the same
	// identity, used to answer duplicate client retries idempotently.
	LookupExisting(ctx context.Context, sharingGroupUUID, fileUUID, deviceUUID string, state model.UploadState, uploadIndex int32) (*model.Upload, error)
	// ForDeferred returns every upload row belonging to the given deferred
	// batches ordered by deferred upload id, then upload index, then id.
	// This ordering is the per-file total order the uploader relies on.
	ForDeferred(ctx context.Context, deferredIDs []int64) ([]model.Upload, error)
	// Consume removes exactly the given staged rows once applied. Scoping
	// the delete to row ids keeps rows admitted after the caller loaded
	// its snapshot alive for a later pass.
	Consume(ctx context.Context, rowIDs []int64) error
	// PendingDeletionExists reports whether a not-yet-applied deletion row
	// targets the file.
	PendingDeletionExists(ctx context.Context, sharingGroupUUID, fileUUID string) (bool, error)
}

// DeferredUploadStore manages batch records.
type DeferredUploadStore interface {
	Create(ctx context.Context, d *model.DeferredUpload) error
	Get(ctx context.Context, id int64) (*model.DeferredUpload, error)
	// ActiveForKey returns the single active batch for the
	// (sharingGroupUUID, fileGroupUUID) key, or ErrNotFound.
	ActiveForKey(ctx context.Context, sharingGroupUUID string, fileGroupUUID *string) (*model.DeferredUpload, error)
	// ListActive returns all batches still needing uploader work, oldest
	// first.
	ListActive(ctx context.Context) ([]model.DeferredUpload, error)
	SetStatus(ctx context.Context, ids []int64, status model.DeferredStatus) error
}
