// Package model contains the struct definitions shared across packages.
package model

import (
	"time"
)

// Permission is the access level a user holds on a sharing group.
// Admin implies write, write implies read.
type Permission string

const (
	PermissionRead  Permission = "read"
	PermissionWrite Permission = "write"
	PermissionAdmin Permission = "admin"
)

// AtLeast reports whether p grants at least the level of min.
func (p Permission) AtLeast(min Permission) bool {
	return rank(p) >= rank(min)
}

func rank(p Permission) int {
	switch p {
	case PermissionAdmin:
		return 3
	case PermissionWrite:
		return 2
	case PermissionRead:
		return 1
	default:
		return 0
	}
}

// SharingGroup is a named collection of files shared among users.
type SharingGroup struct {
	UUID          string    `json:"sharingGroupUUID"`
	Name          string    `json:"name"`
	AccountScheme string    `json:"accountScheme"`
	Deleted       bool      `json:"deleted"`
	CreatedAt     time.Time `json:"createdAt"`
}

// SharingGroupUser ties a user to a sharing group with a permission level.
type SharingGroupUser struct {
	SharingGroupUUID string     `json:"sharingGroupUUID"`
	UserID           int64      `json:"userId"`
	Permission       Permission `json:"permission"`
}

// UploadState describes the lifecycle of a staged upload row.
type UploadState string

const (
	// StateUploadingFile marks a v0 full-file upload still in flight.
	StateUploadingFile UploadState = "uploadingFile"
	// StateUploadedFile marks a v0 full-file upload whose bytes and index
	// row have been committed.
	StateUploadedFile UploadState = "uploadedFile"
	// StateVNUploadFileChange marks a content-change payload waiting to be
	// applied by the uploader.
	StateVNUploadFileChange UploadState = "vNUploadFileChange"
	// StateDeleteSingleFile marks a pending deletion of one file.
	StateDeleteSingleFile UploadState = "deleteSingleFile"
)

// Upload is a staged, not-yet-applied unit describing one file's pending
// content change or deletion. Content-change and deletion rows are consumed
// (removed) by the uploader once applied; v0 rows remain as admission history
// so duplicate client retries can be answered idempotently.
type Upload struct {
	ID               int64       `json:"id"`
	FileUUID         string      `json:"fileUUID"`
	DeviceUUID       string      `json:"deviceUUID"`
	UserID           int64       `json:"userId"`
	SharingGroupUUID string      `json:"sharingGroupUUID"`
	State            UploadState `json:"state"`
	UploadContents   []byte      `json:"-"`
	UploadIndex      int32       `json:"uploadIndex"`
	UploadCount      int32       `json:"uploadCount"`
	DeferredUploadID *int64      `json:"deferredUploadId,omitempty"`
	V0UploadFile     bool        `json:"v0UploadFile"`
	CreatedAt        time.Time   `json:"createdAt"`
}

// DeferredStatus is the state of a deferred-upload batch.
type DeferredStatus string

const (
	DeferredPending         DeferredStatus = "pending"
	DeferredPendingChange   DeferredStatus = "pendingChange"
	DeferredPendingDeletion DeferredStatus = "pendingDeletion"
	DeferredCompleted       DeferredStatus = "completed"
	DeferredFailed          DeferredStatus = "failed"
)

// Active reports whether the batch still needs uploader work.
func (s DeferredStatus) Active() bool {
	switch s {
	case DeferredPending, DeferredPendingChange, DeferredPendingDeletion:
		return true
	default:
		return false
	}
}

// DeferredUpload is a unit of deferred work grouping one or more Upload rows
// that must be applied together. At most one active deferred upload exists
// per (sharingGroupUUID, fileGroupUUID) key; a nil FileGroupUUID means the
// ungrouped files of the sharing group.
type DeferredUpload struct {
	ID               int64          `json:"id"`
	SharingGroupUUID string         `json:"sharingGroupUUID"`
	FileGroupUUID    *string        `json:"fileGroupUUID,omitempty"`
	Status           DeferredStatus `json:"status"`
	UserID           int64          `json:"userId"`
	CreatedAt        time.Time      `json:"createdAt"`
}

// FileIndex is the authoritative record of a file's current state within a
// sharing group. Mutated only by successful application of deferred uploads
// and by v0 admission.
type FileIndex struct {
	SharingGroupUUID   string    `json:"sharingGroupUUID"`
	FileUUID           string    `json:"fileUUID"`
	FileVersion        int32     `json:"fileVersion"`
	MimeType           string    `json:"mimeType"`
	CloudFolderName    string    `json:"cloudFolderName"`
	CloudFileName      string    `json:"cloudFileName"`
	FileGroupUUID      *string   `json:"fileGroupUUID,omitempty"`
	ChangeResolverName *string   `json:"changeResolverName,omitempty"`
	Checksum           string    `json:"checksum"`
	Deleted            bool      `json:"deleted"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// Lock marks exclusive possession of the right to mutate a sharing group's
// authoritative state. Locks are short-lived: stale rows are purged before
// each acquisition attempt.
type Lock struct {
	ScopeKey   string    `json:"scopeKey"`
	HolderUUID string    `json:"holderUUID"`
	CreatedAt  time.Time `json:"createdAt"`
}

// DeletionsType selects the scope of an upload-deletion request: exactly one
// of FileUUID or FileGroupUUID is set.
type DeletionsType struct {
	FileUUID      string
	FileGroupUUID string
}

// SingleFile reports whether the deletion targets one file.
func (d DeletionsType) SingleFile() bool { return d.FileUUID != "" }
