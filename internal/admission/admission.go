// Package admission validates and records individual upload requests:
// v0 full-file uploads, vN content changes, and deletions. Every operation
// re-validates the client's master version, holds the sharing-group lock
// only for the duration of its database transaction, and answers duplicate
// client retries idempotently.
package admission

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/driftsync/driftsync/internal/changer"
	"github.com/driftsync/driftsync/internal/cloud"
	"github.com/driftsync/driftsync/internal/inspect"
	"github.com/driftsync/driftsync/internal/metrics"
	"github.com/driftsync/driftsync/internal/model"
	"github.com/driftsync/driftsync/internal/repository"
)

// Admission validation errors. All are terminal for the request; version
// conflicts are reported as data on the result instead.
var (
	ErrPermissionDenied = errors.New("insufficient permission for sharing group")
	ErrUnknownGroup     = errors.New("unknown sharing group")
	ErrUnknownFile      = errors.New("unknown file")
	ErrUnknownFileGroup = errors.New("unknown file group")
	// ErrFileGone is the distinguishable "resource gone" reason: the
	// target was deleted by an applied deferred upload.
	ErrFileGone = errors.New("file has been deleted")
	// ErrPendingDeletion rejects a change queued behind an unapplied
	// deletion; the file is conceptually gone already.
	ErrPendingDeletion = errors.New("file has a pending deletion")
	// ErrPayloadMismatch is the fatal duplicate-with-different-payload case.
	ErrPayloadMismatch = errors.New("duplicate upload with different payload")
	// ErrGroupScopedFile rejects deleting a grouped file by fileUUID; the
	// caller must delete the whole file group.
	ErrGroupScopedFile = errors.New("file belongs to a file group; delete by file group")
	// ErrBatchConflict rejects a deletion while a change batch is still
	// active for the same key; the client retries after the sweep.
	ErrBatchConflict = errors.New("conflicting deferred upload in progress")
	ErrMimeMismatch  = errors.New("mime type differs from existing file")
	ErrNoResolver    = errors.New("file has no change resolver")
)

// Service performs upload admission.
type Service struct {
	store      repository.Store
	clouds     *cloud.Registry
	resolvers  *changer.Registry
	inspectors *inspect.Registry
	metrics    *metrics.Metrics
	log        zerolog.Logger
}

// NewService constructs the admission service.
func NewService(store repository.Store, clouds *cloud.Registry, resolvers *changer.Registry,
	inspectors *inspect.Registry, m *metrics.Metrics, log zerolog.Logger) *Service {
	return &Service{
		store:      store,
		clouds:     clouds,
		resolvers:  resolvers,
		inspectors: inspectors,
		metrics:    m,
		log:        log,
	}
}

// UploadFileRequest admits a v0 full-file upload.
type UploadFileRequest struct {
	UserID           int64
	DeviceUUID       string
	SharingGroupUUID string
	FileUUID         string
	FileGroupUUID    *string
	MasterVersion    int64
	MimeType         string
	CloudFolderName  string
	CloudFileName    string
	// ChangeResolverName registers the resolver used for later vN
	// changes; files without one accept no content changes.
	ChangeResolverName *string
	Data               []byte
}

// UploadFileResult reports the outcome of a v0 admission.
type UploadFileResult struct {
	// VersionConflict is set with CurrentMasterVersion when the client's
	// version was stale; no state was changed.
	VersionConflict      bool
	CurrentMasterVersion int64
	// Duplicate marks an idempotent retry of an already-admitted upload.
	Duplicate bool
	File      *model.FileIndex
}

// UploadFile admits a v0 upload: the bytes go to cloud storage before the
// lock is taken, then a single transaction gates the master version and
// creates the index row. The lock is never held across the cloud call.
func (s *Service) UploadFile(ctx context.Context, req UploadFileRequest) (*UploadFileResult, error) {
	group, err := s.store.SharingGroups().Get(ctx, req.SharingGroupUUID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrUnknownGroup
		}
		return nil, err
	}
	if err := s.checkPermission(ctx, req.UserID, req.SharingGroupUUID, model.PermissionWrite); err != nil {
		return nil, err
	}

	// The existing-file check runs before the version gate: a duplicate
	// retry carries the master version from before its own admission
	// incremented it, and must still be answered idempotently.
	existing, err := s.store.FileIndex().Get(ctx, req.SharingGroupUUID, req.FileUUID)
	switch {
	case err == nil:
		return s.retryExistingV0(ctx, req, existing)
	case errors.Is(err, repository.ErrNotFound):
		// new file
	default:
		return nil, err
	}

	current, err := s.store.MasterVersions().Lookup(ctx, req.SharingGroupUUID)
	if err != nil {
		return nil, err
	}
	if current != req.MasterVersion {
		return &UploadFileResult{VersionConflict: true, CurrentMasterVersion: current}, nil
	}

	if req.ChangeResolverName != nil {
		if _, err := s.resolvers.Get(*req.ChangeResolverName); err != nil {
			return nil, err
		}
	}
	if err := s.inspectors.Check(req.MimeType, req.Data); err != nil {
		return nil, err
	}

	storage, err := s.clouds.Get(group.AccountScheme)
	if err != nil {
		return nil, err
	}
	objectName := cloud.ObjectName(req.CloudFolderName, req.CloudFileName, 0)
	opts := cloud.Options{MimeType: req.MimeType}
	sum, err := storage.UploadFile(ctx, objectName, req.Data, opts)
	createdObject := err == nil
	if errors.Is(err, cloud.ErrAlreadyExists) {
		// A prior attempt uploaded the bytes but died before committing
		// the index row; recover its checksum and continue.
		_, sum, err = storage.DownloadFile(ctx, objectName, opts)
	}
	if err != nil {
		return nil, fmt.Errorf("upload v0 object: %w", err)
	}

	if err := s.acquireLock(ctx, req.SharingGroupUUID, req.DeviceUUID); err != nil {
		return nil, err
	}
	defer s.releaseLock(ctx, req.SharingGroupUUID)

	result := &UploadFileResult{}
	err = s.store.WithinTx(ctx, func(tx repository.Stores) error {
		if err := tx.MasterVersions().UpdateToNext(ctx, req.SharingGroupUUID, req.MasterVersion); err != nil {
			if errors.Is(err, repository.ErrVersionMismatch) {
				current, lookupErr := tx.MasterVersions().Lookup(ctx, req.SharingGroupUUID)
				if lookupErr != nil {
					return lookupErr
				}
				result.VersionConflict = true
				result.CurrentMasterVersion = current
				return nil
			}
			return err
		}
		fi := &model.FileIndex{
			SharingGroupUUID:   req.SharingGroupUUID,
			FileUUID:           req.FileUUID,
			FileVersion:        0,
			MimeType:           req.MimeType,
			CloudFolderName:    req.CloudFolderName,
			CloudFileName:      req.CloudFileName,
			FileGroupUUID:      req.FileGroupUUID,
			ChangeResolverName: req.ChangeResolverName,
			Checksum:           sum,
		}
		if err := tx.FileIndex().Create(ctx, fi); err != nil {
			return err
		}
		upload := &model.Upload{
			FileUUID:         req.FileUUID,
			DeviceUUID:       req.DeviceUUID,
			UserID:           req.UserID,
			SharingGroupUUID: req.SharingGroupUUID,
			State:            model.StateUploadedFile,
			UploadIndex:      1,
			UploadCount:      1,
			V0UploadFile:     true,
		}
		if err := tx.Uploads().Create(ctx, upload); err != nil {
			return err
		}
		result.File = fi
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result.VersionConflict && createdObject {
		// The object uploaded above is orphaned; remove it best effort so
		// the client's retry does not trip over ErrAlreadyExists. An
		// adopted object is never removed: it may belong to a racing
		// admission of the same file that committed first.
		if delErr := storage.DeleteFile(ctx, objectName, opts); delErr != nil {
			s.log.Warn().Err(delErr).Str("object", objectName).Msg("orphan cleanup failed")
		}
	}
	return result, nil
}

// retryExistingV0 answers a v0 admission whose file index row already
// exists. Matching metadata from the same device is an idempotent retry.
func (s *Service) retryExistingV0(ctx context.Context, req UploadFileRequest, existing *model.FileIndex) (*UploadFileResult, error) {
	if existing.Deleted {
		return nil, ErrFileGone
	}
	if existing.MimeType != req.MimeType {
		return nil, ErrMimeMismatch
	}
	if _, err := s.store.Uploads().LookupExisting(ctx, req.SharingGroupUUID, req.FileUUID,
		req.DeviceUUID, model.StateUploadedFile, 1); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// The row exists but not from this device's admission; the
			// file uuid is taken.
			return nil, ErrPayloadMismatch
		}
		return nil, err
	}
	return &UploadFileResult{Duplicate: true, File: existing}, nil
}

// UploadChangeRequest admits one vN content-change payload.
type UploadChangeRequest struct {
	UserID           int64
	DeviceUUID       string
	SharingGroupUUID string
	FileUUID         string
	MasterVersion    int64
	// UploadIndex/UploadCount position the payload within a multi-part
	// change batch from one device.
	UploadIndex int32
	UploadCount int32
	Payload     []byte
}

// UploadChangeResult reports the outcome of a vN admission.
type UploadChangeResult struct {
	VersionConflict      bool
	CurrentMasterVersion int64
	Duplicate            bool
	DeferredUploadID     int64
}

// UploadChange stages a content-change payload against the file's active
// deferred-upload batch, creating one when none exists. No cloud I/O happens
// here; the lock covers only the transaction.
func (s *Service) UploadChange(ctx context.Context, req UploadChangeRequest) (*UploadChangeResult, error) {
	if err := s.checkPermission(ctx, req.UserID, req.SharingGroupUUID, model.PermissionWrite); err != nil {
		return nil, err
	}
	if err := s.acquireLock(ctx, req.SharingGroupUUID, req.DeviceUUID); err != nil {
		return nil, err
	}
	defer s.releaseLock(ctx, req.SharingGroupUUID)

	result := &UploadChangeResult{}
	err := s.store.WithinTx(ctx, func(tx repository.Stores) error {
		current, err := tx.MasterVersions().Lookup(ctx, req.SharingGroupUUID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrUnknownGroup
			}
			return err
		}
		if current != req.MasterVersion {
			result.VersionConflict = true
			result.CurrentMasterVersion = current
			return nil
		}

		fi, err := tx.FileIndex().Get(ctx, req.SharingGroupUUID, req.FileUUID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrUnknownFile
			}
			return err
		}
		if fi.Deleted {
			return ErrFileGone
		}
		if fi.ChangeResolverName == nil {
			return ErrNoResolver
		}
		pending, err := tx.Uploads().PendingDeletionExists(ctx, req.SharingGroupUUID, req.FileUUID)
		if err != nil {
			return err
		}
		if pending {
			return ErrPendingDeletion
		}

		deferred, err := s.activeOrNewBatch(ctx, tx, req.SharingGroupUUID, fi.FileGroupUUID,
			req.UserID, model.DeferredPendingChange)
		if err != nil {
			return err
		}
		result.DeferredUploadID = deferred.ID

		existing, err := tx.Uploads().LookupExisting(ctx, req.SharingGroupUUID, req.FileUUID,
			req.DeviceUUID, model.StateVNUploadFileChange, req.UploadIndex)
		if err == nil && existing.DeferredUploadID != nil && *existing.DeferredUploadID == deferred.ID {
			if string(existing.UploadContents) != string(req.Payload) {
				return ErrPayloadMismatch
			}
			result.Duplicate = true
			return nil
		}
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return err
		}

		upload := &model.Upload{
			FileUUID:         req.FileUUID,
			DeviceUUID:       req.DeviceUUID,
			UserID:           req.UserID,
			SharingGroupUUID: req.SharingGroupUUID,
			State:            model.StateVNUploadFileChange,
			UploadContents:   req.Payload,
			UploadIndex:      req.UploadIndex,
			UploadCount:      req.UploadCount,
			DeferredUploadID: &deferred.ID,
		}
		return tx.Uploads().Create(ctx, upload)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// UploadDeletionRequest admits a deletion of one file or a whole file group.
type UploadDeletionRequest struct {
	UserID           int64
	DeviceUUID       string
	SharingGroupUUID string
	MasterVersion    int64
	Deletions        model.DeletionsType
}

// UploadDeletionResult reports the outcome of a deletion admission.
type UploadDeletionResult struct {
	VersionConflict      bool
	CurrentMasterVersion int64
	Duplicate            bool
	DeferredUploadID     int64
	NumberFiles          int
}

// UploadDeletion stages deletion rows for the target files against a
// pendingDeletion batch. Deleting a grouped file by fileUUID is rejected;
// the caller must delete the whole group.
func (s *Service) UploadDeletion(ctx context.Context, req UploadDeletionRequest) (*UploadDeletionResult, error) {
	if err := s.checkPermission(ctx, req.UserID, req.SharingGroupUUID, model.PermissionWrite); err != nil {
		return nil, err
	}
	if err := s.acquireLock(ctx, req.SharingGroupUUID, req.DeviceUUID); err != nil {
		return nil, err
	}
	defer s.releaseLock(ctx, req.SharingGroupUUID)

	result := &UploadDeletionResult{}
	err := s.store.WithinTx(ctx, func(tx repository.Stores) error {
		current, err := tx.MasterVersions().Lookup(ctx, req.SharingGroupUUID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrUnknownGroup
			}
			return err
		}
		if current != req.MasterVersion {
			result.VersionConflict = true
			result.CurrentMasterVersion = current
			return nil
		}

		targets, key, err := s.deletionTargets(ctx, tx, req)
		if err != nil {
			return err
		}
		result.NumberFiles = len(targets)

		deferred, err := s.activeOrNewBatch(ctx, tx, req.SharingGroupUUID, key,
			req.UserID, model.DeferredPendingDeletion)
		if err != nil {
			return err
		}
		result.DeferredUploadID = deferred.ID

		allPresent := true
		for _, fi := range targets {
			existing, err := tx.Uploads().LookupExisting(ctx, req.SharingGroupUUID, fi.FileUUID,
				req.DeviceUUID, model.StateDeleteSingleFile, 1)
			if err == nil && existing.DeferredUploadID != nil && *existing.DeferredUploadID == deferred.ID {
				continue
			}
			if err != nil && !errors.Is(err, repository.ErrNotFound) {
				return err
			}
			allPresent = false
			upload := &model.Upload{
				FileUUID:         fi.FileUUID,
				DeviceUUID:       req.DeviceUUID,
				UserID:           req.UserID,
				SharingGroupUUID: req.SharingGroupUUID,
				State:            model.StateDeleteSingleFile,
				UploadIndex:      1,
				UploadCount:      1,
				DeferredUploadID: &deferred.ID,
			}
			if err := tx.Uploads().Create(ctx, upload); err != nil {
				return err
			}
		}
		result.Duplicate = allPresent
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// deletionTargets resolves the files covered by the request and the batch
// key they belong under.
func (s *Service) deletionTargets(ctx context.Context, tx repository.Stores, req UploadDeletionRequest) ([]model.FileIndex, *string, error) {
	if req.Deletions.SingleFile() {
		fi, err := tx.FileIndex().Get(ctx, req.SharingGroupUUID, req.Deletions.FileUUID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil, nil, ErrUnknownFile
			}
			return nil, nil, err
		}
		if fi.Deleted {
			return nil, nil, ErrFileGone
		}
		if fi.FileGroupUUID != nil {
			return nil, nil, ErrGroupScopedFile
		}
		return []model.FileIndex{*fi}, nil, nil
	}

	members, err := tx.FileIndex().GroupMembers(ctx, req.SharingGroupUUID, req.Deletions.FileGroupUUID)
	if err != nil {
		return nil, nil, err
	}
	if len(members) == 0 {
		return nil, nil, ErrUnknownFileGroup
	}
	var live []model.FileIndex
	for _, fi := range members {
		if !fi.Deleted {
			live = append(live, fi)
		}
	}
	if len(live) == 0 {
		return nil, nil, ErrFileGone
	}
	key := req.Deletions.FileGroupUUID
	return live, &key, nil
}

// activeOrNewBatch returns the active batch for the key when its status
// matches want, creates one when none exists, and rejects mismatched
// statuses: a change never joins a deletion batch and vice versa.
func (s *Service) activeOrNewBatch(ctx context.Context, tx repository.Stores, sharingGroupUUID string,
	key *string, userID int64, want model.DeferredStatus) (*model.DeferredUpload, error) {
	for attempt := 0; attempt < 2; attempt++ {
		active, err := tx.DeferredUploads().ActiveForKey(ctx, sharingGroupUUID, key)
		if err == nil {
			if active.Status == want {
				return active, nil
			}
			if want == model.DeferredPendingChange && active.Status == model.DeferredPendingDeletion {
				return nil, ErrPendingDeletion
			}
			return nil, ErrBatchConflict
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
		deferred := &model.DeferredUpload{
			SharingGroupUUID: sharingGroupUUID,
			FileGroupUUID:    key,
			Status:           want,
			UserID:           userID,
		}
		err = tx.DeferredUploads().Create(ctx, deferred)
		if err == nil {
			return deferred, nil
		}
		if !errors.Is(err, repository.ErrBatchActive) {
			return nil, err
		}
		// Lost a race for the key; re-fetch the winner's batch.
	}
	return nil, ErrBatchConflict
}

// IndexResult is a read-only snapshot of a sharing group's file index.
type IndexResult struct {
	MasterVersion int64             `json:"masterVersion"`
	Files         []model.FileIndex `json:"files"`
}

// Index returns the sharing group's current master version and file index.
// Requires read permission.
func (s *Service) Index(ctx context.Context, userID int64, sharingGroupUUID string) (*IndexResult, error) {
	if err := s.checkPermission(ctx, userID, sharingGroupUUID, model.PermissionRead); err != nil {
		return nil, err
	}
	version, err := s.store.MasterVersions().Lookup(ctx, sharingGroupUUID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrUnknownGroup
		}
		return nil, err
	}
	files, err := s.store.FileIndex().List(ctx, sharingGroupUUID)
	if err != nil {
		return nil, err
	}
	return &IndexResult{MasterVersion: version, Files: files}, nil
}

func (s *Service) checkPermission(ctx context.Context, userID int64, sharingGroupUUID string, min model.Permission) error {
	perm, err := s.store.SharingGroups().Permission(ctx, userID, sharingGroupUUID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrPermissionDenied
		}
		return err
	}
	if !perm.AtLeast(min) {
		return ErrPermissionDenied
	}
	return nil
}

func (s *Service) acquireLock(ctx context.Context, scopeKey, deviceUUID string) error {
	err := s.store.Locks().Acquire(ctx, scopeKey, deviceUUID)
	if errors.Is(err, repository.ErrLockHeld) {
		if s.metrics != nil {
			s.metrics.LockContention.Inc()
		}
	}
	return err
}

func (s *Service) releaseLock(ctx context.Context, scopeKey string) {
	if err := s.store.Locks().Release(ctx, scopeKey); err != nil {
		s.log.Warn().Err(err).Str("scope", scopeKey).Msg("lock release failed")
	}
}
