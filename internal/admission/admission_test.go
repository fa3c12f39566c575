package admission

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftsync/driftsync/internal/changer"
	"github.com/driftsync/driftsync/internal/cloud"
	"github.com/driftsync/driftsync/internal/inspect"
	"github.com/driftsync/driftsync/internal/metrics"
	"github.com/driftsync/driftsync/internal/model"
	"github.com/driftsync/driftsync/internal/repository"
)

const (
	writerID int64 = 1
	readerID int64 = 2
)

func newTestService(t *testing.T) (*Service, *repository.Memory, *cloud.MemoryStorage) {
	t.Helper()
	ctx := context.Background()
	store := repository.NewMemory(30 * time.Second)
	require.NoError(t, store.SharingGroups().Create(ctx, model.SharingGroup{
		UUID:          "sg1",
		Name:          "test group",
		AccountScheme: "memory",
	}))
	require.NoError(t, store.SharingGroups().AddUser(ctx, model.SharingGroupUser{
		SharingGroupUUID: "sg1", UserID: writerID, Permission: model.PermissionWrite,
	}))
	require.NoError(t, store.SharingGroups().AddUser(ctx, model.SharingGroupUser{
		SharingGroupUUID: "sg1", UserID: readerID, Permission: model.PermissionRead,
	}))

	storage := cloud.NewMemoryStorage()
	clouds := cloud.NewRegistry()
	clouds.Register("memory", storage)

	svc := NewService(store, clouds, changer.NewRegistry(), inspect.NewRegistry(),
		metrics.New(prometheus.NewRegistry()), zerolog.Nop())
	return svc, store, storage
}

func v0Request(fileUUID string, masterVersion int64) UploadFileRequest {
	resolver := changer.CommentFileResolverName
	return UploadFileRequest{
		UserID:             writerID,
		DeviceUUID:         "device-a",
		SharingGroupUUID:   "sg1",
		FileUUID:           fileUUID,
		MasterVersion:      masterVersion,
		MimeType:           "application/json",
		CloudFolderName:    "sg1",
		CloudFileName:      fileUUID + ".json",
		ChangeResolverName: &resolver,
		Data:               []byte(`{"elements":[]}`),
	}
}

func TestUploadFileV0(t *testing.T) {
	ctx := context.Background()
	svc, store, storage := newTestService(t)

	result, err := svc.UploadFile(ctx, v0Request("f1", 0))
	require.NoError(t, err)
	assert.False(t, result.VersionConflict)
	assert.False(t, result.Duplicate)
	require.NotNil(t, result.File)
	assert.Equal(t, int32(0), result.File.FileVersion)
	assert.NotEmpty(t, result.File.Checksum)

	// v0 admission increments the master version in its own transaction.
	v, err := store.MasterVersions().Lookup(ctx, "sg1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	exists, err := storage.LookupFile(ctx, cloud.ObjectName("sg1", "f1.json", 0), cloud.Options{})
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestUploadFileDuplicateRetry(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t)

	_, err := svc.UploadFile(ctx, v0Request("f1", 0))
	require.NoError(t, err)

	// The client never saw the response and retries with its old master
	// version. It must get the idempotent answer, not a conflict.
	result, err := svc.UploadFile(ctx, v0Request("f1", 0))
	require.NoError(t, err)
	assert.True(t, result.Duplicate)
	require.NotNil(t, result.File)

	v, err := store.MasterVersions().Lookup(ctx, "sg1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}

func TestUploadFileVersionConflict(t *testing.T) {
	ctx := context.Background()
	svc, _, storage := newTestService(t)

	result, err := svc.UploadFile(ctx, v0Request("f1", 7))
	require.NoError(t, err)
	assert.True(t, result.VersionConflict)
	assert.Equal(t, int64(0), result.CurrentMasterVersion)

	// Nothing was uploaded for the rejected request.
	exists, err := storage.LookupFile(ctx, cloud.ObjectName("sg1", "f1.json", 0), cloud.Options{})
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestUploadFilePermission(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	req := v0Request("f1", 0)
	req.UserID = readerID
	_, err := svc.UploadFile(ctx, req)
	assert.ErrorIs(t, err, ErrPermissionDenied)

	req = v0Request("f1", 0)
	req.UserID = 99
	_, err = svc.UploadFile(ctx, req)
	assert.ErrorIs(t, err, ErrPermissionDenied)

	req = v0Request("f1", 0)
	req.SharingGroupUUID = "nope"
	_, err = svc.UploadFile(ctx, req)
	assert.ErrorIs(t, err, ErrUnknownGroup)
}

func changeRequest(fileUUID string, masterVersion int64, index, count int32, payload string) UploadChangeRequest {
	return UploadChangeRequest{
		UserID:           writerID,
		DeviceUUID:       "device-a",
		SharingGroupUUID: "sg1",
		FileUUID:         fileUUID,
		MasterVersion:    masterVersion,
		UploadIndex:      index,
		UploadCount:      count,
		Payload:          []byte(payload),
	}
}

func TestUploadChange(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t)
	_, err := svc.UploadFile(ctx, v0Request("f1", 0))
	require.NoError(t, err)

	result, err := svc.UploadChange(ctx, changeRequest("f1", 1, 1, 2, `{"c":"one"}`))
	require.NoError(t, err)
	assert.False(t, result.Duplicate)
	assert.NotZero(t, result.DeferredUploadID)

	// Second payload of the same batch joins the same deferred upload.
	second, err := svc.UploadChange(ctx, changeRequest("f1", 1, 2, 2, `{"c":"two"}`))
	require.NoError(t, err)
	assert.Equal(t, result.DeferredUploadID, second.DeferredUploadID)

	// Change admission never bumps the master version; that happens when
	// the batch is applied.
	v, err := store.MasterVersions().Lookup(ctx, "sg1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	// Retrying a payload is idempotent.
	retry, err := svc.UploadChange(ctx, changeRequest("f1", 1, 1, 2, `{"c":"one"}`))
	require.NoError(t, err)
	assert.True(t, retry.Duplicate)

	// Same identity with different bytes is a hard failure.
	_, err = svc.UploadChange(ctx, changeRequest("f1", 1, 1, 2, `{"c":"evil"}`))
	assert.ErrorIs(t, err, ErrPayloadMismatch)
}

func TestUploadChangeValidation(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	req := v0Request("f1", 0)
	req.ChangeResolverName = nil
	_, err := svc.UploadFile(ctx, req)
	require.NoError(t, err)

	// A file admitted without a resolver accepts no changes.
	_, err = svc.UploadChange(ctx, changeRequest("f1", 1, 1, 1, `{}`))
	assert.ErrorIs(t, err, ErrNoResolver)

	_, err = svc.UploadChange(ctx, changeRequest("missing", 1, 1, 1, `{}`))
	assert.ErrorIs(t, err, ErrUnknownFile)

	conflict, err := svc.UploadChange(ctx, changeRequest("f1", 0, 1, 1, `{}`))
	require.NoError(t, err)
	assert.True(t, conflict.VersionConflict)
	assert.Equal(t, int64(1), conflict.CurrentMasterVersion)
}

func TestChangeRejectedBehindPendingDeletion(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	_, err := svc.UploadFile(ctx, v0Request("f1", 0))
	require.NoError(t, err)
	_, err = svc.UploadFile(ctx, v0Request("f2", 1))
	require.NoError(t, err)

	_, err = svc.UploadDeletion(ctx, UploadDeletionRequest{
		UserID:           writerID,
		DeviceUUID:       "device-a",
		SharingGroupUUID: "sg1",
		MasterVersion:    2,
		Deletions:        model.DeletionsType{FileUUID: "f1"},
	})
	require.NoError(t, err)

	// The file with the staged deletion is conceptually gone.
	_, err = svc.UploadChange(ctx, changeRequest("f1", 2, 1, 1, `{}`))
	assert.ErrorIs(t, err, ErrPendingDeletion)

	// Other ungrouped files share the batch key, and a change never joins
	// a deletion batch.
	_, err = svc.UploadChange(ctx, changeRequest("f2", 2, 1, 1, `{}`))
	assert.ErrorIs(t, err, ErrPendingDeletion)
}

func TestDeletionWhileChangeBatchActive(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	_, err := svc.UploadFile(ctx, v0Request("f1", 0))
	require.NoError(t, err)

	_, err = svc.UploadChange(ctx, changeRequest("f1", 1, 1, 1, `{}`))
	require.NoError(t, err)

	// The client retries after the change batch is swept.
	_, err = svc.UploadDeletion(ctx, UploadDeletionRequest{
		UserID:           writerID,
		DeviceUUID:       "device-a",
		SharingGroupUUID: "sg1",
		MasterVersion:    1,
		Deletions:        model.DeletionsType{FileUUID: "f1"},
	})
	assert.ErrorIs(t, err, ErrBatchConflict)
}

func TestDeletionGroupScopedFile(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	groupUUID := "fg1"
	req := v0Request("f1", 0)
	req.FileGroupUUID = &groupUUID
	_, err := svc.UploadFile(ctx, req)
	require.NoError(t, err)

	_, err = svc.UploadDeletion(ctx, UploadDeletionRequest{
		UserID:           writerID,
		DeviceUUID:       "device-a",
		SharingGroupUUID: "sg1",
		MasterVersion:    1,
		Deletions:        model.DeletionsType{FileUUID: "f1"},
	})
	assert.ErrorIs(t, err, ErrGroupScopedFile)
}

func TestDeletionOfFileGroup(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	groupUUID := "fg1"
	for i, f := range []string{"f1", "f2"} {
		req := v0Request(f, int64(i))
		req.FileGroupUUID = &groupUUID
		_, err := svc.UploadFile(ctx, req)
		require.NoError(t, err)
	}

	del := UploadDeletionRequest{
		UserID:           writerID,
		DeviceUUID:       "device-a",
		SharingGroupUUID: "sg1",
		MasterVersion:    2,
		Deletions:        model.DeletionsType{FileGroupUUID: groupUUID},
	}
	result, err := svc.UploadDeletion(ctx, del)
	require.NoError(t, err)
	assert.False(t, result.Duplicate)
	assert.Equal(t, 2, result.NumberFiles)
	assert.NotZero(t, result.DeferredUploadID)

	// A full retry finds every row already staged.
	retry, err := svc.UploadDeletion(ctx, del)
	require.NoError(t, err)
	assert.True(t, retry.Duplicate)
	assert.Equal(t, result.DeferredUploadID, retry.DeferredUploadID)

	del.Deletions = model.DeletionsType{FileGroupUUID: "nope"}
	_, err = svc.UploadDeletion(ctx, del)
	assert.ErrorIs(t, err, ErrUnknownFileGroup)
}

func TestAdmissionNeverWaitsForLock(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t)
	_, err := svc.UploadFile(ctx, v0Request("f1", 0))
	require.NoError(t, err)

	require.NoError(t, store.Locks().Acquire(ctx, "sg1", "other-device"))

	start := time.Now()
	_, err = svc.UploadChange(ctx, changeRequest("f1", 1, 1, 1, `{}`))
	assert.ErrorIs(t, err, repository.ErrLockHeld)
	assert.Less(t, time.Since(start), time.Second)
}

func TestIndex(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	_, err := svc.UploadFile(ctx, v0Request("f1", 0))
	require.NoError(t, err)

	result, err := svc.Index(ctx, readerID, "sg1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.MasterVersion)
	require.Len(t, result.Files, 1)
	assert.Equal(t, "f1", result.Files[0].FileUUID)

	_, err = svc.Index(ctx, 99, "sg1")
	assert.ErrorIs(t, err, ErrPermissionDenied)
}

// raceStorage runs a callback before delegating an upload, letting a test
// interleave a competing admission at the exact moment of the cloud write.
type raceStorage struct {
	cloud.Storage
	onUpload func(name string)
}

func (r *raceStorage) UploadFile(ctx context.Context, name string, data []byte, opts cloud.Options) (string, error) {
	if r.onUpload != nil {
		fn := r.onUpload
		r.onUpload = nil
		fn(name)
	}
	return r.Storage.UploadFile(ctx, name, data, opts)
}

func TestUploadFileRaceKeepsWinnersObject(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemory(30 * time.Second)
	require.NoError(t, store.SharingGroups().Create(ctx, model.SharingGroup{
		UUID:          "sg1",
		Name:          "test group",
		AccountScheme: "memory",
	}))
	require.NoError(t, store.SharingGroups().AddUser(ctx, model.SharingGroupUser{
		SharingGroupUUID: "sg1", UserID: writerID, Permission: model.PermissionWrite,
	}))

	inner := cloud.NewMemoryStorage()
	race := &raceStorage{Storage: inner}
	clouds := cloud.NewRegistry()
	clouds.Register("memory", race)
	svc := NewService(store, clouds, changer.NewRegistry(), inspect.NewRegistry(),
		metrics.New(prometheus.NewRegistry()), zerolog.Nop())

	objectName := cloud.ObjectName("sg1", "f1.json", 0)

	// Another device's admission of the same file commits fully between
	// this request's version check and its cloud write.
	race.onUpload = func(string) {
		sum, err := inner.UploadFile(ctx, objectName, []byte(`{"elements":[]}`),
			cloud.Options{MimeType: "application/json"})
		require.NoError(t, err)
		require.NoError(t, store.FileIndex().Create(ctx, &model.FileIndex{
			SharingGroupUUID: "sg1",
			FileUUID:         "f1",
			FileVersion:      0,
			MimeType:         "application/json",
			CloudFolderName:  "sg1",
			CloudFileName:    "f1.json",
			Checksum:         sum,
		}))
		require.NoError(t, store.MasterVersions().UpdateToNext(ctx, "sg1", 0))
	}

	result, err := svc.UploadFile(ctx, v0Request("f1", 0))
	require.NoError(t, err)
	assert.True(t, result.VersionConflict)
	assert.Equal(t, int64(1), result.CurrentMasterVersion)

	// The loser adopted the winner's object; cleanup must not remove it.
	exists, err := inner.LookupFile(ctx, objectName, cloud.Options{})
	require.NoError(t, err)
	assert.True(t, exists)

	fi, err := store.FileIndex().Get(ctx, "sg1", "f1")
	require.NoError(t, err)
	assert.Equal(t, int32(0), fi.FileVersion)
	assert.NotEmpty(t, fi.Checksum)
}
