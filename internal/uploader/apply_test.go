package uploader

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftsync/driftsync/internal/admission"
	"github.com/driftsync/driftsync/internal/changer"
	"github.com/driftsync/driftsync/internal/cloud"
	"github.com/driftsync/driftsync/internal/inspect"
	"github.com/driftsync/driftsync/internal/metrics"
	"github.com/driftsync/driftsync/internal/model"
	"github.com/driftsync/driftsync/internal/notify"
	"github.com/driftsync/driftsync/internal/repository"
)

type testEnv struct {
	store    *repository.Memory
	storage  *cloud.MemoryStorage
	svc      *admission.Service
	uploader *Uploader
}

// hookStorage wraps a Storage and fires a callback before each upload, used
// to interleave admissions with a running apply.
type hookStorage struct {
	cloud.Storage
	onUpload func(name string)
}

func (h *hookStorage) UploadFile(ctx context.Context, name string, data []byte, opts cloud.Options) (string, error) {
	if h.onUpload != nil {
		h.onUpload(name)
	}
	return h.Storage.UploadFile(ctx, name, data, opts)
}

func newTestEnv(t *testing.T) *testEnv {
	return newHookedEnv(t, nil)
}

func newHookedEnv(t *testing.T, wrap func(cloud.Storage) cloud.Storage) *testEnv {
	t.Helper()
	ctx := context.Background()
	store := repository.NewMemory(30 * time.Second)
	require.NoError(t, store.SharingGroups().Create(ctx, model.SharingGroup{
		UUID:          "sg1",
		Name:          "test group",
		AccountScheme: "memory",
	}))
	require.NoError(t, store.SharingGroups().AddUser(ctx, model.SharingGroupUser{
		SharingGroupUUID: "sg1", UserID: 1, Permission: model.PermissionWrite,
	}))

	storage := cloud.NewMemoryStorage()
	var registered cloud.Storage = storage
	if wrap != nil {
		registered = wrap(storage)
	}
	clouds := cloud.NewRegistry()
	clouds.Register("memory", registered)
	resolvers := changer.NewRegistry()
	log := zerolog.Nop()

	svc := admission.NewService(store, clouds, resolvers, inspect.NewRegistry(),
		metrics.New(prometheus.NewRegistry()), log)
	up := New(store, clouds, resolvers, NewDeletionExecutor(2),
		notify.NewLogNotifier(log), metrics.New(prometheus.NewRegistry()), log, 2)
	return &testEnv{store: store, storage: storage, svc: svc, uploader: up}
}

func (e *testEnv) uploadV0(t *testing.T, fileUUID string, masterVersion int64, fileGroupUUID *string) {
	t.Helper()
	resolver := changer.CommentFileResolverName
	_, err := e.svc.UploadFile(context.Background(), admission.UploadFileRequest{
		UserID:             1,
		DeviceUUID:         "device-a",
		SharingGroupUUID:   "sg1",
		FileUUID:           fileUUID,
		FileGroupUUID:      fileGroupUUID,
		MasterVersion:      masterVersion,
		MimeType:           "application/json",
		CloudFolderName:    "sg1",
		CloudFileName:      fileUUID + ".json",
		ChangeResolverName: &resolver,
		Data:               []byte(`{"elements":[]}`),
	})
	require.NoError(t, err)
}

func (e *testEnv) uploadChange(t *testing.T, fileUUID string, masterVersion int64, index, count int32, payload string) int64 {
	t.Helper()
	result, err := e.svc.UploadChange(context.Background(), admission.UploadChangeRequest{
		UserID:           1,
		DeviceUUID:       "device-a",
		SharingGroupUUID: "sg1",
		FileUUID:         fileUUID,
		MasterVersion:    masterVersion,
		UploadIndex:      index,
		UploadCount:      count,
		Payload:          []byte(payload),
	})
	require.NoError(t, err)
	return result.DeferredUploadID
}

func elements(t *testing.T, data []byte) []string {
	t.Helper()
	var doc struct {
		Elements []json.RawMessage `json:"elements"`
	}
	require.NoError(t, json.Unmarshal(data, &doc))
	out := make([]string, len(doc.Elements))
	for i, e := range doc.Elements {
		out[i] = string(e)
	}
	return out
}

func TestApplyChangeBatch(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.uploadV0(t, "f1", 0, nil)

	deferredID := env.uploadChange(t, "f1", 1, 1, 2, `{"c":"one"}`)
	env.uploadChange(t, "f1", 1, 2, 2, `{"c":"two"}`)

	require.NoError(t, env.uploader.Run(ctx))

	// Changes were folded in order into version 1.
	data, _, err := env.storage.DownloadFile(ctx, cloud.ObjectName("sg1", "f1.json", 1), cloud.Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{`{"c":"one"}`, `{"c":"two"}`}, elements(t, data))

	// The superseded v0 object was removed.
	exists, err := env.storage.LookupFile(ctx, cloud.ObjectName("sg1", "f1.json", 0), cloud.Options{})
	require.NoError(t, err)
	assert.False(t, exists)

	fi, err := env.store.FileIndex().Get(ctx, "sg1", "f1")
	require.NoError(t, err)
	assert.Equal(t, int32(1), fi.FileVersion)

	// One increment per batch: v0 admission made it 1, the apply made it 2.
	v, err := env.store.MasterVersions().Lookup(ctx, "sg1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	d, err := env.store.DeferredUploads().Get(ctx, deferredID)
	require.NoError(t, err)
	assert.Equal(t, model.DeferredCompleted, d.Status)

	// The staged rows were consumed.
	rows, err := env.store.Uploads().ForDeferred(ctx, []int64{deferredID})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestApplyRetryReplacesStaleObject(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.uploadV0(t, "f1", 0, nil)
	deferredID := env.uploadChange(t, "f1", 1, 1, 2, `{"c":"X"}`)

	// An earlier attempt crashed after writing v1 from the first change
	// alone. Its object must not be adopted once more rows are staged.
	_, err := env.storage.UploadFile(ctx, cloud.ObjectName("sg1", "f1.json", 1),
		[]byte(`{"elements":[{"c":"X"}]}`), cloud.Options{MimeType: "application/json"})
	require.NoError(t, err)

	env.uploadChange(t, "f1", 1, 2, 2, `{"c":"Y"}`)

	require.NoError(t, env.uploader.Run(ctx))

	data, _, err := env.storage.DownloadFile(ctx, cloud.ObjectName("sg1", "f1.json", 1), cloud.Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{`{"c":"X"}`, `{"c":"Y"}`}, elements(t, data))

	fi, err := env.store.FileIndex().Get(ctx, "sg1", "f1")
	require.NoError(t, err)
	assert.Equal(t, int32(1), fi.FileVersion)

	d, err := env.store.DeferredUploads().Get(ctx, deferredID)
	require.NoError(t, err)
	assert.Equal(t, model.DeferredCompleted, d.Status)

	rows, err := env.store.Uploads().ForDeferred(ctx, []int64{deferredID})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestApplyKeepsBatchActiveForRowsAdmittedMidApply(t *testing.T) {
	ctx := context.Background()
	var admitLate func()
	env := newHookedEnv(t, func(inner cloud.Storage) cloud.Storage {
		return &hookStorage{Storage: inner, onUpload: func(string) {
			if admitLate != nil {
				fn := admitLate
				admitLate = nil
				fn()
			}
		}}
	})
	env.uploadV0(t, "f1", 0, nil)
	deferredID := env.uploadChange(t, "f1", 1, 1, 2, `{"c":"X"}`)

	// The second change lands after the sweep loaded its snapshot but
	// before it commits, squarely inside the still-active batch.
	admitLate = func() {
		env.uploadChange(t, "f1", 1, 2, 2, `{"c":"Y"}`)
	}

	require.NoError(t, env.uploader.Run(ctx))

	// The late row keeps the batch open: no completion, no increment.
	d, err := env.store.DeferredUploads().Get(ctx, deferredID)
	require.NoError(t, err)
	assert.True(t, d.Status.Active())
	v, err := env.store.MasterVersions().Lookup(ctx, "sg1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	// The next sweep folds the late change in and finishes the batch.
	require.NoError(t, env.uploader.Run(ctx))

	fi, err := env.store.FileIndex().Get(ctx, "sg1", "f1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), fi.FileVersion)

	data, _, err := env.storage.DownloadFile(ctx, cloud.ObjectName("sg1", "f1.json", 2), cloud.Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{`{"c":"X"}`, `{"c":"Y"}`}, elements(t, data))

	d, err = env.store.DeferredUploads().Get(ctx, deferredID)
	require.NoError(t, err)
	assert.Equal(t, model.DeferredCompleted, d.Status)

	// Exactly one increment for the whole batch across both sweeps.
	v, err = env.store.MasterVersions().Lookup(ctx, "sg1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)
}

func TestApplyFileGroupDeletion(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	groupUUID := "fg1"
	env.uploadV0(t, "f1", 0, &groupUUID)
	env.uploadV0(t, "f2", 1, &groupUUID)

	result, err := env.svc.UploadDeletion(ctx, admission.UploadDeletionRequest{
		UserID:           1,
		DeviceUUID:       "device-a",
		SharingGroupUUID: "sg1",
		MasterVersion:    2,
		Deletions:        model.DeletionsType{FileGroupUUID: groupUUID},
	})
	require.NoError(t, err)

	require.NoError(t, env.uploader.Run(ctx))

	for _, f := range []string{"f1", "f2"} {
		fi, err := env.store.FileIndex().Get(ctx, "sg1", f)
		require.NoError(t, err)
		assert.True(t, fi.Deleted, f)

		exists, err := env.storage.LookupFile(ctx, cloud.ObjectName("sg1", f+".json", 0), cloud.Options{})
		require.NoError(t, err)
		assert.False(t, exists, f)
	}

	d, err := env.store.DeferredUploads().Get(ctx, result.DeferredUploadID)
	require.NoError(t, err)
	assert.Equal(t, model.DeferredCompleted, d.Status)

	// One increment for the whole group, not one per member.
	v, err := env.store.MasterVersions().Lookup(ctx, "sg1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)
}

func TestApplyIsIdempotentWhenQueueRedelivers(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.uploadV0(t, "f1", 0, nil)
	env.uploadChange(t, "f1", 1, 1, 1, `{"c":"one"}`)

	require.NoError(t, env.uploader.Run(ctx))
	v1, err := env.store.MasterVersions().Lookup(ctx, "sg1")
	require.NoError(t, err)

	// A duplicate queue delivery sweeps again and finds nothing to do.
	require.NoError(t, env.uploader.Run(ctx))
	v2, err := env.store.MasterVersions().Lookup(ctx, "sg1")
	require.NoError(t, err)
	assert.Equal(t, v1, v2)

	fi, err := env.store.FileIndex().Get(ctx, "sg1", "f1")
	require.NoError(t, err)
	assert.Equal(t, int32(1), fi.FileVersion)
}

func TestApplyDeletionBatch(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.uploadV0(t, "f1", 0, nil)

	result, err := env.svc.UploadDeletion(ctx, admission.UploadDeletionRequest{
		UserID:           1,
		DeviceUUID:       "device-a",
		SharingGroupUUID: "sg1",
		MasterVersion:    1,
		Deletions:        model.DeletionsType{FileUUID: "f1"},
	})
	require.NoError(t, err)

	require.NoError(t, env.uploader.Run(ctx))

	fi, err := env.store.FileIndex().Get(ctx, "sg1", "f1")
	require.NoError(t, err)
	assert.True(t, fi.Deleted)

	exists, err := env.storage.LookupFile(ctx, cloud.ObjectName("sg1", "f1.json", 0), cloud.Options{})
	require.NoError(t, err)
	assert.False(t, exists)

	v, err := env.store.MasterVersions().Lookup(ctx, "sg1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	d, err := env.store.DeferredUploads().Get(ctx, result.DeferredUploadID)
	require.NoError(t, err)
	assert.Equal(t, model.DeferredCompleted, d.Status)
}

func TestApplyDeletionFailureMarksBatchFailed(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.uploadV0(t, "f1", 0, nil)

	result, err := env.svc.UploadDeletion(ctx, admission.UploadDeletionRequest{
		UserID:           1,
		DeviceUUID:       "device-a",
		SharingGroupUUID: "sg1",
		MasterVersion:    1,
		Deletions:        model.DeletionsType{FileUUID: "f1"},
	})
	require.NoError(t, err)

	// Remove the object behind the coordinator's back; the resulting "not
	// found" is an inconsistency and must surface, not be suppressed.
	require.NoError(t, env.storage.DeleteFile(ctx, cloud.ObjectName("sg1", "f1.json", 0), cloud.Options{}))

	err = env.uploader.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, cloud.ErrNotFound)

	d, err := env.store.DeferredUploads().Get(ctx, result.DeferredUploadID)
	require.NoError(t, err)
	assert.Equal(t, model.DeferredFailed, d.Status)

	// The failed batch did not advance the master version.
	v, err := env.store.MasterVersions().Lookup(ctx, "sg1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	// The index still shows the file so operators can spot the mismatch.
	fi, err := env.store.FileIndex().Get(ctx, "sg1", "f1")
	require.NoError(t, err)
	assert.False(t, fi.Deleted)
}

func TestApplyIndependentBatches(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	groupUUID := "fg1"
	env.uploadV0(t, "f1", 0, nil)
	env.uploadV0(t, "f2", 1, &groupUUID)

	// Two batch keys: the ungrouped files and the file group.
	env.uploadChange(t, "f1", 2, 1, 1, `{"c":"ungrouped"}`)
	env.uploadChange(t, "f2", 2, 1, 1, `{"c":"grouped"}`)

	require.NoError(t, env.uploader.Run(ctx))

	for _, f := range []string{"f1", "f2"} {
		fi, err := env.store.FileIndex().Get(ctx, "sg1", f)
		require.NoError(t, err)
		assert.Equal(t, int32(1), fi.FileVersion, f)
	}

	// Each batch incremented the master version once.
	v, err := env.store.MasterVersions().Lookup(ctx, "sg1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), v)

	active, err := env.store.DeferredUploads().ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}
