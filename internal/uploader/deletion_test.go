package uploader

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftsync/driftsync/internal/cloud"
)

func seedObjects(t *testing.T, storage *cloud.MemoryStorage, names ...string) {
	t.Helper()
	for _, name := range names {
		_, err := storage.UploadFile(context.Background(), name, []byte("x"), cloud.Options{})
		require.NoError(t, err)
	}
}

func TestDeletionExecutorDeletesAll(t *testing.T) {
	ctx := context.Background()
	storage := cloud.NewMemoryStorage()

	var deletions []FileDeletion
	for i := 0; i < 10; i++ {
		name := fmt.Sprintf("sg1/f%d.json.v0", i)
		seedObjects(t, storage, name)
		deletions = append(deletions, FileDeletion{
			FileUUID:   fmt.Sprintf("f%d", i),
			Storage:    storage,
			ObjectName: name,
		})
	}

	failures := NewDeletionExecutor(3).Apply(ctx, deletions)
	assert.Empty(t, failures)

	for _, d := range deletions {
		exists, err := storage.LookupFile(ctx, d.ObjectName, cloud.Options{})
		require.NoError(t, err)
		assert.False(t, exists, d.ObjectName)
	}
}

func TestDeletionExecutorCollectsAllFailures(t *testing.T) {
	ctx := context.Background()
	storage := cloud.NewMemoryStorage()
	seedObjects(t, storage, "a.v0", "c.v0")

	deletions := []FileDeletion{
		{FileUUID: "a", Storage: storage, ObjectName: "a.v0"},
		{FileUUID: "b", Storage: storage, ObjectName: "b.v0"}, // never uploaded
		{FileUUID: "c", Storage: storage, ObjectName: "c.v0"},
	}

	failures := NewDeletionExecutor(2).Apply(ctx, deletions)
	require.Len(t, failures, 1)
	assert.Equal(t, "b", failures[0].FileUUID)
	assert.ErrorIs(t, failures[0], cloud.ErrNotFound)

	// The failure did not stop the siblings.
	for _, name := range []string{"a.v0", "c.v0"} {
		exists, err := storage.LookupFile(ctx, name, cloud.Options{})
		require.NoError(t, err)
		assert.False(t, exists, name)
	}
}

func TestDeletionExecutorEmptyInput(t *testing.T) {
	assert.Empty(t, NewDeletionExecutor(4).Apply(context.Background(), nil))
}
