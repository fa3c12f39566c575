package admission

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftsync/driftsync/internal/model"
	"github.com/driftsync/driftsync/internal/repository"
)

type stubRunner struct {
	calls int
	err   error
}

func (r *stubRunner) Run(ctx context.Context) error {
	r.calls++
	return r.err
}

func TestFinishRunsSynchronouslyWithoutQueue(t *testing.T) {
	store := repository.NewMemory(time.Second)
	runner := &stubRunner{}
	f := NewFinisher(nil, runner, store, zerolog.Nop())

	disposition := f.Finish(context.Background(), "sg1", 7)
	assert.Equal(t, DispositionApplied, disposition)
	assert.Equal(t, 1, runner.calls)
}

func TestFinishRunnerFailureStillApplied(t *testing.T) {
	store := repository.NewMemory(time.Second)
	runner := &stubRunner{err: errors.New("boom")}
	f := NewFinisher(nil, runner, store, zerolog.Nop())

	// The batch is durable; a failed synchronous run is the sweep's
	// problem, not the client's.
	disposition := f.Finish(context.Background(), "sg1", 7)
	assert.Equal(t, DispositionApplied, disposition)
}

func TestFinishFallsBackToSweep(t *testing.T) {
	store := repository.NewMemory(time.Second)
	f := NewFinisher(nil, nil, store, zerolog.Nop())

	disposition := f.Finish(context.Background(), "sg1", 7)
	assert.Equal(t, DispositionQueuedForSweep, disposition)
}

func TestFinisherStatus(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemory(time.Second)
	f := NewFinisher(nil, nil, store, zerolog.Nop())

	d := &model.DeferredUpload{SharingGroupUUID: "sg1", Status: model.DeferredPendingChange, UserID: 1}
	require.NoError(t, store.DeferredUploads().Create(ctx, d))

	status, err := f.Status(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeferredPendingChange, status)

	_, err = f.Status(ctx, 999)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}
