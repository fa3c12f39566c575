package admission

import (
	"context"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/driftsync/driftsync/internal/model"
	"github.com/driftsync/driftsync/internal/queue"
	"github.com/driftsync/driftsync/internal/repository"
)

// Disposition is how a committed deferred upload will be applied.
type Disposition string

const (
	// DispositionDeferred means the apply task was queued; clients poll
	// the status endpoint until the batch completes or fails.
	DispositionDeferred Disposition = "deferred"
	// DispositionApplied means the uploader ran synchronously before the
	// response was sent (dev mode, no queue configured).
	DispositionApplied Disposition = "applied"
	// DispositionQueuedForSweep means no trigger fired; the next periodic
	// uploader sweep will pick the batch up.
	DispositionQueuedForSweep Disposition = "queuedForSweep"
)

// Runner applies all eligible deferred uploads; satisfied by the uploader.
type Runner interface {
	Run(ctx context.Context) error
}

// Finisher decides, at request-completion time, whether deferred work runs
// synchronously, is queued out-of-band, or waits for the next sweep. It
// decouples request latency from cloud-storage latency: the admitting
// response returns as soon as the batch is durable.
type Finisher struct {
	queueClient *asynq.Client
	runner      Runner
	store       repository.Store
	log         zerolog.Logger
}

// NewFinisher constructs a Finisher. queueClient and runner may each be nil;
// the first non-nil trigger in that order is used.
func NewFinisher(queueClient *asynq.Client, runner Runner, store repository.Store, log zerolog.Logger) *Finisher {
	return &Finisher{queueClient: queueClient, runner: runner, store: store, log: log}
}

// Finish triggers application of the committed batch. Trigger failures are
// not request failures: the batch is durable and the periodic sweep is the
// backstop.
func (f *Finisher) Finish(ctx context.Context, sharingGroupUUID string, deferredID int64) Disposition {
	if f.queueClient != nil {
		payload := queue.ApplyPayload{SharingGroupUUID: sharingGroupUUID, DeferredUploadID: deferredID}
		if err := queue.EnqueueApply(ctx, f.queueClient, payload); err != nil {
			f.log.Warn().Err(err).Int64("deferred_id", deferredID).Msg("enqueue apply failed; batch waits for sweep")
			return DispositionQueuedForSweep
		}
		return DispositionDeferred
	}
	if f.runner != nil {
		if err := f.runner.Run(ctx); err != nil {
			f.log.Warn().Err(err).Msg("synchronous apply reported failures")
		}
		return DispositionApplied
	}
	return DispositionQueuedForSweep
}

// Status reports the batch status for polling clients.
func (f *Finisher) Status(ctx context.Context, deferredID int64) (model.DeferredStatus, error) {
	d, err := f.store.DeferredUploads().Get(ctx, deferredID)
	if err != nil {
		return "", err
	}
	return d.Status, nil
}
