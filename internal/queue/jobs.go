package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

const (
	// ApplyDeferredTask is scheduled when an admitting request commits a
	// deferred upload. The worker sweeps all eligible batches, so repeated
	// delivery of the same task is harmless.
	ApplyDeferredTask = "deferred:apply"
)

// ApplyPayload identifies the admission that triggered the sweep, for
// logging; the worker does not restrict its sweep to it.
type ApplyPayload struct {
	SharingGroupUUID string `json:"sharing_group_uuid"`
	DeferredUploadID int64  `json:"deferred_upload_id"`
}

// EnqueueApply enqueues a deferred-upload sweep.
func EnqueueApply(ctx context.Context, client *asynq.Client, payload ApplyPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	task := asynq.NewTask(ApplyDeferredTask, data)
	if _, err := client.EnqueueContext(ctx, task, asynq.MaxRetry(5)); err != nil {
		return fmt.Errorf("enqueue apply task: %w", err)
	}
	return nil
}
