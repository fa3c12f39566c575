// Package worker plugs the uploader into the asynq worker loop.
package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/driftsync/driftsync/internal/queue"
	"github.com/driftsync/driftsync/internal/uploader"
)

// Processor handles deferred-upload apply tasks.
type Processor struct {
	uploader *uploader.Uploader
	log      zerolog.Logger
}

// NewProcessor constructs a worker processor.
func NewProcessor(u *uploader.Uploader, log zerolog.Logger) *Processor {
	return &Processor{uploader: u, log: log}
}

// Handler registers the apply task handler.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.ApplyDeferredTask, p.handleApply)
	return mux
}

func (p *Processor) handleApply(ctx context.Context, task *asynq.Task) error {
	var payload queue.ApplyPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	p.log.Info().
		Str("sharing_group", payload.SharingGroupUUID).
		Int64("deferred_id", payload.DeferredUploadID).
		Msg("apply task received")
	// The run sweeps every eligible batch, not just the triggering one, so
	// duplicate deliveries and missed enqueues both resolve here.
	if err := p.uploader.Run(ctx); err != nil {
		return fmt.Errorf("apply deferred uploads: %w", err)
	}
	return nil
}
