// Package uploader applies committed deferred-upload batches to cloud
// storage and the file index. It is the only writer of vN file content and
// runs from the asynq worker, the periodic sweep, or synchronously in dev
// mode.
package uploader

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/driftsync/driftsync/internal/changer"
	"github.com/driftsync/driftsync/internal/cloud"
	"github.com/driftsync/driftsync/internal/metrics"
	"github.com/driftsync/driftsync/internal/model"
	"github.com/driftsync/driftsync/internal/notify"
	"github.com/driftsync/driftsync/internal/repository"
)

// Uploader drains active deferred uploads. Every invocation sweeps all
// eligible batches, so a duplicate or late queue delivery is harmless.
type Uploader struct {
	store            repository.Store
	clouds           *cloud.Registry
	resolvers        *changer.Registry
	deletions        *DeletionExecutor
	notifier         notify.Notifier
	metrics          *metrics.Metrics
	log              zerolog.Logger
	groupConcurrency int
}

// New constructs an Uploader. groupConcurrency bounds how many aggregated
// batches are applied in parallel; values below one are raised to one.
func New(store repository.Store, clouds *cloud.Registry, resolvers *changer.Registry, deletions *DeletionExecutor, notifier notify.Notifier, m *metrics.Metrics, log zerolog.Logger, groupConcurrency int) *Uploader {
	if groupConcurrency < 1 {
		groupConcurrency = 1
	}
	return &Uploader{
		store:            store,
		clouds:           clouds,
		resolvers:        resolvers,
		deletions:        deletions,
		notifier:         notifier,
		metrics:          m,
		log:              log,
		groupConcurrency: groupConcurrency,
	}
}

// Run lists every active deferred upload, aggregates them by batch key, and
// applies the batches with bounded parallelism. A failing batch is marked
// failed and does not stop the others; Run returns the combined failures.
func (u *Uploader) Run(ctx context.Context) error {
	pending, err := u.store.DeferredUploads().ListActive(ctx)
	if err != nil {
		return err
	}
	u.metrics.ActiveDeferred.Set(float64(len(pending)))
	if len(pending) == 0 {
		return nil
	}

	batches := Aggregate(pending)
	u.log.Info().Int("deferred", len(pending)).Int("batches", len(batches)).Msg("applying deferred uploads")

	var (
		g        = new(errgroup.Group)
		failures = make([]error, len(batches))
	)
	g.SetLimit(u.groupConcurrency)
	for i, batch := range batches {
		i, batch := i, batch
		g.Go(func() error {
			failures[i] = u.applyBatch(ctx, batch)
			return nil
		})
	}
	_ = g.Wait()
	if remaining, err := u.store.DeferredUploads().ListActive(ctx); err == nil {
		u.metrics.ActiveDeferred.Set(float64(len(remaining)))
	}
	return errors.Join(failures...)
}

func deferredIDs(batch []model.DeferredUpload) []int64 {
	ids := make([]int64, len(batch))
	for i, d := range batch {
		ids[i] = d.ID
	}
	return ids
}
