package uploader

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/driftsync/driftsync/internal/cloud"
)

// FileDeletion is one cloud object to remove.
type FileDeletion struct {
	FileUUID   string
	Storage    cloud.Storage
	ObjectName string
	Options    cloud.Options
}

// DeletionError reports one failed deletion.
type DeletionError struct {
	FileUUID   string
	ObjectName string
	Err        error
}

func (e *DeletionError) Error() string {
	return fmt.Sprintf("delete %s (%s): %v", e.ObjectName, e.FileUUID, e.Err)
}

func (e *DeletionError) Unwrap() error { return e.Err }

// DeletionExecutor runs best-effort cloud deletions with bounded
// parallelism.
type DeletionExecutor struct {
	limit int
}

// NewDeletionExecutor constructs an executor running at most limit deletions
// concurrently.
func NewDeletionExecutor(limit int) *DeletionExecutor {
	if limit <= 0 {
		limit = 1
	}
	return &DeletionExecutor{limit: limit}
}

// Apply attempts every deletion and returns the complete list of failures,
// nil when all succeeded. One failing deletion never prevents the others
// from being attempted, and a missing object is reported like any other
// failure so callers can detect index/storage inconsistency.
func (e *DeletionExecutor) Apply(ctx context.Context, deletions []FileDeletion) []*DeletionError {
	var (
		mu       sync.Mutex
		failures []*DeletionError
	)
	g := new(errgroup.Group)
	g.SetLimit(e.limit)
	for _, d := range deletions {
		d := d
		g.Go(func() error {
			if err := d.Storage.DeleteFile(ctx, d.ObjectName, d.Options); err != nil {
				mu.Lock()
				failures = append(failures, &DeletionError{
					FileUUID:   d.FileUUID,
					ObjectName: d.ObjectName,
					Err:        err,
				})
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return failures
}
