package uploader

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/driftsync/driftsync/internal/cloud"
	"github.com/driftsync/driftsync/internal/model"
	"github.com/driftsync/driftsync/internal/repository"
)

// fileWork is the pending work for one file within an aggregated batch:
// either an ordered run of content changes or a deletion, never both.
// rowIDs are the staged rows loaded into this apply; only these rows are
// consumed, so a row admitted after the snapshot survives for a later pass.
type fileWork struct {
	changes []model.Upload
	deleted bool
	rowIDs  []int64
}

// applyBatch applies one aggregated batch: every content change and deletion
// staged under the batch key, then a single master-version increment and the
// completed status. Each file's cloud work is committed in its own
// transaction together with consumption of its upload rows, so a crash or
// failure mid-batch leaves a retry that only redoes the files still staged.
// The batch is completed only when no rows remain; rows admitted while the
// apply ran keep it active for the next sweep.
func (u *Uploader) applyBatch(ctx context.Context, batch []model.DeferredUpload) error {
	sharingGroupUUID := batch[0].SharingGroupUUID
	ids := deferredIDs(batch)

	fail := func(err error) error {
		u.metrics.BatchFailures.Inc()
		if serr := u.store.DeferredUploads().SetStatus(ctx, ids, model.DeferredFailed); serr != nil {
			u.log.Error().Err(serr).Ints64("deferred_ids", ids).Msg("marking batch failed")
		}
		u.log.Error().Err(err).Str("sharing_group", sharingGroupUUID).Ints64("deferred_ids", ids).Msg("deferred upload batch failed")
		return fmt.Errorf("apply deferred batch %v: %w", ids, err)
	}

	group, err := u.store.SharingGroups().Get(ctx, sharingGroupUUID)
	if err != nil {
		return fail(err)
	}
	storage, err := u.clouds.Get(group.AccountScheme)
	if err != nil {
		return fail(err)
	}

	uploads, err := u.store.Uploads().ForDeferred(ctx, ids)
	if err != nil {
		return fail(err)
	}

	// Partition the ordered rows per file, preserving first-seen order.
	var (
		order  []string
		byFile = make(map[string]*fileWork)
	)
	for _, up := range uploads {
		w, ok := byFile[up.FileUUID]
		if !ok {
			w = &fileWork{}
			byFile[up.FileUUID] = w
			order = append(order, up.FileUUID)
		}
		w.rowIDs = append(w.rowIDs, up.ID)
		switch up.State {
		case model.StateVNUploadFileChange:
			w.changes = append(w.changes, up)
		case model.StateDeleteSingleFile:
			w.deleted = true
		default:
			return fail(fmt.Errorf("unexpected staged upload state %q for file %s", up.State, up.FileUUID))
		}
	}

	for _, fileUUID := range order {
		w := byFile[fileUUID]
		if len(w.changes) == 0 {
			continue
		}
		if w.deleted {
			return fail(fmt.Errorf("file %s staged for both change and deletion", fileUUID))
		}
		if err := u.applyChanges(ctx, storage, sharingGroupUUID, fileUUID, w); err != nil {
			return fail(err)
		}
	}

	if err := u.applyDeletions(ctx, storage, sharingGroupUUID, order, byFile); err != nil {
		return fail(err)
	}

	// One master-version increment per batch, atomic with completion. Rows
	// admitted into the batch after the snapshot above leave it active so
	// the next sweep applies them before incrementing.
	stragglers := false
	err = u.store.WithinTx(ctx, func(tx repository.Stores) error {
		remaining, err := tx.Uploads().ForDeferred(ctx, ids)
		if err != nil {
			return err
		}
		if len(remaining) > 0 {
			stragglers = true
			return nil
		}
		for attempt := 0; attempt < 3; attempt++ {
			current, err := tx.MasterVersions().Lookup(ctx, sharingGroupUUID)
			if err != nil {
				return err
			}
			err = tx.MasterVersions().UpdateToNext(ctx, sharingGroupUUID, current)
			if err == nil {
				return tx.DeferredUploads().SetStatus(ctx, ids, model.DeferredCompleted)
			}
			if !errors.Is(err, repository.ErrVersionMismatch) {
				return err
			}
		}
		return repository.ErrVersionMismatch
	})
	if err != nil {
		return fail(err)
	}
	if stragglers {
		u.log.Info().Str("sharing_group", sharingGroupUUID).Ints64("deferred_ids", ids).
			Msg("rows admitted during apply; batch stays active for next sweep")
		return nil
	}

	u.metrics.BatchesApplied.Inc()
	u.notifier.BatchCompleted(ctx, sharingGroupUUID, ids)
	u.log.Info().Str("sharing_group", sharingGroupUUID).Ints64("deferred_ids", ids).Int("files", len(order)).Msg("deferred upload batch applied")
	return nil
}

// applyChanges folds one file's ordered change payloads into a new cloud
// object at version+1, then advances the index and consumes the rows in one
// transaction. When an earlier attempt already wrote version+1, the object
// is adopted only if its bytes match the merge recomputed from the staged
// rows; a stale object from an attempt that saw fewer rows is replaced.
func (u *Uploader) applyChanges(ctx context.Context, storage cloud.Storage, sharingGroupUUID, fileUUID string, w *fileWork) error {
	fi, err := u.store.FileIndex().Get(ctx, sharingGroupUUID, fileUUID)
	if err != nil {
		return fmt.Errorf("file %s: %w", fileUUID, err)
	}
	if fi.Deleted {
		return fmt.Errorf("file %s: staged change targets a deleted file", fileUUID)
	}
	if fi.ChangeResolverName == nil {
		return fmt.Errorf("file %s: staged change but no change resolver recorded", fileUUID)
	}
	resolver, err := u.resolvers.Get(*fi.ChangeResolverName)
	if err != nil {
		return fmt.Errorf("file %s: %w", fileUUID, err)
	}

	opts := cloud.Options{MimeType: fi.MimeType}
	currentName := cloud.ObjectName(fi.CloudFolderName, fi.CloudFileName, fi.FileVersion)
	current, _, err := storage.DownloadFile(ctx, currentName, opts)
	if err != nil {
		return fmt.Errorf("download %s: %w", currentName, err)
	}

	payloads := make([][]byte, len(w.changes))
	for i, c := range w.changes {
		payloads[i] = c.UploadContents
	}
	merged, err := resolver.Apply(current, payloads)
	if err != nil {
		return fmt.Errorf("resolve changes for %s: %w", fileUUID, err)
	}

	newVersion := fi.FileVersion + 1
	newName := cloud.ObjectName(fi.CloudFolderName, fi.CloudFileName, newVersion)
	checksum, err := storage.UploadFile(ctx, newName, merged, opts)
	if errors.Is(err, cloud.ErrAlreadyExists) {
		checksum, err = u.adoptOrReplace(ctx, storage, newName, merged, opts)
	}
	if err != nil {
		return fmt.Errorf("upload %s: %w", newName, err)
	}

	err = u.store.WithinTx(ctx, func(tx repository.Stores) error {
		if err := tx.FileIndex().BumpVersion(ctx, sharingGroupUUID, fileUUID, newVersion, checksum); err != nil {
			return err
		}
		return tx.Uploads().Consume(ctx, w.rowIDs)
	})
	if err != nil {
		return fmt.Errorf("commit version %d for %s: %w", newVersion, fileUUID, err)
	}

	// The superseded object is garbage now; removal is best effort.
	if err := storage.DeleteFile(ctx, currentName, opts); err != nil {
		u.log.Warn().Err(err).Str("object", currentName).Msg("removing superseded object")
	}

	u.metrics.ChangesApplied.Add(float64(len(w.changes)))
	return nil
}

// adoptOrReplace resolves an ErrAlreadyExists on the version+1 object. A
// prior attempt wrote it before failing; its bytes are authoritative only if
// they match the merge recomputed from the rows staged now. A mismatch means
// that attempt saw fewer changes, so its object is replaced.
func (u *Uploader) adoptOrReplace(ctx context.Context, storage cloud.Storage, name string, merged []byte, opts cloud.Options) (string, error) {
	existing, checksum, err := storage.DownloadFile(ctx, name, opts)
	if err != nil {
		return "", err
	}
	if bytes.Equal(existing, merged) {
		return checksum, nil
	}
	u.log.Warn().Str("object", name).Msg("replacing stale object from earlier apply attempt")
	if err := storage.DeleteFile(ctx, name, opts); err != nil {
		return "", err
	}
	return storage.UploadFile(ctx, name, merged, opts)
}

// applyDeletions removes the staged files from cloud storage with bounded
// parallelism, then marks each successfully deleted file in the index and
// consumes its rows. Every failure is collected; one bad file never blocks
// the rest.
func (u *Uploader) applyDeletions(ctx context.Context, storage cloud.Storage, sharingGroupUUID string, order []string, byFile map[string]*fileWork) error {
	var targets []FileDeletion
	for _, fileUUID := range order {
		if !byFile[fileUUID].deleted {
			continue
		}
		fi, err := u.store.FileIndex().Get(ctx, sharingGroupUUID, fileUUID)
		if err != nil {
			return fmt.Errorf("file %s: %w", fileUUID, err)
		}
		if fi.Deleted {
			// An earlier attempt already finished this file; consume the
			// leftover rows and move on.
			err := u.store.WithinTx(ctx, func(tx repository.Stores) error {
				return tx.Uploads().Consume(ctx, byFile[fileUUID].rowIDs)
			})
			if err != nil {
				return fmt.Errorf("consume rows for %s: %w", fileUUID, err)
			}
			continue
		}
		targets = append(targets, FileDeletion{
			FileUUID:   fileUUID,
			Storage:    storage,
			ObjectName: cloud.ObjectName(fi.CloudFolderName, fi.CloudFileName, fi.FileVersion),
			Options:    cloud.Options{MimeType: fi.MimeType},
		})
	}
	if len(targets) == 0 {
		return nil
	}

	failures := u.deletions.Apply(ctx, targets)
	failed := make(map[string]bool, len(failures))
	for _, f := range failures {
		failed[f.FileUUID] = true
	}

	for _, t := range targets {
		if failed[t.FileUUID] {
			continue
		}
		err := u.store.WithinTx(ctx, func(tx repository.Stores) error {
			if err := tx.FileIndex().MarkDeleted(ctx, sharingGroupUUID, t.FileUUID); err != nil {
				return err
			}
			return tx.Uploads().Consume(ctx, byFile[t.FileUUID].rowIDs)
		})
		if err != nil {
			return fmt.Errorf("commit deletion of %s: %w", t.FileUUID, err)
		}
		u.metrics.FilesDeleted.Inc()
	}

	if len(failures) > 0 {
		errs := make([]error, len(failures))
		for i, f := range failures {
			errs[i] = f
		}
		return errors.Join(errs...)
	}
	return nil
}
