package uploader

import (
	"github.com/driftsync/driftsync/internal/model"
)

// Aggregate partitions deferred uploads into batches sharing the same key:
// the file group uuid, or the sharing group uuid for ungrouped records.
// Membership order within each batch follows input order; the order of the
// batches themselves is unspecified and callers must not depend on it.
func Aggregate(deferred []model.DeferredUpload) [][]model.DeferredUpload {
	groups := make(map[string][]model.DeferredUpload)
	for _, d := range deferred {
		key := d.SharingGroupUUID
		if d.FileGroupUUID != nil {
			key = d.SharingGroupUUID + "/" + *d.FileGroupUUID
		}
		groups[key] = append(groups[key], d)
	}
	result := make([][]model.DeferredUpload, 0, len(groups))
	for _, batch := range groups {
		result = append(result, batch)
	}
	return result
}
