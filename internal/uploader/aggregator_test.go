package uploader

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftsync/driftsync/internal/model"
)

func TestAggregate(t *testing.T) {
	fg1 := "fg1"
	fg2 := "fg2"
	input := []model.DeferredUpload{
		{ID: 1, SharingGroupUUID: "sg1"},
		{ID: 2, SharingGroupUUID: "sg1", FileGroupUUID: &fg1},
		{ID: 3, SharingGroupUUID: "sg1"},
		{ID: 4, SharingGroupUUID: "sg2", FileGroupUUID: &fg2},
		{ID: 5, SharingGroupUUID: "sg2"},
	}

	batches := Aggregate(input)
	require.Len(t, batches, 4)

	byFirstID := make(map[int64][]int64)
	for _, batch := range batches {
		var ids []int64
		for _, d := range batch {
			ids = append(ids, d.ID)
		}
		byFirstID[ids[0]] = ids
	}
	// Ungrouped records of one sharing group share a batch, in input order.
	assert.Equal(t, []int64{1, 3}, byFirstID[1])
	assert.Equal(t, []int64{2}, byFirstID[2])
	assert.Equal(t, []int64{4}, byFirstID[4])
	assert.Equal(t, []int64{5}, byFirstID[5])
}

func TestAggregateSameFileGroupAcrossSharingGroups(t *testing.T) {
	fg := "fg1"
	input := []model.DeferredUpload{
		{ID: 1, SharingGroupUUID: "sg1", FileGroupUUID: &fg},
		{ID: 2, SharingGroupUUID: "sg2", FileGroupUUID: &fg},
	}
	batches := Aggregate(input)
	assert.Len(t, batches, 2)
}

func TestAggregateEmpty(t *testing.T) {
	assert.Empty(t, Aggregate(nil))
}
