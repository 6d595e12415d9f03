package assetstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCapacitySnapshot_EffectiveAvailableBytes(t *testing.T) {
	unlimited := &CapacitySnapshot{VolumeAvailableBytes: 1000, QuotaAvailBytes: -1}
	assert.Equal(t, int64(1000), unlimited.EffectiveAvailableBytes())

	quotaBound := &CapacitySnapshot{VolumeAvailableBytes: 1000, QuotaAvailBytes: 200}
	assert.Equal(t, int64(200), quotaBound.EffectiveAvailableBytes())
	assert.True(t, quotaBound.HasCapacityFor(200))
	assert.False(t, quotaBound.HasCapacityFor(201))

	volumeBound := &CapacitySnapshot{VolumeAvailableBytes: 50, QuotaAvailBytes: 200}
	assert.Equal(t, int64(50), volumeBound.EffectiveAvailableBytes())
}

func TestStore_CapacityAppliesQuota(t *testing.T) {
	s := newTestStore(t, WithQuota(1000))

	snap, err := s.Capacity(400)
	require.NoError(t, err)
	assert.Greater(t, snap.VolumeTotalBytes, int64(0))
	assert.Equal(t, int64(1000), snap.QuotaMaxBytes)
	assert.Equal(t, int64(600), snap.QuotaAvailBytes)

	over, err := s.Capacity(5000)
	require.NoError(t, err)
	assert.Equal(t, int64(0), over.QuotaAvailBytes)

	unlimited := newTestStore(t)
	snap, err = unlimited.Capacity(400)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), snap.QuotaAvailBytes)
}

func TestSortByAvailableCapacity(t *testing.T) {
	snaps := []*CapacitySnapshot{
		{StoreNumber: 0, VolumeAvailableBytes: 100, QuotaAvailBytes: -1},
		{StoreNumber: 1, VolumeAvailableBytes: 500, QuotaAvailBytes: -1},
		{StoreNumber: 2, VolumeAvailableBytes: 900, QuotaAvailBytes: 300},
		{StoreNumber: 3, VolumeAvailableBytes: 500, QuotaAvailBytes: -1},
	}
	sorted := SortByAvailableCapacity(snaps)
	var order []int
	for _, s := range sorted {
		order = append(order, s.StoreNumber)
	}
	assert.Equal(t, []int{1, 3, 2, 0}, order)
	assert.Equal(t, 0, snaps[0].StoreNumber, "input must not be reordered")
}
