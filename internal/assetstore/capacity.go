package assetstore

import (
	"fmt"
	"sort"
	"time"
)

// volume is the raw free-space report of a filesystem. avail is what an
// unprivileged writer may still use; free includes reserved blocks.
type volume struct {
	total, free, avail int64
}

// CapacitySnapshot is a point-in-time view of an asset store's free space.
type CapacitySnapshot struct {
	Timestamp            time.Time
	StoreNumber          int
	VolumeTotalBytes     int64
	VolumeUsedBytes      int64
	VolumeAvailableBytes int64
	QuotaMaxBytes        int64 // 0 = unlimited
	QuotaUsedBytes       int64
	QuotaAvailBytes      int64 // -1 = unlimited
}

// EffectiveAvailableBytes returns min(volume available, quota available).
// A quota of -1 means only the volume limits the store.
func (s *CapacitySnapshot) EffectiveAvailableBytes() int64 {
	if s.QuotaAvailBytes < 0 {
		return s.VolumeAvailableBytes
	}
	if s.VolumeAvailableBytes < s.QuotaAvailBytes {
		return s.VolumeAvailableBytes
	}
	return s.QuotaAvailBytes
}

// HasCapacityFor reports whether bytes more would fit in the store.
func (s *CapacitySnapshot) HasCapacityFor(bytes int64) bool {
	return s.EffectiveAvailableBytes() >= bytes
}

// Capacity measures the store's volume and applies its quota against
// quotaUsed, the logical bytes already recorded for this store.
func (s *Store) Capacity(quotaUsed int64) (*CapacitySnapshot, error) {
	vol, err := statVolume(s.root)
	if err != nil {
		return nil, fmt.Errorf("asset store %d: %w", s.number, err)
	}

	snap := &CapacitySnapshot{
		Timestamp:            time.Now(),
		StoreNumber:          s.number,
		VolumeTotalBytes:     vol.total,
		VolumeUsedBytes:      vol.total - vol.free,
		VolumeAvailableBytes: vol.avail,
		QuotaMaxBytes:        s.maxBytes,
		QuotaUsedBytes:       quotaUsed,
		QuotaAvailBytes:      -1,
	}
	if s.maxBytes > 0 {
		snap.QuotaAvailBytes = s.maxBytes - quotaUsed
		if snap.QuotaAvailBytes < 0 {
			snap.QuotaAvailBytes = 0
		}
	}
	return snap, nil
}

// SortByAvailableCapacity orders snapshots by descending effective free
// space. Ties keep their original (store number) order.
func SortByAvailableCapacity(snaps []*CapacitySnapshot) []*CapacitySnapshot {
	sorted := make([]*CapacitySnapshot, len(snaps))
	copy(sorted, snaps)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].EffectiveAvailableBytes() > sorted[j].EffectiveAvailableBytes()
	})
	return sorted
}
