package bitstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/bitkeep/bitkeep/internal/assetstore"
	"github.com/bitkeep/bitkeep/internal/metadata"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultCleanupBatchSize is how many bitstreams cleanup handles per commit.
const DefaultCleanupBatchSize = 100

// CleanupOptions controls a cleanup pass.
type CleanupOptions struct {
	// LeaveDBRecords keeps the rows (and checksum history) of reclaimed
	// bitstreams instead of expunging them. Kept rows are marked reclaimed
	// and no longer count against the store quota.
	LeaveDBRecords bool
	// Verbose logs every decision at info level instead of debug.
	Verbose bool
	// BatchSize is the number of rows per commit (DefaultCleanupBatchSize if 0).
	BatchSize int
}

// CleanupStats summarizes a cleanup pass.
type CleanupStats struct {
	Examined       int
	FilesRemoved   int
	RowsExpunged   int
	MissingFiles   int
	Deferred       int // still linked from a bundle, or file too recent
	KeptShared     int // file still used by another live bitstream
	KeptRegistered int // registered files are never deleted
	OrphansRemoved int
	TempRemoved    int
	Errors         int
	Duration       time.Duration
}

// Cleanup reclaims deleted bitstreams and orphaned files.
//
// Phase 1 walks rows marked deleted before the grace cutoff. Rows still
// linked from a bundle are deferred. Otherwise the file is removed unless it
// was registered or another live row shares it, and the row is expunged
// unless LeaveDBRecords is set.
//
// Phase 2 removes files in the asset stores that no row refers to at all,
// such as content whose storing transaction rolled back, provided they are
// older than the grace cutoff. Stale temp files are swept as well.
func (m *Manager) Cleanup(ctx context.Context, opts CleanupOptions) (*CleanupStats, error) {
	start := m.now()
	cutoff := start.Add(-m.grace)
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultCleanupBatchSize
	}
	level := zerolog.DebugLevel
	if opts.Verbose {
		level = zerolog.InfoLevel
	}

	stats := &CleanupStats{}
	if err := m.cleanupDeleted(ctx, opts, cutoff, level, stats); err != nil {
		return stats, err
	}
	if err := m.cleanupOrphans(ctx, cutoff, level, stats); err != nil {
		return stats, err
	}

	stats.Duration = m.now().Sub(start)
	m.metrics.recordCleanup("file_removed", stats.FilesRemoved)
	m.metrics.recordCleanup("row_expunged", stats.RowsExpunged)
	m.metrics.recordCleanup("deferred", stats.Deferred)
	m.metrics.recordCleanup("orphan_removed", stats.OrphansRemoved)
	m.metrics.recordCleanup("temp_removed", stats.TempRemoved)
	if m.metrics != nil {
		m.metrics.CleanupRuns.Inc()
	}

	log.Info().
		Int("examined", stats.Examined).
		Int("files_removed", stats.FilesRemoved).
		Int("rows_expunged", stats.RowsExpunged).
		Int("deferred", stats.Deferred).
		Int("orphans_removed", stats.OrphansRemoved).
		Int("errors", stats.Errors).
		Dur("duration", stats.Duration).
		Msg("cleanup complete")
	return stats, nil
}

func (m *Manager) cleanupDeleted(ctx context.Context, opts CleanupOptions, cutoff time.Time, level zerolog.Level, stats *CleanupStats) error {
	batch, err := m.db.BeginBatch(ctx, opts.BatchSize)
	if err != nil {
		return err
	}
	defer func() { _ = batch.Rollback() }()

	deleted, err := metadata.ListDeletedBitstreams(ctx, batch, cutoff)
	if err != nil {
		return err
	}

	for _, b := range deleted {
		if err := ctx.Err(); err != nil {
			return err
		}
		stats.Examined++

		action, err := m.reclaim(ctx, batch, b, opts.LeaveDBRecords, cutoff, stats)
		if err != nil {
			stats.Errors++
			log.Error().Err(err).Int64("bitstream_id", b.ID).Msg("cleanup failed for bitstream")
			continue
		}
		m.audit.LogCleanup(action, b.ID, b.InternalID, b.StoreNumber, "")
		log.WithLevel(level).
			Int64("bitstream_id", b.ID).
			Str("internal_id", b.InternalID).
			Str("action", action).
			Msg("cleanup")

		if err := batch.Step(ctx); err != nil {
			return err
		}
	}

	return batch.Commit()
}

// reclaim handles one deleted row and returns the action taken.
func (m *Manager) reclaim(ctx context.Context, q metadata.Querier, b *metadata.Bitstream, leaveRows bool, cutoff time.Time, stats *CleanupStats) (string, error) {
	linked, err := metadata.IsLinked(ctx, q, b.ID)
	if err != nil {
		return "", err
	}
	if linked {
		stats.Deferred++
		return "deferred", nil
	}

	st, err := m.AssetStore(b.StoreNumber)
	if err != nil {
		return "", err
	}
	rel, err := assetstore.RelativePath(b.InternalID)
	if err != nil {
		return "", err
	}

	action := "file_removed"
	info, err := st.Stat(rel)
	switch {
	case errors.Is(err, assetstore.ErrFileMissing):
		stats.MissingFiles++
		action = "file_missing"
	case err != nil:
		return "", err
	case info.ModTime().After(cutoff):
		stats.Deferred++
		return "deferred", nil
	case assetstore.IsRegistered(b.InternalID):
		stats.KeptRegistered++
		action = "kept_registered"
	default:
		shared, err := metadata.CountLiveSharing(ctx, q, b.StoreNumber, b.InternalID, b.ID)
		if err != nil {
			return "", err
		}
		if shared > 0 {
			stats.KeptShared++
			action = "kept_shared"
		} else {
			if err := st.Remove(rel); err != nil {
				return "", err
			}
			stats.FilesRemoved++
		}
	}

	if leaveRows {
		if err := metadata.MarkBitstreamReclaimed(ctx, q, b.ID, m.now()); err != nil {
			return "", err
		}
		return action, nil
	}
	if err := metadata.ExpungeBitstream(ctx, q, b.ID); err != nil {
		return "", err
	}
	stats.RowsExpunged++
	return action, nil
}

func (m *Manager) cleanupOrphans(ctx context.Context, cutoff time.Time, level zerolog.Level, stats *CleanupStats) error {
	for _, st := range m.Stores() {
		ids, err := metadata.InternalIDs(ctx, m.db, st.Number())
		if err != nil {
			return err
		}
		referenced := make(map[string]struct{}, len(ids))
		for id := range ids {
			if rel, err := assetstore.RelativePath(id); err == nil {
				referenced[rel] = struct{}{}
			}
		}

		err = st.Walk(ctx, func(rel string, info os.FileInfo) error {
			if _, ok := referenced[rel]; ok {
				return nil
			}
			// Files newer than the cutoff may belong to a transaction that has
			// not committed yet.
			if info.ModTime().After(cutoff) {
				return nil
			}
			if err := st.Remove(rel); err != nil {
				stats.Errors++
				log.Error().Err(err).Str("path", rel).Int("store", st.Number()).Msg("failed to remove orphaned file")
				return nil
			}
			stats.OrphansRemoved++
			m.audit.LogCleanup("orphan_removed", 0, rel, st.Number(), "")
			log.WithLevel(level).Str("path", rel).Int("store", st.Number()).Msg("removed orphaned file")
			return nil
		})
		if err != nil {
			return fmt.Errorf("sweep asset store %d: %w", st.Number(), err)
		}

		n, err := st.SweepTemp(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("sweep temp files in store %d: %w", st.Number(), err)
		}
		stats.TempRemoved += n
	}
	return nil
}
