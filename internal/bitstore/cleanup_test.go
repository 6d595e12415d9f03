package bitstore

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bitkeep/bitkeep/internal/assetstore"
	"github.com/bitkeep/bitkeep/internal/metadata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fileOf(t *testing.T, m *Manager, b *metadata.Bitstream) string {
	t.Helper()
	st, err := m.AssetStore(b.StoreNumber)
	require.NoError(t, err)
	rel, err := assetstore.RelativePath(b.InternalID)
	require.NoError(t, err)
	return filepath.Join(st.Root(), filepath.FromSlash(rel))
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// later returns a clock running ahead of real time by d.
func later(d time.Duration) func() time.Time {
	return func() time.Time { return time.Now().Add(d) }
}

func TestCleanup_ReclaimsDeletedAfterGrace(t *testing.T) {
	m := newTestManager(t, WithGracePeriod(time.Hour))
	ctx := context.Background()
	keep := storeBytes(t, m, []byte("keep me"))
	gone := storeBytes(t, m, []byte("delete me"))
	require.NoError(t, m.Delete(ctx, m.DB(), gone.ID))

	stats, err := m.Cleanup(ctx, CleanupOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Examined, "deleted within the grace period")
	assert.True(t, fileExists(fileOf(t, m, gone)))

	m.now = later(2 * time.Hour)
	stats, err = m.Cleanup(ctx, CleanupOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Examined)
	assert.Equal(t, 1, stats.FilesRemoved)
	assert.Equal(t, 1, stats.RowsExpunged)
	assert.Equal(t, 0, stats.OrphansRemoved)

	assert.False(t, fileExists(fileOf(t, m, gone)))
	assert.True(t, fileExists(fileOf(t, m, keep)))
	_, err = metadata.GetBitstream(ctx, m.DB(), gone.ID)
	assert.ErrorIs(t, err, metadata.ErrNotFound)
}

func TestCleanup_LeaveDBRecords(t *testing.T) {
	m := newTestManager(t, WithGracePeriod(0))
	ctx := context.Background()
	gone := storeBytes(t, m, []byte("delete me"))
	require.NoError(t, m.Delete(ctx, m.DB(), gone.ID))
	m.now = later(time.Second)

	stats, err := m.Cleanup(ctx, CleanupOptions{LeaveDBRecords: true})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.FilesRemoved)
	assert.Equal(t, 0, stats.RowsExpunged)

	row, err := metadata.GetBitstream(ctx, m.DB(), gone.ID)
	require.NoError(t, err)
	assert.True(t, row.Deleted)

	assert.False(t, row.ReclaimedAt.IsZero())

	stats, err = m.Cleanup(ctx, CleanupOptions{LeaveDBRecords: true})
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Examined, "reclaimed rows are not revisited")
	assert.Equal(t, 0, stats.OrphansRemoved, "the kept row still references the path")
}

func TestCleanup_LeaveDBRecordsReleasesQuota(t *testing.T) {
	db := newTestDB(t)
	st, err := assetstore.New(0, t.TempDir(), assetstore.WithQuota(100))
	require.NoError(t, err)
	m, err := NewManager(db, []*assetstore.Store{st}, WithGracePeriod(0))
	require.NoError(t, err)
	ctx := context.Background()

	full := storeBytes(t, m, bytes.Repeat([]byte("x"), 100))
	_, err = m.Store(ctx, db, bytes.NewReader([]byte("more")), Info{Name: "more"})
	require.ErrorIs(t, err, ErrQuotaExceeded)

	require.NoError(t, m.Delete(ctx, db, full.ID))
	m.now = later(time.Second)
	stats, err := m.Cleanup(ctx, CleanupOptions{LeaveDBRecords: true})
	require.NoError(t, err)
	require.Equal(t, 1, stats.FilesRemoved)

	snaps, err := m.Capacity(ctx)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, int64(0), snaps[0].QuotaUsedBytes)
	assert.Equal(t, int64(100), snaps[0].QuotaAvailBytes)

	_, err = m.Store(ctx, db, bytes.NewReader([]byte("fits again")), Info{Name: "again"})
	assert.NoError(t, err)
}

func TestCleanup_DefersLinkedBitstreams(t *testing.T) {
	m := newTestManager(t, WithGracePeriod(0))
	ctx := context.Background()
	db := m.DB()

	com, err := metadata.CreateCommunity(ctx, db, "c", 0)
	require.NoError(t, err)
	col, err := metadata.CreateCollection(ctx, db, "col", com)
	require.NoError(t, err)
	item, err := metadata.CreateItem(ctx, db, "item", col)
	require.NoError(t, err)
	bundle, err := metadata.EnsureBundle(ctx, db, item, metadata.BundleOriginal)
	require.NoError(t, err)

	b := storeBytes(t, m, []byte("still referenced"))
	require.NoError(t, metadata.LinkBitstream(ctx, db, bundle, b.ID))
	require.NoError(t, m.Delete(ctx, db, b.ID))
	m.now = later(time.Second)

	stats, err := m.Cleanup(ctx, CleanupOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Deferred)
	assert.True(t, fileExists(fileOf(t, m, b)))

	require.NoError(t, metadata.UnlinkBitstream(ctx, db, b.ID))
	stats, err = m.Cleanup(ctx, CleanupOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.FilesRemoved)
	assert.False(t, fileExists(fileOf(t, m, b)))
}

func TestCleanup_KeepsFileSharedWithLiveRow(t *testing.T) {
	m := newTestManager(t, WithGracePeriod(0))
	ctx := context.Background()
	orig := storeBytes(t, m, []byte("shared bytes"))

	copyRow := *orig
	copyRow.ID = 0
	_, err := metadata.InsertBitstream(ctx, m.DB(), &copyRow)
	require.NoError(t, err)

	require.NoError(t, m.Delete(ctx, m.DB(), orig.ID))
	m.now = later(time.Second)

	stats, err := m.Cleanup(ctx, CleanupOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.KeptShared)
	assert.Equal(t, 0, stats.FilesRemoved)
	assert.True(t, fileExists(fileOf(t, m, orig)))

	got, err := retrieveBytes(t, m, copyRow.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("shared bytes"), got)
}

func TestCleanup_NeverDeletesRegisteredFiles(t *testing.T) {
	m := newTestManager(t, WithGracePeriod(0))
	ctx := context.Background()
	st, err := m.AssetStore(0)
	require.NoError(t, err)
	path := filepath.Join(st.Root(), "import", "keep.txt")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("registered"), 0644))

	b, err := m.Register(ctx, m.DB(), 0, "import/keep.txt", Info{})
	require.NoError(t, err)
	require.NoError(t, m.Delete(ctx, m.DB(), b.ID))
	m.now = later(time.Second)

	stats, err := m.Cleanup(ctx, CleanupOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.KeptRegistered)
	assert.Equal(t, 1, stats.RowsExpunged)
	assert.True(t, fileExists(path))

	stats, err = m.Cleanup(ctx, CleanupOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, stats.OrphansRemoved, "registered files are outside the derived layout")
	assert.True(t, fileExists(path))
}

func TestCleanup_RecentOrphanSurvives(t *testing.T) {
	m := newTestManager(t, WithGracePeriod(time.Hour))
	ctx := context.Background()
	st, err := m.AssetStore(0)
	require.NoError(t, err)

	res, err := st.Write(ctx, "abcdef0123456789", bytesReader("in flight"), assetstore.EncodingIdentity, m.Algorithm())
	require.NoError(t, err)

	stats, err := m.Cleanup(ctx, CleanupOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, stats.OrphansRemoved)
	assert.True(t, st.Exists(res.Path))

	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(st.Root(), filepath.FromSlash(res.Path)), old, old))
	stats, err = m.Cleanup(ctx, CleanupOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.OrphansRemoved)
	assert.False(t, st.Exists(res.Path))
}

func TestCleanup_CommitsInBatches(t *testing.T) {
	m := newTestManager(t, WithGracePeriod(0))
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		b := storeBytes(t, m, []byte{byte(i)})
		require.NoError(t, m.Delete(ctx, m.DB(), b.ID))
	}
	m.now = later(time.Second)

	stats, err := m.Cleanup(ctx, CleanupOptions{BatchSize: 2, Verbose: true})
	require.NoError(t, err)
	assert.Equal(t, 5, stats.Examined)
	assert.Equal(t, 5, stats.RowsExpunged)

	live, err := metadata.ListBitstreams(ctx, m.DB())
	require.NoError(t, err)
	assert.Empty(t, live)
	deleted, err := metadata.ListDeletedBitstreams(ctx, m.DB(), time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, deleted)
}

func TestCleanup_CancelledContext(t *testing.T) {
	m := newTestManager(t, WithGracePeriod(0))
	b := storeBytes(t, m, []byte("x"))
	require.NoError(t, m.Delete(context.Background(), m.DB(), b.ID))
	m.now = later(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Cleanup(ctx, CleanupOptions{})
	assert.Error(t, err)
	assert.True(t, fileExists(fileOf(t, m, b)))
}
