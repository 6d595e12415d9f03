package checker

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/bitkeep/bitkeep/internal/bitstore"
	"github.com/bitkeep/bitkeep/internal/metadata"
	"github.com/bitkeep/bitkeep/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func singlePass(q metadata.Querier, start time.Time) Dispatcher {
	return NewSimpleDispatcher(q, start, false)
}

func countLimited(n int, loop bool) DispatcherFactory {
	return func(q metadata.Querier, start time.Time) Dispatcher {
		return NewLimitedCountDispatcher(NewSimpleDispatcher(q, start, loop), n)
	}
}

func listOf(ids ...int64) DispatcherFactory {
	return func(metadata.Querier, time.Time) Dispatcher { return NewListDispatcher(ids) }
}

func storeN(t *testing.T, m *bitstore.Manager, n int) []*metadata.Bitstream {
	t.Helper()
	out := make([]*metadata.Bitstream, n)
	for i := range out {
		out[i] = testutil.StoreBytes(t, m, fmt.Sprintf("file%d.txt", i), []byte(fmt.Sprintf("content %d", i)))
	}
	return out
}

func historyCount(t *testing.T, m *bitstore.Manager) int64 {
	t.Helper()
	n, err := metadata.CountHistory(context.Background(), m.DB())
	require.NoError(t, err)
	return n
}

func TestRun_DefaultChecksOneBitstream(t *testing.T) {
	m := testutil.NewManager(t)
	storeN(t, m, 3)

	summary, err := New(m).Run(context.Background(), countLimited(1, false))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Total())
	assert.Equal(t, 1, summary.Count(ChecksumMatch))
}

func TestRun_SinglePassChecksEveryBitstreamOnce(t *testing.T) {
	m := testutil.NewManager(t)
	storeN(t, m, 4)

	summary, err := New(m).Run(context.Background(), singlePass)
	require.NoError(t, err)
	assert.Equal(t, 4, summary.Total())
	assert.Equal(t, 4, summary.Count(ChecksumMatch))
	assert.Equal(t, 0, summary.Problems())

	summary, err = New(m).Run(context.Background(), singlePass)
	require.NoError(t, err)
	assert.Equal(t, 4, summary.Total(), "a new pass starts over")
	assert.Equal(t, int64(8), historyCount(t, m))
}

func TestRun_CountFiveChecksExactlyFive(t *testing.T) {
	m := testutil.NewManager(t)
	storeN(t, m, 8)

	summary, err := New(m, WithBatchSize(2)).Run(context.Background(), countLimited(5, false))
	require.NoError(t, err)
	assert.Equal(t, 5, summary.Total())
	assert.Equal(t, int64(5), historyCount(t, m))
}

func TestRun_CountFiveWithFewerBitstreams(t *testing.T) {
	m := testutil.NewManager(t)
	storeN(t, m, 3)

	summary, err := New(m).Run(context.Background(), countLimited(5, false))
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Total())
}

func TestRun_LoopRevisitsOldestFirst(t *testing.T) {
	m := testutil.NewManager(t)
	bits := storeN(t, m, 2)

	var seen []int64
	collector := collectFunc(func(r *Result) { seen = append(seen, r.BitstreamID) })
	summary, err := New(m, WithCollector(collector)).Run(context.Background(), countLimited(5, true))
	require.NoError(t, err)
	assert.Equal(t, 5, summary.Total())
	assert.Equal(t, []int64{bits[0].ID, bits[1].ID, bits[0].ID, bits[1].ID, bits[0].ID}, seen)
}

func TestRun_DetectsCorruption(t *testing.T) {
	m := testutil.NewManager(t)
	bits := storeN(t, m, 2)
	require.NoError(t, os.WriteFile(testutil.AssetPath(t, m, bits[1]), []byte("tampered"), 0644))

	summary, err := New(m).Run(context.Background(), singlePass)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Count(ChecksumMatch))
	assert.Equal(t, 1, summary.Count(ChecksumNoMatch))

	mr, err := metadata.GetMostRecent(context.Background(), m.DB(), bits[1].ID)
	require.NoError(t, err)
	assert.Equal(t, string(ChecksumNoMatch), mr.Result)
	assert.Equal(t, bits[1].Checksum, mr.ExpectedChecksum, "detect only: the recorded checksum is kept")
	assert.NotEqual(t, mr.ExpectedChecksum, mr.CurrentChecksum)
	assert.False(t, mr.MatchedPrev)
	assert.True(t, mr.ToBeProcessed)
}

func TestRun_MissingFile(t *testing.T) {
	m := testutil.NewManager(t)
	bits := storeN(t, m, 1)
	require.NoError(t, os.Remove(testutil.AssetPath(t, m, bits[0])))

	summary, err := New(m).Run(context.Background(), singlePass)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Count(BitstreamNotFound))

	history, err := metadata.ListHistory(context.Background(), m.DB(), bits[0].ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, string(BitstreamNotFound), history[0].Result)
	assert.Empty(t, history[0].ChecksumCalculated)
}

func TestRun_DeletedAndUnknownIDs(t *testing.T) {
	m := testutil.NewManager(t)
	ctx := context.Background()
	bits := storeN(t, m, 2)

	// Check once so the deleted bitstream has a most-recent row.
	_, err := New(m).Run(ctx, singlePass)
	require.NoError(t, err)
	require.NoError(t, m.Delete(ctx, m.DB(), bits[0].ID))

	summary, err := New(m).Run(ctx, listOf(bits[0].ID, 9999, bits[1].ID))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Count(BitstreamMarkedDeleted))
	assert.Equal(t, 1, summary.Count(BitstreamInfoNotFound))
	assert.Equal(t, 1, summary.Count(ChecksumMatch))

	mr, err := metadata.GetMostRecent(ctx, m.DB(), bits[0].ID)
	require.NoError(t, err)
	assert.False(t, mr.ToBeProcessed)

	history, err := metadata.ListHistory(ctx, m.DB(), 9999)
	require.NoError(t, err)
	assert.Empty(t, history, "unknown ids are reported but not recorded")

	summary, err = New(m).Run(ctx, singlePass)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Total(), "deleted bitstreams drop out of full passes")
}

func TestRun_PreviousChecksumMissing(t *testing.T) {
	m := testutil.NewManager(t)
	ctx := context.Background()
	bits := storeN(t, m, 1)
	_, err := New(m).Run(ctx, singlePass)
	require.NoError(t, err)

	mr, err := metadata.GetMostRecent(ctx, m.DB(), bits[0].ID)
	require.NoError(t, err)
	mr.ExpectedChecksum = ""
	require.NoError(t, metadata.UpdateMostRecent(ctx, m.DB(), mr))

	summary, err := New(m).Run(ctx, singlePass)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Count(ChecksumPrevNotFound))

	mr, err = metadata.GetMostRecent(ctx, m.DB(), bits[0].ID)
	require.NoError(t, err)
	assert.Equal(t, bits[0].Checksum, mr.ExpectedChecksum, "the calculated digest becomes the expected one")

	summary, err = New(m).Run(ctx, singlePass)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Count(ChecksumMatch))
}

func TestRun_InvalidAlgorithm(t *testing.T) {
	m := testutil.NewManager(t)
	ctx := context.Background()
	bits := storeN(t, m, 1)
	_, err := New(m).Run(ctx, singlePass)
	require.NoError(t, err)

	mr, err := metadata.GetMostRecent(ctx, m.DB(), bits[0].ID)
	require.NoError(t, err)
	mr.Algorithm = "CRC32"
	require.NoError(t, metadata.UpdateMostRecent(ctx, m.DB(), mr))

	summary, err := New(m).Run(ctx, singlePass)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Count(ChecksumAlgorithmInvalid))
}

func TestRun_HandleDispatcher(t *testing.T) {
	m := testutil.NewManager(t)
	ctx := context.Background()
	it := testutil.NewItem(t, m.DB(), "thesis")
	a := testutil.AddToItem(t, m, it, "a.txt", "Text", []byte("a"))
	b := testutil.AddToItem(t, m, it, "b.txt", "Text", []byte("b"))
	storeN(t, m, 2) // not part of the item

	var seen []int64
	collector := collectFunc(func(r *Result) { seen = append(seen, r.BitstreamID) })
	byHandle := func(handle string) DispatcherFactory {
		return func(q metadata.Querier, _ time.Time) Dispatcher { return NewHandleDispatcher(q, handle) }
	}

	summary, err := New(m, WithCollector(collector)).Run(ctx, byHandle(it.Handle))
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Total())
	assert.Equal(t, []int64{a.ID, b.ID}, seen)

	summary, err = New(m).Run(ctx, byHandle("123456789/404"))
	require.NoError(t, err, "an unknown handle is not fatal")
	assert.Equal(t, 0, summary.Total())
}

func TestRun_DeadlineInThePast(t *testing.T) {
	m := testutil.NewManager(t)
	storeN(t, m, 2)

	summary, err := New(m).Run(context.Background(), func(q metadata.Querier, start time.Time) Dispatcher {
		return NewLimitedDurationDispatcher(NewSimpleDispatcher(q, start, true), start.Add(-time.Second))
	})
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Total())
}

func TestRun_CancelledDropsUnwrittenBatch(t *testing.T) {
	m := testutil.NewManager(t)
	storeN(t, m, 3)

	ctx, cancel := context.WithCancel(context.Background())
	collector := collectFunc(func(r *Result) { cancel() })
	_, err := New(m, WithCollector(collector)).Run(ctx, singlePass)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int64(0), historyCount(t, m))
}

func TestRun_WritesResultsPerBatch(t *testing.T) {
	m := testutil.NewManager(t)
	storeN(t, m, 5)

	var written []int64
	collector := collectFunc(func(r *Result) { written = append(written, historyCount(t, m)) })
	summary, err := New(m, WithBatchSize(2), WithCollector(collector)).Run(context.Background(), singlePass)
	require.NoError(t, err)
	assert.Equal(t, 5, summary.Total())
	assert.Equal(t, []int64{0, 0, 2, 2, 4}, written)
	assert.Equal(t, int64(5), historyCount(t, m))
}

func TestRun_StoreDuringRunIsNotBlocked(t *testing.T) {
	m := testutil.NewManager(t)
	storeN(t, m, 3)

	var (
		storeErr  error
		storeTook time.Duration
		stored    bool
	)
	collector := collectFunc(func(r *Result) {
		if stored {
			return
		}
		stored = true
		done := make(chan struct{})
		go func() {
			defer close(done)
			start := time.Now()
			storeErr = m.DB().InTx(context.Background(), func(tx *sql.Tx) error {
				_, err := m.Store(context.Background(), tx, strings.NewReader("uploaded mid-run"), bitstore.Info{Name: "new.txt"})
				return err
			})
			storeTook = time.Since(start)
		}()
		<-done
	})

	summary, err := New(m, WithCollector(collector)).Run(context.Background(), singlePass)
	require.NoError(t, err)
	require.NoError(t, storeErr)
	assert.Less(t, storeTook, 2*time.Second, "store must not wait on the checker")
	assert.Equal(t, 3, summary.Total())

	summary, err = New(m).Run(context.Background(), singlePass)
	require.NoError(t, err)
	assert.Equal(t, 4, summary.Total(), "the next run picks up the new bitstream")
}

func TestRun_VerboseOutput(t *testing.T) {
	m := testutil.NewManager(t)
	storeN(t, m, 1)

	var out bytes.Buffer
	summary, err := New(m, WithCollector(NewVerboseCollector(&out))).Run(context.Background(), singlePass)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "Result Code = CHECKSUM_MATCH")
	assert.Contains(t, out.String(), "Name = file0.txt")

	var report bytes.Buffer
	_, err = summary.WriteTo(&report)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(report.String(), "Checked 1 bitstream(s)"))
	assert.Contains(t, report.String(), "CHECKSUM_MATCH")
}

type collectFunc func(r *Result)

func (f collectFunc) Collect(r *Result) { f(r) }
