package bitstore

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_RecordedByManager(t *testing.T) {
	metrics := InitMetrics(prometheus.NewRegistry())
	require.NotNil(t, metrics)
	assert.Same(t, metrics, InitMetrics(nil), "metrics are initialized once")
	assert.Same(t, metrics, GetMetrics())

	m := newTestManager(t, WithMetrics(metrics), WithGracePeriod(0))
	ctx := context.Background()
	storedBefore := testutil.ToFloat64(metrics.OperationsTotal.WithLabelValues("store", "ok"))
	bytesBefore := testutil.ToFloat64(metrics.BytesStored)

	b := storeBytes(t, m, []byte("12345"))
	require.NoError(t, m.Delete(ctx, m.DB(), b.ID))
	m.now = later(time.Second)
	_, err := m.Cleanup(ctx, CleanupOptions{})
	require.NoError(t, err)

	assert.Equal(t, storedBefore+1, testutil.ToFloat64(metrics.OperationsTotal.WithLabelValues("store", "ok")))
	assert.Equal(t, bytesBefore+5, testutil.ToFloat64(metrics.BytesStored))
	assert.GreaterOrEqual(t, testutil.ToFloat64(metrics.CleanupTotal.WithLabelValues("file_removed")), float64(1))
	assert.GreaterOrEqual(t, testutil.ToFloat64(metrics.CleanupRuns), float64(1))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.recordOp("store", "ok")
	m.recordStored(1)
	m.recordRetrieved(1)
	m.recordCleanup("deferred", 1)
	m.recordCapacity(0, 1, 1)
}
