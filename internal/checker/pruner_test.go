package checker

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/bitkeep/bitkeep/internal/metadata"
	"github.com/bitkeep/bitkeep/pkg/period"
	"github.com/bitkeep/bitkeep/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadRetention(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	path := testutil.TempFile(t, dir, "retention.yaml", `
retention:
  default: 1y
  CHECKSUM_MATCH: 8w
  BITSTREAM_NOT_FOUND: 30d
`)
	r, err := LoadRetention(path)
	require.NoError(t, err)
	assert.Equal(t, period.Year, r.Default)
	assert.Equal(t, 8*period.Week, r.ByResult[ChecksumMatch])
	assert.Equal(t, 30*period.Day, r.ByResult[BitstreamNotFound])
}

func TestLoadRetention_Errors(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	_, err := LoadRetention(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	bad := testutil.TempFile(t, dir, "bad.yaml", "retention:\n  NOT_A_CODE: 1d\n")
	_, err = LoadRetention(bad)
	assert.Error(t, err)

	badPeriod := testutil.TempFile(t, dir, "badperiod.yaml", "retention:\n  default: soon\n")
	_, err = LoadRetention(badPeriod)
	assert.Error(t, err)
}

func TestNewRetention_DefaultsToTenYears(t *testing.T) {
	r, err := NewRetention(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultRetention, r.Default)
	assert.Empty(t, r.ByResult)
}

func TestPruner_PerResultRetention(t *testing.T) {
	m := testutil.NewManager(t)
	ctx := context.Background()
	now := time.Now()

	add := func(code ResultCode, age time.Duration) {
		_, err := metadata.InsertHistory(ctx, m.DB(), &metadata.HistoryEntry{
			BitstreamID:  1,
			ProcessStart: now.Add(-age),
			ProcessEnd:   now.Add(-age),
			Result:       string(code),
		})
		require.NoError(t, err)
	}
	add(ChecksumMatch, 10*period.Week)    // expired by per-code retention
	add(ChecksumMatch, 2*period.Week)     // kept
	add(ChecksumNoMatch, 10*period.Week)  // kept by default retention
	add(ChecksumNoMatch, 2*period.Year)   // expired by default retention
	add(BitstreamNotFound, 2*period.Year) // expired by default retention

	retention := Retention{
		Default:  period.Year,
		ByResult: map[ResultCode]time.Duration{ChecksumMatch: 8 * period.Week},
	}
	p := NewPruner(m.DB(), retention, nil, nil)
	p.now = func() time.Time { return now }

	n, err := p.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.Equal(t, int64(2), historyCount(t, m))

	n, err = p.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "pruning is idempotent")
}
