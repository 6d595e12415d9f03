package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bitkeep/bitkeep/pkg/bytesize"
	"github.com/bitkeep/bitkeep/pkg/period"
	"github.com/bitkeep/bitkeep/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	content := `
data_dir: /srv/bitkeep
asset_stores:
  - dir: /srv/assets/a
    max_size: 10GB
  - dir: /srv/assets/b
    compress: true
incoming: auto
checksum_algorithm: sha256
grace_period: 2h
handle_prefix: "10673"
checker:
  batch_size: 250
  loop_pause: 30s
  retention:
    default: 10y
    CHECKSUM_MATCH: 8w
mediafilter:
  bindings:
    text/html: [HTML Text Extractor]
  thumbnail:
    max_width: 120
logging:
  level: debug
  loki:
    enabled: true
    url: http://loki:3100
metrics:
  listen: ":9469"
`
	cfg, err := Load(testutil.TempFile(t, dir, "bitkeep.yaml", content))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "/srv/bitkeep/bitkeep.db", cfg.Database)
	require.Len(t, cfg.AssetStores, 2)
	assert.Equal(t, 10*bytesize.GB, cfg.AssetStores[0].MaxSize.Bytes())
	assert.True(t, cfg.AssetStores[1].Compress)
	assert.Equal(t, IncomingAuto, cfg.IncomingStore())
	assert.Equal(t, 2*time.Hour, cfg.GracePeriod.Duration())
	assert.Equal(t, "10673", cfg.HandlePrefix)
	assert.Equal(t, 250, cfg.Checker.BatchSize)
	assert.Equal(t, 30*time.Second, cfg.Checker.LoopPause.Duration())
	assert.Equal(t, 8*period.Week, cfg.Checker.Retention["CHECKSUM_MATCH"].Duration())
	assert.Equal(t, []string{"HTML Text Extractor"}, cfg.MediaFilter.Bindings["text/html"])
	assert.Equal(t, 120, cfg.MediaFilter.Thumbnail.MaxWidth)
	assert.Equal(t, DefaultThumbnailWidth, cfg.MediaFilter.Thumbnail.MaxHeight)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, ":9469", cfg.Metrics.Listen)
}

func TestLoad_Defaults(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	cfg, err := Load(testutil.TempFile(t, dir, "bitkeep.yaml", "data_dir: /data\n"))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "/data/bitkeep.db", cfg.Database)
	require.Len(t, cfg.AssetStores, 1)
	assert.Equal(t, "/data/assetstore0", cfg.AssetStores[0].Dir)
	assert.Equal(t, 0, cfg.IncomingStore())
	assert.Equal(t, "MD5", cfg.ChecksumAlgorithm)
	assert.Equal(t, time.Hour, cfg.GracePeriod.Duration())
	assert.Equal(t, DefaultHandlePrefix, cfg.HandlePrefix)
	assert.Equal(t, DefaultBatchSize, cfg.Checker.BatchSize)
	assert.Equal(t, time.Minute, cfg.Checker.LoopPause.Duration())
	assert.Equal(t, DefaultLogLevel, cfg.Logging.Level)
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, DefaultDataDir, cfg.DataDir)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_ExpandHomePath(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	home, err := os.UserHomeDir()
	require.NoError(t, err)

	cfg, err := Load(testutil.TempFile(t, dir, "bitkeep.yaml", "data_dir: ~/.bitkeep\nmetrics:\n  textfile: ~/bitkeep.prom\n"))
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, ".bitkeep"), cfg.DataDir)
	assert.Equal(t, filepath.Join(home, ".bitkeep", "assetstore0"), cfg.AssetStores[0].Dir)
	assert.Equal(t, filepath.Join(home, "bitkeep.prom"), cfg.Metrics.Textfile)
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/bitkeep.yaml")
	assert.Error(t, err)
}

func TestLoad_InvalidValues(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	for name, content := range map[string]string{
		"incoming":     "incoming: fastest\n",
		"max_size":     "asset_stores:\n  - max_size: lots\n",
		"grace_period": "grace_period: soon\n",
		"retention":    "checker:\n  retention:\n    default: forever\n",
		"yaml":         "asset_stores: [\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Load(testutil.TempFile(t, dir, name+".yaml", content))
			assert.Error(t, err)
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"incoming out of range", func(c *Config) { c.Incoming = 3 }},
		{"shared store dir", func(c *Config) {
			c.AssetStores = append(c.AssetStores, AssetStoreConfig{Dir: c.AssetStores[0].Dir + "/"})
		}},
		{"unknown algorithm", func(c *Config) { c.ChecksumAlgorithm = "CRC32" }},
		{"handle prefix with slash", func(c *Config) { c.HandlePrefix = "123/456" }},
		{"zero batch size", func(c *Config) { c.Checker.BatchSize = 0 }},
		{"bad thumbnail", func(c *Config) { c.MediaFilter.Thumbnail.MaxHeight = -1 }},
		{"bad log level", func(c *Config) { c.Logging.Level = "chatty" }},
		{"loki without url", func(c *Config) { c.Logging.Loki.Enabled = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
