// Package config loads and validates the bitkeep configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bitkeep/bitkeep/internal/checksum"
	"github.com/bitkeep/bitkeep/pkg/bytesize"
	"github.com/bitkeep/bitkeep/pkg/period"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Defaults applied after loading.
const (
	DefaultDataDir        = "/var/lib/bitkeep"
	DefaultHandlePrefix   = "123456789"
	DefaultBatchSize      = 100
	DefaultLoopPause      = "1m"
	DefaultGracePeriod    = "1h"
	DefaultThumbnailWidth = 80
	DefaultLogLevel       = "info"
)

// IncomingAuto selects the asset store with the most free space for each
// new bitstream.
const IncomingAuto = -1

// Incoming is an asset store number or "auto".
type Incoming int

// UnmarshalYAML accepts a store number or the string "auto".
func (i *Incoming) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return fmt.Errorf("incoming must be a store number or \"auto\"")
	}
	if strings.EqualFold(strings.TrimSpace(s), "auto") {
		*i = IncomingAuto
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 {
		return fmt.Errorf("incoming must be a store number or \"auto\", got %q", s)
	}
	*i = Incoming(n)
	return nil
}

// AssetStoreConfig describes one asset store. Stores are numbered by their
// position in the list.
type AssetStoreConfig struct {
	Dir      string        `yaml:"dir"`
	Compress bool          `yaml:"compress"` // zstd-encode new bitstreams
	MaxSize  bytesize.Size `yaml:"max_size"` // quota; 0 means unlimited
}

// CheckerConfig holds checksum checker settings.
type CheckerConfig struct {
	BatchSize int                      `yaml:"batch_size"`
	LoopPause period.Period            `yaml:"loop_pause"` // pause between continuous passes
	Retention map[string]period.Period `yaml:"retention"`  // "default" or result code -> age
}

// ThumbnailConfig bounds generated thumbnails.
type ThumbnailConfig struct {
	MaxWidth  int `yaml:"max_width"`
	MaxHeight int `yaml:"max_height"`
}

// MediaFilterConfig binds formats to filters. BindingsFile, if set, is a
// line-oriented "format = filter[, filter]" file that replaces Bindings.
type MediaFilterConfig struct {
	Bindings     map[string][]string `yaml:"bindings"`
	BindingsFile string              `yaml:"bindings_file"`
	Thumbnail    ThumbnailConfig     `yaml:"thumbnail"`
}

// LokiConfig enables log shipping to Grafana Loki.
type LokiConfig struct {
	Enabled       bool              `yaml:"enabled"`
	URL           string            `yaml:"url"`
	Labels        map[string]string `yaml:"labels"`
	BatchSize     int               `yaml:"batch_size"`
	FlushInterval period.Period     `yaml:"flush_interval"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string     `yaml:"level"`
	Loki  LokiConfig `yaml:"loki"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Listen   string `yaml:"listen"`   // HTTP address for the continuous checker
	Textfile string `yaml:"textfile"` // written when a batch command exits
}

// Config is the bitkeep configuration file.
type Config struct {
	DataDir           string             `yaml:"data_dir"`
	Database          string             `yaml:"database"`
	AssetStores       []AssetStoreConfig `yaml:"asset_stores"`
	Incoming          Incoming           `yaml:"incoming"`
	ChecksumAlgorithm string             `yaml:"checksum_algorithm"`
	GracePeriod       period.Period      `yaml:"grace_period"`
	HandlePrefix      string             `yaml:"handle_prefix"`
	Checker           CheckerConfig      `yaml:"checker"`
	MediaFilter       MediaFilterConfig  `yaml:"mediafilter"`
	Logging           LoggingConfig      `yaml:"logging"`
	Metrics           MetricsConfig      `yaml:"metrics"`
}

// Load reads a configuration file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	c.DataDir = expandHome(c.DataDir)
	if c.Database == "" {
		c.Database = filepath.Join(c.DataDir, "bitkeep.db")
	}
	c.Database = expandHome(c.Database)
	if len(c.AssetStores) == 0 {
		c.AssetStores = []AssetStoreConfig{{}}
	}
	for i := range c.AssetStores {
		if c.AssetStores[i].Dir == "" {
			c.AssetStores[i].Dir = filepath.Join(c.DataDir, fmt.Sprintf("assetstore%d", i))
		}
		c.AssetStores[i].Dir = expandHome(c.AssetStores[i].Dir)
	}
	if c.ChecksumAlgorithm == "" {
		c.ChecksumAlgorithm = checksum.Default
	}
	if c.GracePeriod == 0 {
		c.GracePeriod = mustPeriod(DefaultGracePeriod)
	}
	if c.HandlePrefix == "" {
		c.HandlePrefix = DefaultHandlePrefix
	}
	if c.Checker.BatchSize == 0 {
		c.Checker.BatchSize = DefaultBatchSize
	}
	if c.Checker.LoopPause == 0 {
		c.Checker.LoopPause = mustPeriod(DefaultLoopPause)
	}
	if c.MediaFilter.Thumbnail.MaxWidth == 0 {
		c.MediaFilter.Thumbnail.MaxWidth = DefaultThumbnailWidth
	}
	if c.MediaFilter.Thumbnail.MaxHeight == 0 {
		c.MediaFilter.Thumbnail.MaxHeight = DefaultThumbnailWidth
	}
	c.MediaFilter.BindingsFile = expandHome(c.MediaFilter.BindingsFile)
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	c.Metrics.Textfile = expandHome(c.Metrics.Textfile)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if int(c.Incoming) != IncomingAuto && (c.Incoming < 0 || int(c.Incoming) >= len(c.AssetStores)) {
		return fmt.Errorf("incoming store %d is not configured (have %d asset stores)", c.Incoming, len(c.AssetStores))
	}
	seen := make(map[string]int, len(c.AssetStores))
	for i, st := range c.AssetStores {
		if st.MaxSize < 0 {
			return fmt.Errorf("asset_stores[%d].max_size must not be negative", i)
		}
		dir := filepath.Clean(st.Dir)
		if j, dup := seen[dir]; dup {
			return fmt.Errorf("asset_stores[%d] and asset_stores[%d] share directory %s", j, i, dir)
		}
		seen[dir] = i
	}
	if _, err := checksum.Canonical(c.ChecksumAlgorithm); err != nil {
		return fmt.Errorf("checksum_algorithm: %w", err)
	}
	if strings.ContainsAny(c.HandlePrefix, "/ ") {
		return fmt.Errorf("handle_prefix must not contain '/' or spaces")
	}
	if c.Checker.BatchSize < 1 {
		return fmt.Errorf("checker.batch_size must be positive")
	}
	if c.MediaFilter.Thumbnail.MaxWidth < 1 || c.MediaFilter.Thumbnail.MaxHeight < 1 {
		return fmt.Errorf("mediafilter.thumbnail dimensions must be positive")
	}
	if _, err := zerolog.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	if c.Logging.Loki.Enabled && c.Logging.Loki.URL == "" {
		return fmt.Errorf("logging.loki.url is required when loki is enabled")
	}
	return nil
}

// IncomingStore returns the incoming store number, or IncomingAuto.
func (c *Config) IncomingStore() int {
	return int(c.Incoming)
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(homeDir, path[2:])
}

func mustPeriod(s string) period.Period {
	d, err := period.Parse(s)
	if err != nil {
		panic(err)
	}
	return period.Period(d)
}
