package main

import (
	"context"
	"fmt"
	"os"

	"github.com/bitkeep/bitkeep/internal/assetstore"
	"github.com/bitkeep/bitkeep/internal/bitstore"
	"github.com/bitkeep/bitkeep/internal/checker"
	"github.com/bitkeep/bitkeep/internal/config"
	"github.com/bitkeep/bitkeep/internal/logging/audit"
	"github.com/bitkeep/bitkeep/internal/logging/loki"
	"github.com/bitkeep/bitkeep/internal/mediafilter"
	"github.com/bitkeep/bitkeep/internal/metadata"
	"github.com/bitkeep/bitkeep/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// app is the opened state shared by the subcommands.
type app struct {
	cfg   *config.Config
	db    *metadata.DB
	bits  *bitstore.Manager
	audit *audit.Logger
	loki  *loki.Writer

	metricsFile string
}

// loadConfig reads --config, or falls back to the built-in defaults.
func loadConfig(g *globalFlags) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if g.configPath != "" {
		if cfg, err = config.Load(g.configPath); err != nil {
			return nil, err
		}
	} else {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// openApp loads the configuration, opens the metadata database and asset
// stores and wires logging and metrics for command.
func openApp(ctx context.Context, g *globalFlags, command string) (*app, error) {
	cfg, err := loadConfig(g)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, metricsFile: g.metricsFile}
	if a.metricsFile == "" {
		a.metricsFile = cfg.Metrics.Textfile
	}
	a.setupLogging(g.logLevel)
	metrics.InitBuildInfo(Version, command)

	stores, err := openStores(cfg)
	if err != nil {
		return nil, err
	}
	if a.db, err = metadata.Open(ctx, cfg.Database); err != nil {
		return nil, err
	}

	incoming := cfg.IncomingStore()
	if incoming == config.IncomingAuto {
		incoming = bitstore.AutoIncoming
	}
	a.bits, err = bitstore.NewManager(a.db, stores,
		bitstore.WithIncoming(incoming),
		bitstore.WithChecksumAlgorithm(cfg.ChecksumAlgorithm),
		bitstore.WithGracePeriod(cfg.GracePeriod.Duration()),
		bitstore.WithAuditLogger(a.audit),
		bitstore.WithMetrics(bitstore.InitMetrics(metrics.Registry)),
	)
	if err != nil {
		_ = a.db.Close()
		return nil, err
	}
	return a, nil
}

func openStores(cfg *config.Config) ([]*assetstore.Store, error) {
	stores := make([]*assetstore.Store, 0, len(cfg.AssetStores))
	for i, sc := range cfg.AssetStores {
		opts := []assetstore.Option{assetstore.WithQuota(sc.MaxSize.Bytes())}
		if sc.Compress {
			opts = append(opts, assetstore.WithEncoding(assetstore.EncodingZstd))
		}
		st, err := assetstore.New(i, sc.Dir, opts...)
		if err != nil {
			return nil, fmt.Errorf("asset store %d: %w", i, err)
		}
		stores = append(stores, st)
	}
	return stores, nil
}

// setupLogging applies the configured level unless --log-level was given,
// and starts Loki shipping when enabled.
func (a *app) setupLogging(flagLevel string) {
	if flagLevel == "" {
		if level, err := zerolog.ParseLevel(a.cfg.Logging.Level); err == nil {
			zerolog.SetGlobalLevel(level)
		}
	}

	if lc := a.cfg.Logging.Loki; lc.Enabled {
		hostname, _ := os.Hostname()
		labels := map[string]string{"host": hostname}
		for k, v := range lc.Labels {
			labels[k] = v
		}
		a.loki = loki.NewWriter(loki.Config{
			URL:           lc.URL,
			Labels:        labels,
			BatchSize:     lc.BatchSize,
			FlushInterval: lc.FlushInterval.Duration(),
		})
		a.loki.Start()
		console := zerolog.ConsoleWriter{Out: os.Stderr}
		log.Logger = zerolog.New(zerolog.MultiLevelWriter(console, a.loki)).With().Timestamp().Logger()
	}
	a.audit = audit.NewLogger(log.Logger)
}

func (a *app) checkerMetrics() *checker.Metrics {
	return checker.InitMetrics(metrics.Registry)
}

func (a *app) mediafilterMetrics() *mediafilter.Metrics {
	return mediafilter.InitMetrics(metrics.Registry)
}

// Close writes the metrics textfile, closes the database and flushes logs.
func (a *app) Close() {
	if a.metricsFile != "" {
		if err := metrics.WriteTextfile(a.metricsFile); err != nil {
			log.Warn().Err(err).Msg("failed to write metrics")
		}
	}
	if err := a.db.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to close database")
	}
	if a.loki != nil {
		a.loki.Stop()
	}
}
