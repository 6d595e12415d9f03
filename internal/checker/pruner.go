package checker

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/bitkeep/bitkeep/internal/logging/audit"
	"github.com/bitkeep/bitkeep/internal/metadata"
	"github.com/bitkeep/bitkeep/pkg/period"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// DefaultRetentionKey names the retention applied to result codes without
// their own entry.
const DefaultRetentionKey = "default"

// DefaultRetention is how long history rows are kept when nothing else is
// configured.
const DefaultRetention = 10 * period.Year

// Retention says how long checksum history rows are kept, per result code.
type Retention struct {
	Default  time.Duration
	ByResult map[ResultCode]time.Duration
}

// NewRetention builds a Retention from a "default"/result-code keyed map.
// Unknown result codes are rejected.
func NewRetention(periods map[string]period.Period) (Retention, error) {
	r := Retention{Default: DefaultRetention, ByResult: make(map[ResultCode]time.Duration)}
	for key, p := range periods {
		if key == DefaultRetentionKey {
			r.Default = p.Duration()
			continue
		}
		code := ResultCode(key)
		if !code.Valid() {
			return Retention{}, fmt.Errorf("unknown result code in retention: %q", key)
		}
		r.ByResult[code] = p.Duration()
	}
	return r, nil
}

// LoadRetention reads a retention file of the form
//
//	retention:
//	  default: 10y
//	  CHECKSUM_MATCH: 8w
func LoadRetention(path string) (Retention, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Retention{}, fmt.Errorf("reading retention file: %w", err)
	}

	var file struct {
		Retention map[string]period.Period `yaml:"retention"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Retention{}, fmt.Errorf("parsing retention file: %w", err)
	}
	return NewRetention(file.Retention)
}

// Pruner deletes checksum history rows older than their retention.
type Pruner struct {
	db        *metadata.DB
	retention Retention
	audit     *audit.Logger
	metrics   *Metrics
	now       func() time.Time
}

// NewPruner creates a pruner for db.
func NewPruner(db *metadata.DB, retention Retention, auditLogger *audit.Logger, metrics *Metrics) *Pruner {
	return &Pruner{db: db, retention: retention, audit: auditLogger, metrics: metrics, now: time.Now}
}

// Prune removes expired history rows in one transaction and returns how
// many were removed.
func (p *Pruner) Prune(ctx context.Context) (int64, error) {
	now := p.now()
	codes := make([]string, 0, len(p.retention.ByResult))
	for code := range p.retention.ByResult {
		codes = append(codes, string(code))
	}
	sort.Strings(codes)

	var total int64
	err := p.db.InTx(ctx, func(tx *sql.Tx) error {
		total = 0
		for _, code := range codes {
			keep := p.retention.ByResult[ResultCode(code)]
			n, err := metadata.DeleteHistoryByResult(ctx, tx, code, now.Add(-keep))
			if err != nil {
				return err
			}
			p.audit.LogPrune(code, keep, n)
			total += n
		}

		n, err := metadata.DeleteHistoryExcept(ctx, tx, codes, now.Add(-p.retention.Default))
		if err != nil {
			return err
		}
		p.audit.LogPrune(DefaultRetentionKey, p.retention.Default, n)
		total += n
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("prune checksum history: %w", err)
	}

	if p.metrics != nil {
		p.metrics.HistoryPruned.Add(float64(total))
	}
	log.Info().Int64("deleted", total).Msg("pruned checksum history")
	return total, nil
}
