// Package checker verifies stored bitstreams against their recorded
// checksums. Which bitstreams are checked is decided by a Dispatcher; what
// happens with each result is decided by a Collector. Mismatches are only
// detected and recorded, never repaired.
package checker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bitkeep/bitkeep/internal/bitstore"
	"github.com/bitkeep/bitkeep/internal/checksum"
	"github.com/bitkeep/bitkeep/internal/logging/audit"
	"github.com/bitkeep/bitkeep/internal/metadata"
	"github.com/rs/zerolog/log"
)

// DefaultBatchSize is how many checks are committed together.
const DefaultBatchSize = 100

// Checker runs verification passes.
type Checker struct {
	manager   *bitstore.Manager
	db        *metadata.DB
	collector Collector
	batchSize int
	audit     *audit.Logger
	metrics   *Metrics
	now       func() time.Time
}

// Option configures a Checker.
type Option func(*Checker)

// WithCollector sets where results go (a LogCollector by default).
func WithCollector(c Collector) Option {
	return func(ch *Checker) { ch.collector = c }
}

// WithBatchSize sets how many checks are committed together.
func WithBatchSize(n int) Option {
	return func(ch *Checker) { ch.batchSize = n }
}

// WithAuditLogger records problem results as audit events.
func WithAuditLogger(l *audit.Logger) Option {
	return func(ch *Checker) { ch.audit = l }
}

// WithMetrics records run level metrics.
func WithMetrics(m *Metrics) Option {
	return func(ch *Checker) { ch.metrics = m }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(ch *Checker) { ch.now = now }
}

// New creates a checker over the bitstreams managed by manager.
func New(manager *bitstore.Manager, opts ...Option) *Checker {
	c := &Checker{
		manager:   manager,
		db:        manager.DB(),
		collector: LogCollector{},
		batchSize: DefaultBatchSize,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run performs one verification run. It first brings the most-recent
// checksum table up to date with new and deleted bitstreams, then checks
// every id the dispatcher yields. Files are read and digested outside any
// transaction; the outcomes are buffered and written in one short
// transaction per batch. When ctx is cancelled the unwritten tail is dropped
// and ctx's error returned.
func (c *Checker) Run(ctx context.Context, newDispatcher DispatcherFactory) (*Summary, error) {
	summary := NewSummary()
	processStart := c.now()

	var added, retired int64
	err := c.db.InTx(ctx, func(tx *sql.Tx) error {
		var err error
		added, retired, err = metadata.SyncMostRecent(ctx, tx, string(BitstreamMarkedDeleted))
		return err
	})
	if err != nil {
		return summary, err
	}
	if added > 0 || retired > 0 {
		log.Info().Int64("added", added).Int64("retired", retired).Msg("updated checksum table")
	}

	batch := newPendingBatch(c.db)
	collector := MultiCollector{summary, c.collector}
	dispatcher := newDispatcher(c.db, processStart)
	if w, ok := dispatcher.(pendingWatcher); ok {
		w.watchPending(batch)
	}
	for {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		id, ok, err := dispatcher.Next(ctx)
		if err != nil {
			return summary, fmt.Errorf("dispatch: %w", err)
		}
		if !ok {
			break
		}

		result, mr, err := c.check(ctx, c.db, id)
		if err != nil {
			return summary, err
		}
		if mr != nil {
			batch.add(mr, result)
		}
		collector.Collect(result)
		if result.Code.Problem() {
			c.audit.LogChecksumResult(id, string(result.Code), result.Expected, result.Calculated)
		}

		if batch.len() >= c.batchSize {
			if err := batch.flush(ctx); err != nil {
				return summary, err
			}
		}
	}

	if err := batch.flush(ctx); err != nil {
		return summary, err
	}
	if c.metrics != nil {
		c.metrics.LastRunEnd.SetToCurrentTime()
	}
	return summary, nil
}

// check verifies one bitstream, reading its state through q. It returns the
// updated most-recent row to record, or nil when there is nothing to record.
// Only database failures are returned as errors; everything wrong with the
// bitstream itself becomes a result code.
func (c *Checker) check(ctx context.Context, q metadata.Querier, id int64) (*Result, *metadata.MostRecent, error) {
	result := &Result{BitstreamID: id, ProcessStart: c.now()}

	mr, err := metadata.GetMostRecent(ctx, q, id)
	if errors.Is(err, metadata.ErrNotFound) {
		result.Code = BitstreamInfoNotFound
		result.ProcessEnd = c.now()
		return result, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	b, err := metadata.GetBitstream(ctx, q, id)
	if errors.Is(err, metadata.ErrNotFound) {
		result.Code = BitstreamInfoNotFound
		result.ProcessEnd = c.now()
		return result, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}

	result.InternalID = b.InternalID
	result.Name = b.Name
	result.Size = b.SizeBytes
	result.Expected = mr.ExpectedChecksum
	result.Algorithm = mr.Algorithm
	if result.Algorithm == "" {
		result.Algorithm = b.ChecksumAlgorithm
	}

	if b.Deleted {
		result.Code = BitstreamMarkedDeleted
		mr.ToBeProcessed = false
	} else {
		c.verify(b, result)
		if result.Code == ChecksumPrevNotFound {
			mr.ExpectedChecksum = result.Calculated
		}
	}
	result.MatchedPrev = result.Code == ChecksumMatch
	result.ProcessEnd = c.now()

	mr.CurrentChecksum = result.Calculated
	mr.LastProcessStart = result.ProcessStart
	mr.LastProcessEnd = result.ProcessEnd
	mr.Algorithm = result.Algorithm
	mr.MatchedPrev = result.MatchedPrev
	mr.Result = string(result.Code)
	return result, mr, nil
}

// record writes one check outcome: the new most-recent state and a history row.
func record(ctx context.Context, q metadata.Querier, mr *metadata.MostRecent, result *Result) error {
	if err := metadata.UpdateMostRecent(ctx, q, mr); err != nil {
		return err
	}
	_, err := metadata.InsertHistory(ctx, q, &metadata.HistoryEntry{
		BitstreamID:        result.BitstreamID,
		ProcessStart:       result.ProcessStart,
		ProcessEnd:         result.ProcessEnd,
		ChecksumExpected:   result.Expected,
		ChecksumCalculated: result.Calculated,
		Result:             string(result.Code),
	})
	return err
}

// pendingBatch holds check outcomes that are not yet written.
type pendingBatch struct {
	db      *metadata.DB
	rows    []*metadata.MostRecent
	results []*Result
}

func newPendingBatch(db *metadata.DB) *pendingBatch {
	return &pendingBatch{db: db}
}

func (p *pendingBatch) add(mr *metadata.MostRecent, r *Result) {
	p.rows = append(p.rows, mr)
	p.results = append(p.results, r)
}

func (p *pendingBatch) len() int { return len(p.rows) }

// ids returns the bitstreams whose outcomes are waiting to be written.
func (p *pendingBatch) ids() []int64 {
	ids := make([]int64, len(p.rows))
	for i, mr := range p.rows {
		ids[i] = mr.BitstreamID
	}
	return ids
}

// flush writes every pending outcome in one transaction.
func (p *pendingBatch) flush(ctx context.Context) error {
	if len(p.rows) == 0 {
		return nil
	}
	err := p.db.InTx(ctx, func(tx *sql.Tx) error {
		for i, mr := range p.rows {
			if err := record(ctx, tx, mr, p.results[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("record %d check results: %w", len(p.rows), err)
	}
	p.rows = p.rows[:0]
	p.results = p.results[:0]
	return nil
}

// verify reads the stored content and sets result's code and calculated digest.
func (c *Checker) verify(b *metadata.Bitstream, result *Result) {
	if !checksum.Supported(result.Algorithm) {
		result.Code = ChecksumAlgorithmInvalid
		return
	}

	rc, err := c.manager.Open(b)
	if errors.Is(err, bitstore.ErrFileMissing) {
		result.Code = BitstreamNotFound
		return
	}
	if err != nil {
		result.Code = BitstreamNotProcessed
		result.Err = err
		return
	}
	defer func() { _ = rc.Close() }()

	sum, _, err := checksum.Digest(rc, result.Algorithm)
	if err != nil {
		result.Code = BitstreamNotProcessed
		result.Err = err
		return
	}
	result.Calculated = sum

	switch {
	case result.Expected == "":
		result.Code = ChecksumPrevNotFound
	case checksum.Equal(result.Expected, sum):
		result.Code = ChecksumMatch
	default:
		result.Code = ChecksumNoMatch
	}
}
