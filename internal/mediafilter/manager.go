package mediafilter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/bitkeep/bitkeep/internal/bitstore"
	"github.com/bitkeep/bitkeep/internal/logging/audit"
	"github.com/bitkeep/bitkeep/internal/metadata"
	"github.com/rs/zerolog/log"
)

// Filter results as reported to the audit log and metrics.
const (
	resultCreated = "created"
	resultSkipped = "skipped"
)

// Options control one media filter run.
type Options struct {
	Force      bool   // replace derivatives that already exist
	SkipIndex  bool   // do not queue changed items for re-indexing
	Verbose    bool   // print each derivation to Out
	Identifier string // handle or numeric item id; empty means every item
	MaxItems   int    // stop after this many items; 0 means no limit

	// Filters restricts the run to the named filters; empty runs every
	// bound filter.
	Filters []string
	// Skip lists handles or item ids left alone. A community or collection
	// handle skips every item under it.
	Skip []string
}

// runs reports whether the filter called name takes part in the run.
func (o Options) runs(name string) bool {
	return len(o.Filters) == 0 || slices.Contains(o.Filters, name)
}

// Stats counts what a run did.
type Stats struct {
	Items   int
	Created int
	Skipped int
	Failed  int
}

// Manager applies the registry's filters to the ORIGINAL bitstreams of items.
type Manager struct {
	bits     *bitstore.Manager
	db       *metadata.DB
	registry *Registry
	out      io.Writer
	audit    *audit.Logger
	metrics  *Metrics
	now      func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithOutput sets where verbose lines are written.
func WithOutput(w io.Writer) ManagerOption {
	return func(m *Manager) { m.out = w }
}

// WithAuditLogger records each derivation as an audit event.
func WithAuditLogger(l *audit.Logger) ManagerOption {
	return func(m *Manager) { m.audit = l }
}

// WithMetrics records derivation counts.
func WithMetrics(metrics *Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = metrics }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a media filter manager storing derivatives through bits.
func NewManager(bits *bitstore.Manager, registry *Registry, opts ...ManagerOption) *Manager {
	m := &Manager{
		bits:     bits,
		db:       bits.DB(),
		registry: registry,
		out:      io.Discard,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run filters the selected items. Each item is processed in its own
// transaction; a failure to derive one bitstream undoes that derivation, is
// counted and the run continues. An error is returned only when items cannot be selected or an
// item's transaction cannot be committed.
func (m *Manager) Run(ctx context.Context, opts Options) (*Stats, error) {
	stats := &Stats{}
	for _, name := range opts.Filters {
		if _, ok := m.registry.Filter(name); !ok {
			return stats, fmt.Errorf("%w: %q", ErrUnknownFilter, name)
		}
	}
	itemIDs, err := m.selectItems(ctx, opts.Identifier)
	if err != nil {
		return stats, err
	}
	skip := make(map[int64]bool)
	for _, identifier := range opts.Skip {
		if strings.TrimSpace(identifier) == "" {
			continue
		}
		ids, err := m.selectItems(ctx, identifier)
		if err != nil {
			return stats, fmt.Errorf("skip %q: %w", identifier, err)
		}
		for _, id := range ids {
			skip[id] = true
		}
	}

	for _, itemID := range itemIDs {
		if skip[itemID] {
			log.Debug().Int64("item_id", itemID).Msg("skipping item")
			continue
		}
		if opts.MaxItems > 0 && stats.Items >= opts.MaxItems {
			break
		}
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		var itemStats Stats
		err := m.db.InTx(ctx, func(tx *sql.Tx) error {
			itemStats = Stats{}
			return m.filterItem(ctx, tx, itemID, opts, &itemStats)
		})
		if err != nil {
			return stats, fmt.Errorf("filter item %d: %w", itemID, err)
		}

		m.metrics.recordItem()
		stats.Items++
		stats.Created += itemStats.Created
		stats.Skipped += itemStats.Skipped
		stats.Failed += itemStats.Failed
	}

	log.Info().
		Int("items", stats.Items).
		Int("created", stats.Created).
		Int("skipped", stats.Skipped).
		Int("failed", stats.Failed).
		Msg("media filter run finished")
	return stats, nil
}

// selectItems resolves identifier to item ids: a number is an item id,
// anything else a handle of a community, collection or item.
func (m *Manager) selectItems(ctx context.Context, identifier string) ([]int64, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return metadata.ListItemIDs(ctx, m.db)
	}
	if id, err := strconv.ParseInt(identifier, 10, 64); err == nil {
		if _, err := metadata.GetItem(ctx, m.db, id); err != nil {
			return nil, err
		}
		return []int64{id}, nil
	}
	t, id, err := metadata.ResolveHandle(ctx, m.db, identifier)
	if err != nil {
		return nil, err
	}
	return metadata.ItemIDsUnder(ctx, m.db, t, id)
}

func (m *Manager) filterItem(ctx context.Context, tx *sql.Tx, itemID int64, opts Options, stats *Stats) error {
	bundleID, ok, err := metadata.FindBundle(ctx, tx, itemID, metadata.BundleOriginal)
	if err != nil || !ok {
		return err
	}
	sources, err := metadata.BundleBitstreams(ctx, tx, bundleID)
	if err != nil {
		return err
	}

	for _, src := range sources {
		for _, f := range m.registry.FiltersFor(src.Format) {
			if !opts.runs(f.Name()) {
				continue
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			var derived *metadata.Bitstream
			err := metadata.InSavepoint(ctx, tx, "derive", func() error {
				var err error
				derived, err = m.apply(ctx, tx, itemID, src, f, opts.Force)
				return err
			})
			switch {
			case err != nil:
				stats.Failed++
				m.metrics.recordDerivative(f.Name(), audit.ResultFailed)
				m.audit.LogFilter(f.Name(), itemID, src.ID, 0, audit.ResultFailed, err.Error())
				log.Warn().Err(err).
					Int64("item_id", itemID).
					Int64("bitstream_id", src.ID).
					Str("filter", f.Name()).
					Msg("media filter failed")
			case derived == nil:
				stats.Skipped++
				m.metrics.recordDerivative(f.Name(), resultSkipped)
				if opts.Verbose {
					_, _ = fmt.Fprintf(m.out, "SKIPPED: bitstream %d (item %d) already filtered by %s\n", src.ID, itemID, f.Name())
				}
			default:
				stats.Created++
				m.metrics.recordDerivative(f.Name(), resultCreated)
				m.audit.LogFilter(f.Name(), itemID, src.ID, derived.ID, resultCreated, "")
				if opts.Verbose {
					_, _ = fmt.Fprintf(m.out, "FILTERED: bitstream %d (item %d) using %s\n", src.ID, itemID, f.Name())
				}
			}
		}
	}

	if stats.Created == 0 {
		return nil
	}
	now := m.now()
	if err := metadata.TouchItem(ctx, tx, itemID, now); err != nil {
		return err
	}
	if opts.SkipIndex {
		return nil
	}
	return metadata.QueueIndex(ctx, tx, itemID, now)
}

// apply derives one bitstream. It returns nil, nil when the derivative
// already exists and force is off. A forced derivative replaces the old one
// only once the new content has been stored. The caller runs apply in a
// savepoint, so a failure leaves neither the new row nor a half replaced
// old one behind; the new file becomes an orphan for cleanup.
func (m *Manager) apply(ctx context.Context, tx *sql.Tx, itemID int64, src *metadata.Bitstream, f Filter, force bool) (*metadata.Bitstream, error) {
	name := f.FilteredName(src.Name)
	targetID, err := metadata.EnsureBundle(ctx, tx, itemID, f.Bundle())
	if err != nil {
		return nil, err
	}
	existing, err := metadata.FindBundleBitstream(ctx, tx, targetID, name)
	switch {
	case errors.Is(err, metadata.ErrNotFound):
	case err != nil:
		return nil, err
	case !force:
		return nil, nil
	}

	rc, _, err := m.bits.Retrieve(ctx, tx, src.ID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	content, err := f.Transform(ctx, rc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", f.Name(), err)
	}
	derived, err := m.bits.Store(ctx, tx, content, bitstore.Info{
		Name:        name,
		Format:      f.Format(),
		Source:      fmt.Sprintf("Written by FormatFilter %s on %s", f.Name(), m.now().UTC().Format(time.RFC3339)),
		Description: f.Description(),
	})
	if err != nil {
		return nil, err
	}

	if existing != nil {
		if err := metadata.UnlinkBitstream(ctx, tx, existing.ID); err != nil {
			return nil, err
		}
		if err := m.bits.Delete(ctx, tx, existing.ID); err != nil {
			return nil, err
		}
	}
	if err := metadata.LinkBitstream(ctx, tx, targetID, derived.ID); err != nil {
		return nil, err
	}
	return derived, nil
}
