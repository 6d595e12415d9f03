// Package bitstore is the bitstream storage manager. It keeps the files in
// the asset stores and the rows in the metadata database consistent: content
// is written before its row is inserted, rows are only marked deleted, and
// files are reclaimed by a separate cleanup pass.
package bitstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/bitkeep/bitkeep/internal/assetstore"
	"github.com/bitkeep/bitkeep/internal/checksum"
	"github.com/bitkeep/bitkeep/internal/logging/audit"
	"github.com/bitkeep/bitkeep/internal/metadata"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// AutoIncoming selects the store with the most effective free space for
// every new bitstream.
const AutoIncoming = -1

// DefaultGracePeriod protects files written by in-flight transactions from
// cleanup.
const DefaultGracePeriod = time.Hour

// Info is the descriptive metadata supplied with new content.
type Info struct {
	Name        string
	Format      string
	Source      string
	Description string
}

// Manager stores, retrieves and deletes bitstreams.
type Manager struct {
	db        *metadata.DB
	stores    map[int]*assetstore.Store
	numbers   []int
	incoming  int
	algorithm string
	grace     time.Duration

	audit   *audit.Logger
	metrics *Metrics
	newID   func() string
	now     func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithIncoming sets the store receiving new bitstreams, or AutoIncoming.
func WithIncoming(n int) Option {
	return func(m *Manager) { m.incoming = n }
}

// WithChecksumAlgorithm sets the digest recorded for new bitstreams.
func WithChecksumAlgorithm(name string) Option {
	return func(m *Manager) { m.algorithm = name }
}

// WithGracePeriod sets how old deleted rows and orphaned files must be
// before cleanup touches them.
func WithGracePeriod(d time.Duration) Option {
	return func(m *Manager) { m.grace = d }
}

// WithAuditLogger enables audit events.
func WithAuditLogger(l *audit.Logger) Option {
	return func(m *Manager) { m.audit = l }
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(metrics *Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a manager over db and the given asset stores.
func NewManager(db *metadata.DB, stores []*assetstore.Store, opts ...Option) (*Manager, error) {
	if len(stores) == 0 {
		return nil, ErrNoStores
	}

	m := &Manager{
		db:        db,
		stores:    make(map[int]*assetstore.Store, len(stores)),
		algorithm: checksum.Default,
		grace:     DefaultGracePeriod,
		newID:     newInternalID,
		now:       time.Now,
	}
	for _, st := range stores {
		if _, dup := m.stores[st.Number()]; dup {
			return nil, fmt.Errorf("asset store %d configured twice", st.Number())
		}
		m.stores[st.Number()] = st
		m.numbers = append(m.numbers, st.Number())
	}
	sort.Ints(m.numbers)
	m.incoming = m.numbers[0]

	for _, opt := range opts {
		opt(m)
	}

	canon, err := checksum.Canonical(m.algorithm)
	if err != nil {
		return nil, err
	}
	m.algorithm = canon

	if m.incoming != AutoIncoming {
		if _, ok := m.stores[m.incoming]; !ok {
			return nil, fmt.Errorf("%w: incoming store %d", ErrUnknownStore, m.incoming)
		}
	}
	if m.grace < 0 {
		return nil, fmt.Errorf("grace period must not be negative")
	}
	return m, nil
}

// newInternalID returns a random key: a v4 UUID as 32 hex digits.
func newInternalID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// DB returns the metadata database.
func (m *Manager) DB() *metadata.DB { return m.db }

// Algorithm returns the checksum algorithm used for new bitstreams.
func (m *Manager) Algorithm() string { return m.algorithm }

// GracePeriod returns the cleanup grace period.
func (m *Manager) GracePeriod() time.Duration { return m.grace }

// AssetStore returns asset store n.
func (m *Manager) AssetStore(n int) (*assetstore.Store, error) {
	st, ok := m.stores[n]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownStore, n)
	}
	return st, nil
}

// Stores returns all asset stores ordered by number.
func (m *Manager) Stores() []*assetstore.Store {
	out := make([]*assetstore.Store, 0, len(m.numbers))
	for _, n := range m.numbers {
		out = append(out, m.stores[n])
	}
	return out
}

// Store writes r to the incoming asset store and inserts its row through q.
// The row only becomes visible when the caller commits; if the caller rolls
// back, the file is left as an orphan for Cleanup to reclaim.
func (m *Manager) Store(ctx context.Context, q metadata.Querier, r io.Reader, info Info) (*metadata.Bitstream, error) {
	st, err := m.incomingStore(ctx, q)
	if err != nil {
		m.metrics.recordOp("store", audit.ResultFailed)
		return nil, err
	}

	internalID := m.newID()
	res, err := st.Write(ctx, internalID, r, st.Encoding(), m.algorithm)
	if err != nil {
		m.metrics.recordOp("store", audit.ResultFailed)
		m.audit.LogStorageOp("store", 0, internalID, st.Number(), audit.ResultFailed, err.Error())
		return nil, fmt.Errorf("store bitstream: %w", err)
	}

	b := &metadata.Bitstream{
		InternalID:        internalID,
		StoreNumber:       st.Number(),
		Name:              info.Name,
		Format:            info.Format,
		Source:            info.Source,
		Description:       info.Description,
		SizeBytes:         res.Size,
		Checksum:          res.Checksum,
		ChecksumAlgorithm: res.Algorithm,
		Encoding:          string(st.Encoding()),
		CreatedAt:         m.now(),
	}
	if _, err := metadata.InsertBitstream(ctx, q, b); err != nil {
		_ = st.Remove(res.Path)
		m.metrics.recordOp("store", audit.ResultFailed)
		return nil, err
	}

	m.metrics.recordOp("store", audit.ResultOK)
	m.metrics.recordStored(res.Size)
	m.audit.LogStorageOp("store", b.ID, internalID, st.Number(), audit.ResultOK, "")
	log.Debug().
		Int64("bitstream_id", b.ID).
		Str("internal_id", internalID).
		Int("store", st.Number()).
		Int64("size", res.Size).
		Int64("stored_size", res.StoredSize).
		Msg("stored bitstream")
	return b, nil
}

// Register records a file that already exists inside asset store
// storeNumber, at relPath relative to the store root. The checksum is
// computed by reading the file. Registered files are never deleted by
// cleanup.
func (m *Manager) Register(ctx context.Context, q metadata.Querier, storeNumber int, relPath string, info Info) (*metadata.Bitstream, error) {
	st, err := m.AssetStore(storeNumber)
	if err != nil {
		return nil, err
	}

	internalID := assetstore.RegisteredPrefix + strings.TrimPrefix(relPath, "/")
	rel, err := assetstore.RelativePath(internalID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotRegistered, err)
	}

	f, err := st.Open(rel, assetstore.EncodingIdentity)
	if err != nil {
		m.metrics.recordOp("register", audit.ResultFailed)
		return nil, err
	}
	defer func() { _ = f.Close() }()

	sum, size, err := checksum.Digest(f, m.algorithm)
	if err != nil {
		m.metrics.recordOp("register", audit.ResultFailed)
		return nil, fmt.Errorf("register %s: %w", rel, err)
	}

	if info.Name == "" {
		info.Name = rel[strings.LastIndex(rel, "/")+1:]
	}
	b := &metadata.Bitstream{
		InternalID:        internalID,
		StoreNumber:       storeNumber,
		Name:              info.Name,
		Format:            info.Format,
		Source:            info.Source,
		Description:       info.Description,
		SizeBytes:         size,
		Checksum:          sum,
		ChecksumAlgorithm: m.algorithm,
		Encoding:          string(assetstore.EncodingIdentity),
		CreatedAt:         m.now(),
	}
	if _, err := metadata.InsertBitstream(ctx, q, b); err != nil {
		return nil, err
	}

	m.metrics.recordOp("register", audit.ResultOK)
	m.audit.LogStorageOp("register", b.ID, internalID, storeNumber, audit.ResultOK, "")
	return b, nil
}

// Retrieve returns the content of a live bitstream. Deleted bitstreams and
// bitstreams whose file has gone missing yield ErrNotFound.
func (m *Manager) Retrieve(ctx context.Context, q metadata.Querier, id int64) (io.ReadCloser, *metadata.Bitstream, error) {
	b, err := metadata.GetBitstream(ctx, q, id)
	if err != nil {
		m.metrics.recordOp("retrieve", audit.ResultFailed)
		return nil, nil, err
	}
	if b.Deleted {
		m.metrics.recordOp("retrieve", audit.ResultFailed)
		return nil, nil, fmt.Errorf("bitstream %d is deleted: %w", id, ErrNotFound)
	}

	rc, err := m.Open(b)
	if errors.Is(err, ErrFileMissing) {
		m.metrics.recordOp("retrieve", audit.ResultFailed)
		m.audit.LogStorageOp("retrieve", id, b.InternalID, b.StoreNumber, audit.ResultFailed, err.Error())
		return nil, nil, fmt.Errorf("bitstream %d: %w: %w", id, ErrNotFound, err)
	}
	if err != nil {
		m.metrics.recordOp("retrieve", audit.ResultFailed)
		return nil, nil, err
	}

	m.metrics.recordOp("retrieve", audit.ResultOK)
	m.metrics.recordRetrieved(b.SizeBytes)
	return rc, b, nil
}

// Open returns the decoded content of b whether or not it is deleted.
// A missing file yields ErrFileMissing.
func (m *Manager) Open(b *metadata.Bitstream) (io.ReadCloser, error) {
	st, err := m.AssetStore(b.StoreNumber)
	if err != nil {
		return nil, err
	}
	rel, err := assetstore.RelativePath(b.InternalID)
	if err != nil {
		return nil, err
	}
	return st.Open(rel, assetstore.Encoding(b.Encoding))
}

// Delete marks a bitstream deleted. The file stays until Cleanup reclaims
// it. Deleting an already deleted bitstream is a no-op.
func (m *Manager) Delete(ctx context.Context, q metadata.Querier, id int64) error {
	b, err := metadata.GetBitstream(ctx, q, id)
	if err != nil {
		m.metrics.recordOp("delete", audit.ResultFailed)
		return err
	}
	if b.Deleted {
		return nil
	}
	if _, err := metadata.MarkBitstreamDeleted(ctx, q, id, m.now()); err != nil {
		m.metrics.recordOp("delete", audit.ResultFailed)
		return err
	}

	m.metrics.recordOp("delete", audit.ResultOK)
	m.audit.LogStorageOp("delete", id, b.InternalID, b.StoreNumber, audit.ResultOK, "")
	return nil
}

func (m *Manager) incomingStore(ctx context.Context, q metadata.Querier) (*assetstore.Store, error) {
	if m.incoming != AutoIncoming {
		st := m.stores[m.incoming]
		if st.Quota() > 0 {
			snap, err := m.capacity(ctx, q, st)
			if err != nil {
				return nil, err
			}
			if snap.QuotaAvailBytes <= 0 {
				return nil, fmt.Errorf("%w: store %d", ErrQuotaExceeded, st.Number())
			}
		}
		return st, nil
	}

	var snaps []*assetstore.CapacitySnapshot
	for _, st := range m.Stores() {
		snap, err := m.capacity(ctx, q, st)
		if err != nil {
			log.Warn().Err(err).Int("store", st.Number()).Msg("skipping asset store without capacity information")
			continue
		}
		snaps = append(snaps, snap)
	}
	if len(snaps) == 0 {
		return m.stores[m.numbers[0]], nil
	}

	best := assetstore.SortByAvailableCapacity(snaps)[0]
	if !best.HasCapacityFor(1) {
		return nil, fmt.Errorf("%w: no asset store has free space", ErrQuotaExceeded)
	}
	return m.stores[best.StoreNumber], nil
}

func (m *Manager) capacity(ctx context.Context, q metadata.Querier, st *assetstore.Store) (*assetstore.CapacitySnapshot, error) {
	used, err := metadata.StoreUsage(ctx, q, st.Number())
	if err != nil {
		return nil, err
	}
	snap, err := st.Capacity(used)
	if err != nil {
		return nil, err
	}
	m.metrics.recordCapacity(st.Number(), snap.EffectiveAvailableBytes(), used)
	return snap, nil
}

// Capacity reports the capacity of every asset store.
func (m *Manager) Capacity(ctx context.Context) ([]*assetstore.CapacitySnapshot, error) {
	var out []*assetstore.CapacitySnapshot
	for _, st := range m.Stores() {
		snap, err := m.capacity(ctx, m.db, st)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}
