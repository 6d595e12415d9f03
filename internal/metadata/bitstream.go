package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Bitstream is one row of the bitstream table.
type Bitstream struct {
	ID                int64
	InternalID        string
	StoreNumber       int
	Name              string
	Format            string
	Source            string
	Description       string
	SizeBytes         int64
	Checksum          string
	ChecksumAlgorithm string
	Encoding          string
	Deleted           bool
	CreatedAt         time.Time
	DeletedAt         time.Time
	ReclaimedAt       time.Time // file reclaimed by cleanup while the row was kept
}

const bitstreamColumns = `bitstream_id, internal_id, store_number, name, format, source, description,
	size_bytes, checksum, checksum_algorithm, encoding, deleted, created_at, deleted_at, reclaimed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBitstream(row rowScanner) (*Bitstream, error) {
	var (
		b                                 Bitstream
		deleted                           int
		createdAt, deletedAt, reclaimedAt int64
	)
	if err := row.Scan(&b.ID, &b.InternalID, &b.StoreNumber, &b.Name, &b.Format, &b.Source,
		&b.Description, &b.SizeBytes, &b.Checksum, &b.ChecksumAlgorithm, &b.Encoding,
		&deleted, &createdAt, &deletedAt, &reclaimedAt); err != nil {
		return nil, err
	}
	b.Deleted = deleted != 0
	b.CreatedAt = fromNanos(createdAt)
	b.DeletedAt = fromNanos(deletedAt)
	b.ReclaimedAt = fromNanos(reclaimedAt)
	return &b, nil
}

// InsertBitstream inserts b and sets b.ID.
func InsertBitstream(ctx context.Context, q Querier, b *Bitstream) (int64, error) {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}
	res, err := q.ExecContext(ctx, `INSERT INTO bitstream
		(internal_id, store_number, name, format, source, description, size_bytes,
		 checksum, checksum_algorithm, encoding, deleted, created_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.InternalID, b.StoreNumber, b.Name, b.Format, b.Source, b.Description, b.SizeBytes,
		b.Checksum, b.ChecksumAlgorithm, b.Encoding, boolInt(b.Deleted), nanos(b.CreatedAt), nanos(b.DeletedAt))
	if err != nil {
		return 0, fmt.Errorf("insert bitstream: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert bitstream: %w", err)
	}
	b.ID = id
	return id, nil
}

// GetBitstream returns the row for id, deleted or not.
func GetBitstream(ctx context.Context, q Querier, id int64) (*Bitstream, error) {
	row := q.QueryRowContext(ctx, `SELECT `+bitstreamColumns+` FROM bitstream WHERE bitstream_id = ?`, id)
	b, err := scanBitstream(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("bitstream %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get bitstream %d: %w", id, err)
	}
	return b, nil
}

// UpdateBitstreamInfo updates the descriptive fields of a bitstream.
func UpdateBitstreamInfo(ctx context.Context, q Querier, b *Bitstream) error {
	_, err := q.ExecContext(ctx, `UPDATE bitstream SET name = ?, format = ?, source = ?, description = ?
		WHERE bitstream_id = ?`, b.Name, b.Format, b.Source, b.Description, b.ID)
	if err != nil {
		return fmt.Errorf("update bitstream %d: %w", b.ID, err)
	}
	return nil
}

// MarkBitstreamDeleted flags a live bitstream as deleted. It reports false if
// the bitstream does not exist or is already deleted.
func MarkBitstreamDeleted(ctx context.Context, q Querier, id int64, at time.Time) (bool, error) {
	res, err := q.ExecContext(ctx, `UPDATE bitstream SET deleted = 1, deleted_at = ?
		WHERE bitstream_id = ? AND deleted = 0`, nanos(at), id)
	if err != nil {
		return false, fmt.Errorf("delete bitstream %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete bitstream %d: %w", id, err)
	}
	return n > 0, nil
}

// MarkBitstreamReclaimed records that cleanup has dealt with the file of a
// deleted row that is being kept.
func MarkBitstreamReclaimed(ctx context.Context, q Querier, id int64, at time.Time) error {
	if _, err := q.ExecContext(ctx, `UPDATE bitstream SET reclaimed_at = ?
		WHERE bitstream_id = ? AND deleted = 1`, nanos(at), id); err != nil {
		return fmt.Errorf("mark bitstream %d reclaimed: %w", id, err)
	}
	return nil
}

// ListDeletedBitstreams returns rows marked deleted at or before cutoff and
// not yet reclaimed, oldest id first.
func ListDeletedBitstreams(ctx context.Context, q Querier, cutoff time.Time) ([]*Bitstream, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+bitstreamColumns+` FROM bitstream
		WHERE deleted = 1 AND reclaimed_at = 0 AND deleted_at <= ? ORDER BY bitstream_id`, nanos(cutoff))
	if err != nil {
		return nil, fmt.Errorf("list deleted bitstreams: %w", err)
	}
	return collectBitstreams(rows)
}

// ListBitstreams returns every live bitstream, lowest id first.
func ListBitstreams(ctx context.Context, q Querier) ([]*Bitstream, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+bitstreamColumns+` FROM bitstream
		WHERE deleted = 0 ORDER BY bitstream_id`)
	if err != nil {
		return nil, fmt.Errorf("list bitstreams: %w", err)
	}
	return collectBitstreams(rows)
}

func collectBitstreams(rows *sql.Rows) ([]*Bitstream, error) {
	defer func() { _ = rows.Close() }()
	var out []*Bitstream
	for rows.Next() {
		b, err := scanBitstream(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bitstream: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// CountLiveSharing counts live bitstreams other than excludeID that use the
// same internal id in the same store.
func CountLiveSharing(ctx context.Context, q Querier, storeNumber int, internalID string, excludeID int64) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM bitstream
		WHERE store_number = ? AND internal_id = ? AND bitstream_id <> ? AND deleted = 0`,
		storeNumber, internalID, excludeID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count bitstreams sharing %s: %w", internalID, err)
	}
	return n, nil
}

// InternalIDs returns the internal ids of every row (deleted or not) in a store.
func InternalIDs(ctx context.Context, q Querier, storeNumber int) (map[string]struct{}, error) {
	rows, err := q.QueryContext(ctx, `SELECT DISTINCT internal_id FROM bitstream WHERE store_number = ?`, storeNumber)
	if err != nil {
		return nil, fmt.Errorf("list internal ids: %w", err)
	}
	defer func() { _ = rows.Close() }()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan internal id: %w", err)
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

// StoreUsage returns the logical bytes recorded against a store, counting
// deleted rows whose files have not been reclaimed yet. Rows kept by cleanup
// after their file was removed no longer count.
func StoreUsage(ctx context.Context, q Querier, storeNumber int) (int64, error) {
	var total int64
	err := q.QueryRowContext(ctx, `SELECT COALESCE(SUM(size_bytes), 0) FROM bitstream
		WHERE store_number = ? AND reclaimed_at = 0`, storeNumber).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("store %d usage: %w", storeNumber, err)
	}
	return total, nil
}

// ExpungeBitstream removes a bitstream row together with its checksum
// results, bundle links and handle.
func ExpungeBitstream(ctx context.Context, q Querier, id int64) error {
	stmts := []string{
		`DELETE FROM checksum_history WHERE bitstream_id = ?`,
		`DELETE FROM most_recent_checksum WHERE bitstream_id = ?`,
		`DELETE FROM bundle_bitstream WHERE bitstream_id = ?`,
		fmt.Sprintf(`DELETE FROM handle WHERE resource_type = %d AND resource_id = ?`, ResourceBitstream),
		`DELETE FROM bitstream WHERE bitstream_id = ?`,
	}
	for _, stmt := range stmts {
		if _, err := q.ExecContext(ctx, stmt, id); err != nil {
			return fmt.Errorf("expunge bitstream %d: %w", id, err)
		}
	}
	return nil
}

// prefixed qualifies a comma separated column list with a table alias.
func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
