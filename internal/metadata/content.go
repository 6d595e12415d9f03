package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Bundle names used by the storage and media filter layers.
const (
	BundleOriginal  = "ORIGINAL"
	BundleText      = "TEXT"
	BundleThumbnail = "THUMBNAIL"
)

// Item is a row of the item table.
type Item struct {
	ID           int64
	Name         string
	CollectionID int64
	LastModified time.Time
}

// CreateCommunity inserts a community; parentID 0 means top level.
func CreateCommunity(ctx context.Context, q Querier, name string, parentID int64) (int64, error) {
	var parent any
	if parentID != 0 {
		parent = parentID
	}
	return insertID(ctx, q, "create community",
		`INSERT INTO community (name, parent_id) VALUES (?, ?)`, name, parent)
}

// CreateCollection inserts a collection under a community.
func CreateCollection(ctx context.Context, q Querier, name string, communityID int64) (int64, error) {
	return insertID(ctx, q, "create collection",
		`INSERT INTO collection (name, community_id) VALUES (?, ?)`, name, communityID)
}

// CreateItem inserts an item into a collection.
func CreateItem(ctx context.Context, q Querier, name string, collectionID int64) (int64, error) {
	return insertID(ctx, q, "create item",
		`INSERT INTO item (name, collection_id, last_modified) VALUES (?, ?, ?)`,
		name, collectionID, nanos(time.Now()))
}

func insertID(ctx context.Context, q Querier, what, query string, args ...any) (int64, error) {
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", what, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", what, err)
	}
	return id, nil
}

// GetItem returns an item by id.
func GetItem(ctx context.Context, q Querier, id int64) (*Item, error) {
	var (
		it       Item
		modified int64
	)
	err := q.QueryRowContext(ctx, `SELECT item_id, name, collection_id, last_modified FROM item WHERE item_id = ?`, id).
		Scan(&it.ID, &it.Name, &it.CollectionID, &modified)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("item %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get item %d: %w", id, err)
	}
	it.LastModified = fromNanos(modified)
	return &it, nil
}

// ListItemIDs returns every item id, lowest first.
func ListItemIDs(ctx context.Context, q Querier) ([]int64, error) {
	return queryIDs(ctx, q, `SELECT item_id FROM item ORDER BY item_id`)
}

// TouchItem sets an item's last-modified time.
func TouchItem(ctx context.Context, q Querier, itemID int64, at time.Time) error {
	if _, err := q.ExecContext(ctx, `UPDATE item SET last_modified = ? WHERE item_id = ?`, nanos(at), itemID); err != nil {
		return fmt.Errorf("touch item %d: %w", itemID, err)
	}
	return nil
}

// FindBundle returns the id of an item's bundle with the given name.
func FindBundle(ctx context.Context, q Querier, itemID int64, name string) (int64, bool, error) {
	var id int64
	err := q.QueryRowContext(ctx, `SELECT bundle_id FROM bundle WHERE item_id = ? AND name = ?`, itemID, name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("find bundle %s of item %d: %w", name, itemID, err)
	}
	return id, true, nil
}

// EnsureBundle returns an item's bundle with the given name, creating it if needed.
func EnsureBundle(ctx context.Context, q Querier, itemID int64, name string) (int64, error) {
	id, ok, err := FindBundle(ctx, q, itemID, name)
	if err != nil || ok {
		return id, err
	}
	return insertID(ctx, q, "create bundle",
		`INSERT INTO bundle (item_id, name) VALUES (?, ?)`, itemID, name)
}

// LinkBitstream adds a bitstream to a bundle.
func LinkBitstream(ctx context.Context, q Querier, bundleID, bitstreamID int64) error {
	_, err := q.ExecContext(ctx, `INSERT OR IGNORE INTO bundle_bitstream (bundle_id, bitstream_id) VALUES (?, ?)`,
		bundleID, bitstreamID)
	if err != nil {
		return fmt.Errorf("link bitstream %d to bundle %d: %w", bitstreamID, bundleID, err)
	}
	return nil
}

// UnlinkBitstream removes a bitstream from every bundle containing it.
func UnlinkBitstream(ctx context.Context, q Querier, bitstreamID int64) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM bundle_bitstream WHERE bitstream_id = ?`, bitstreamID); err != nil {
		return fmt.Errorf("unlink bitstream %d: %w", bitstreamID, err)
	}
	return nil
}

// IsLinked reports whether any bundle still contains the bitstream.
func IsLinked(ctx context.Context, q Querier, bitstreamID int64) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM bundle_bitstream WHERE bitstream_id = ?`, bitstreamID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check links of bitstream %d: %w", bitstreamID, err)
	}
	return n > 0, nil
}

// BundleBitstreams returns the live bitstreams of a bundle, lowest id first.
func BundleBitstreams(ctx context.Context, q Querier, bundleID int64) ([]*Bitstream, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+prefixed("b", bitstreamColumns)+`
		FROM bitstream b JOIN bundle_bitstream bb ON bb.bitstream_id = b.bitstream_id
		WHERE bb.bundle_id = ? AND b.deleted = 0 ORDER BY b.bitstream_id`, bundleID)
	if err != nil {
		return nil, fmt.Errorf("list bundle %d: %w", bundleID, err)
	}
	return collectBitstreams(rows)
}

// FindBundleBitstream returns the live bitstream with the given name in a bundle.
func FindBundleBitstream(ctx context.Context, q Querier, bundleID int64, name string) (*Bitstream, error) {
	row := q.QueryRowContext(ctx, `SELECT `+prefixed("b", bitstreamColumns)+`
		FROM bitstream b JOIN bundle_bitstream bb ON bb.bitstream_id = b.bitstream_id
		WHERE bb.bundle_id = ? AND b.name = ? AND b.deleted = 0
		ORDER BY b.bitstream_id LIMIT 1`, bundleID, name)
	b, err := scanBitstream(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("bitstream %q in bundle %d: %w", name, bundleID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find bitstream %q in bundle %d: %w", name, bundleID, err)
	}
	return b, nil
}

func queryIDs(ctx context.Context, q Querier, query string, args ...any) ([]int64, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
