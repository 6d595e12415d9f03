package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ResourceType identifies what a handle points at.
type ResourceType int

// Resource types, numbered as in the handle table.
const (
	ResourceBitstream  ResourceType = 0
	ResourceBundle     ResourceType = 1
	ResourceItem       ResourceType = 2
	ResourceCollection ResourceType = 3
	ResourceCommunity  ResourceType = 4
)

func (t ResourceType) String() string {
	switch t {
	case ResourceBitstream:
		return "bitstream"
	case ResourceBundle:
		return "bundle"
	case ResourceItem:
		return "item"
	case ResourceCollection:
		return "collection"
	case ResourceCommunity:
		return "community"
	default:
		return "unknown(" + strconv.Itoa(int(t)) + ")"
	}
}

// MintHandle assigns a new handle "prefix/suffix" to a resource.
func MintHandle(ctx context.Context, q Querier, prefix string, t ResourceType, resourceID int64) (string, error) {
	suffix, err := insertID(ctx, q, "mint handle", `INSERT INTO handle_seq DEFAULT VALUES`)
	if err != nil {
		return "", err
	}
	handle := prefix + "/" + strconv.FormatInt(suffix, 10)
	if _, err := q.ExecContext(ctx, `INSERT INTO handle (handle, resource_type, resource_id) VALUES (?, ?, ?)`,
		handle, int(t), resourceID); err != nil {
		return "", fmt.Errorf("mint handle: %w", err)
	}
	return handle, nil
}

// HandleOf returns the handle of a resource.
func HandleOf(ctx context.Context, q Querier, t ResourceType, resourceID int64) (string, error) {
	var handle string
	err := q.QueryRowContext(ctx, `SELECT handle FROM handle WHERE resource_type = ? AND resource_id = ?`,
		int(t), resourceID).Scan(&handle)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("handle of %s %d: %w", t, resourceID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("handle of %s %d: %w", t, resourceID, err)
	}
	return handle, nil
}

// ResolveHandle returns the resource a handle points at. A leading "hdl:"
// or "http(s)://hdl.handle.net/" is accepted and ignored.
func ResolveHandle(ctx context.Context, q Querier, handle string) (ResourceType, int64, error) {
	handle = NormalizeHandle(handle)
	var (
		t  int
		id int64
	)
	err := q.QueryRowContext(ctx, `SELECT resource_type, resource_id FROM handle WHERE handle = ?`, handle).Scan(&t, &id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, fmt.Errorf("handle %q: %w", handle, ErrNotFound)
	}
	if err != nil {
		return 0, 0, fmt.Errorf("resolve handle %q: %w", handle, err)
	}
	return ResourceType(t), id, nil
}

// NormalizeHandle strips resolver prefixes from a handle.
func NormalizeHandle(handle string) string {
	handle = strings.TrimSpace(handle)
	for _, prefix := range []string{"hdl:", "https://hdl.handle.net/", "http://hdl.handle.net/"} {
		if strings.HasPrefix(strings.ToLower(handle), prefix) {
			return handle[len(prefix):]
		}
	}
	return handle
}

// communityTree selects a community and all of its sub-communities.
const communityTree = `WITH RECURSIVE tree(community_id) AS (
		SELECT ?
		UNION
		SELECT c.community_id FROM community c JOIN tree t ON c.parent_id = t.community_id
	)`

// ItemIDsUnder returns the items contained in a resource, lowest id first.
// Bitstreams and bundles yield the item that owns them.
func ItemIDsUnder(ctx context.Context, q Querier, t ResourceType, id int64) ([]int64, error) {
	var (
		ids []int64
		err error
	)
	switch t {
	case ResourceItem:
		ids, err = queryIDs(ctx, q, `SELECT item_id FROM item WHERE item_id = ?`, id)
	case ResourceCollection:
		ids, err = queryIDs(ctx, q, `SELECT item_id FROM item WHERE collection_id = ? ORDER BY item_id`, id)
	case ResourceCommunity:
		ids, err = queryIDs(ctx, q, communityTree+`
			SELECT i.item_id FROM item i
			JOIN collection col ON col.collection_id = i.collection_id
			WHERE col.community_id IN (SELECT community_id FROM tree)
			ORDER BY i.item_id`, id)
	case ResourceBundle:
		ids, err = queryIDs(ctx, q, `SELECT item_id FROM bundle WHERE bundle_id = ?`, id)
	case ResourceBitstream:
		ids, err = queryIDs(ctx, q, `SELECT DISTINCT bu.item_id FROM bundle bu
			JOIN bundle_bitstream bb ON bb.bundle_id = bu.bundle_id
			WHERE bb.bitstream_id = ? ORDER BY bu.item_id`, id)
	default:
		return nil, fmt.Errorf("unsupported resource type %s", t)
	}
	if err != nil {
		return nil, fmt.Errorf("list items under %s %d: %w", t, id, err)
	}
	return ids, nil
}

// BitstreamIDsUnder returns every bitstream contained in a resource, lowest
// id first. Deleted bitstreams that are still linked are included.
func BitstreamIDsUnder(ctx context.Context, q Querier, t ResourceType, id int64) ([]int64, error) {
	const fromBundles = `SELECT DISTINCT bb.bitstream_id FROM bundle_bitstream bb
		JOIN bundle bu ON bu.bundle_id = bb.bundle_id
		JOIN item i ON i.item_id = bu.item_id`
	var (
		ids []int64
		err error
	)
	switch t {
	case ResourceBitstream:
		ids, err = queryIDs(ctx, q, `SELECT bitstream_id FROM bitstream WHERE bitstream_id = ?`, id)
	case ResourceBundle:
		ids, err = queryIDs(ctx, q, `SELECT bitstream_id FROM bundle_bitstream WHERE bundle_id = ? ORDER BY bitstream_id`, id)
	case ResourceItem:
		ids, err = queryIDs(ctx, q, fromBundles+` WHERE i.item_id = ? ORDER BY bb.bitstream_id`, id)
	case ResourceCollection:
		ids, err = queryIDs(ctx, q, fromBundles+` WHERE i.collection_id = ? ORDER BY bb.bitstream_id`, id)
	case ResourceCommunity:
		ids, err = queryIDs(ctx, q, communityTree+` `+fromBundles+`
			JOIN collection col ON col.collection_id = i.collection_id
			WHERE col.community_id IN (SELECT community_id FROM tree)
			ORDER BY bb.bitstream_id`, id)
	default:
		return nil, fmt.Errorf("unsupported resource type %s", t)
	}
	if err != nil {
		return nil, fmt.Errorf("list bitstreams under %s %d: %w", t, id, err)
	}
	return ids, nil
}
