package metadata

import (
	"context"
	"fmt"
	"time"
)

// QueueIndex marks an item as needing re-indexing by the search indexer.
func QueueIndex(ctx context.Context, q Querier, itemID int64, at time.Time) error {
	_, err := q.ExecContext(ctx, `INSERT INTO index_queue (item_id, queued_at) VALUES (?, ?)
		ON CONFLICT(item_id) DO UPDATE SET queued_at = excluded.queued_at`, itemID, nanos(at))
	if err != nil {
		return fmt.Errorf("queue item %d for indexing: %w", itemID, err)
	}
	return nil
}

// PendingIndex returns the queued item ids, oldest request first.
func PendingIndex(ctx context.Context, q Querier) ([]int64, error) {
	ids, err := queryIDs(ctx, q, `SELECT item_id FROM index_queue ORDER BY queued_at, item_id`)
	if err != nil {
		return nil, fmt.Errorf("list index queue: %w", err)
	}
	return ids, nil
}

// DequeueIndex removes items from the index queue once indexed.
func DequeueIndex(ctx context.Context, q Querier, itemIDs ...int64) error {
	for _, id := range itemIDs {
		if _, err := q.ExecContext(ctx, `DELETE FROM index_queue WHERE item_id = ?`, id); err != nil {
			return fmt.Errorf("dequeue item %d: %w", id, err)
		}
	}
	return nil
}
