package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// MostRecent is the latest verification state of one bitstream.
type MostRecent struct {
	BitstreamID      int64
	ToBeProcessed    bool
	ExpectedChecksum string
	CurrentChecksum  string
	LastProcessStart time.Time
	LastProcessEnd   time.Time
	Algorithm        string
	MatchedPrev      bool
	Result           string
}

// HistoryEntry is one row of the append-only checksum history.
type HistoryEntry struct {
	CheckID            int64
	BitstreamID        int64
	ProcessStart       time.Time
	ProcessEnd         time.Time
	ChecksumExpected   string
	ChecksumCalculated string
	Result             string
}

// SyncMostRecent adds most-recent rows for live bitstreams that have none and
// retires rows of deleted bitstreams, recording deletedResult on them.
// Returns the number of rows added and retired.
func SyncMostRecent(ctx context.Context, q Querier, deletedResult string) (added, retired int64, err error) {
	res, err := q.ExecContext(ctx, `INSERT INTO most_recent_checksum
		(bitstream_id, to_be_processed, expected_checksum, current_checksum,
		 last_process_start, last_process_end, checksum_algorithm, matched_prev_checksum, result)
		SELECT b.bitstream_id, 1, b.checksum, '', 0, 0, b.checksum_algorithm, 0, ''
		FROM bitstream b
		WHERE b.deleted = 0
		  AND NOT EXISTS (SELECT 1 FROM most_recent_checksum m WHERE m.bitstream_id = b.bitstream_id)`)
	if err != nil {
		return 0, 0, fmt.Errorf("add most recent checksums: %w", err)
	}
	if added, err = res.RowsAffected(); err != nil {
		return 0, 0, err
	}

	res, err = q.ExecContext(ctx, `UPDATE most_recent_checksum
		SET to_be_processed = 0, matched_prev_checksum = 1, result = ?
		WHERE to_be_processed = 1
		  AND bitstream_id IN (SELECT bitstream_id FROM bitstream WHERE deleted = 1)`, deletedResult)
	if err != nil {
		return 0, 0, fmt.Errorf("retire deleted checksums: %w", err)
	}
	if retired, err = res.RowsAffected(); err != nil {
		return 0, 0, err
	}
	return added, retired, nil
}

// OldestUnchecked returns the bitstream due for checking with the oldest last
// check. When startedBefore is non-zero only bitstreams last started before it
// qualify, which makes a pass over all bitstreams terminate. Ids in exclude
// are never returned.
func OldestUnchecked(ctx context.Context, q Querier, startedBefore time.Time, exclude ...int64) (int64, bool, error) {
	query := `SELECT bitstream_id FROM most_recent_checksum WHERE to_be_processed = 1`
	var args []any
	if !startedBefore.IsZero() {
		query += ` AND last_process_start < ?`
		args = append(args, nanos(startedBefore))
	}
	if len(exclude) > 0 {
		query += ` AND bitstream_id NOT IN (?` + strings.Repeat(`, ?`, len(exclude)-1) + `)`
		for _, id := range exclude {
			args = append(args, id)
		}
	}
	query += ` ORDER BY last_process_end, bitstream_id LIMIT 1`

	var id int64
	err := q.QueryRowContext(ctx, query, args...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("find oldest bitstream: %w", err)
	}
	return id, true, nil
}

// GetMostRecent returns the most-recent row for a bitstream.
func GetMostRecent(ctx context.Context, q Querier, bitstreamID int64) (*MostRecent, error) {
	var (
		m                      MostRecent
		toBeProcessed, matched int
		lastStart, lastEnd     int64
	)
	err := q.QueryRowContext(ctx, `SELECT bitstream_id, to_be_processed, expected_checksum, current_checksum,
		last_process_start, last_process_end, checksum_algorithm, matched_prev_checksum, result
		FROM most_recent_checksum WHERE bitstream_id = ?`, bitstreamID).Scan(
		&m.BitstreamID, &toBeProcessed, &m.ExpectedChecksum, &m.CurrentChecksum,
		&lastStart, &lastEnd, &m.Algorithm, &matched, &m.Result)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("checksum info for bitstream %d: %w", bitstreamID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get checksum info for bitstream %d: %w", bitstreamID, err)
	}
	m.ToBeProcessed = toBeProcessed != 0
	m.MatchedPrev = matched != 0
	m.LastProcessStart = fromNanos(lastStart)
	m.LastProcessEnd = fromNanos(lastEnd)
	return &m, nil
}

// UpdateMostRecent stores m.
func UpdateMostRecent(ctx context.Context, q Querier, m *MostRecent) error {
	_, err := q.ExecContext(ctx, `UPDATE most_recent_checksum SET
		to_be_processed = ?, expected_checksum = ?, current_checksum = ?,
		last_process_start = ?, last_process_end = ?, checksum_algorithm = ?,
		matched_prev_checksum = ?, result = ?
		WHERE bitstream_id = ?`,
		boolInt(m.ToBeProcessed), m.ExpectedChecksum, m.CurrentChecksum,
		nanos(m.LastProcessStart), nanos(m.LastProcessEnd), m.Algorithm,
		boolInt(m.MatchedPrev), m.Result, m.BitstreamID)
	if err != nil {
		return fmt.Errorf("update checksum info for bitstream %d: %w", m.BitstreamID, err)
	}
	return nil
}

// InsertHistory appends e to the checksum history and sets e.CheckID.
func InsertHistory(ctx context.Context, q Querier, e *HistoryEntry) (int64, error) {
	res, err := q.ExecContext(ctx, `INSERT INTO checksum_history
		(bitstream_id, process_start, process_end, checksum_expected, checksum_calculated, result)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.BitstreamID, nanos(e.ProcessStart), nanos(e.ProcessEnd),
		e.ChecksumExpected, e.ChecksumCalculated, e.Result)
	if err != nil {
		return 0, fmt.Errorf("insert checksum history: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert checksum history: %w", err)
	}
	e.CheckID = id
	return id, nil
}

// ListHistory returns the history of one bitstream, oldest first.
func ListHistory(ctx context.Context, q Querier, bitstreamID int64) ([]*HistoryEntry, error) {
	rows, err := q.QueryContext(ctx, `SELECT check_id, bitstream_id, process_start, process_end,
		checksum_expected, checksum_calculated, result
		FROM checksum_history WHERE bitstream_id = ? ORDER BY check_id`, bitstreamID)
	if err != nil {
		return nil, fmt.Errorf("list checksum history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*HistoryEntry
	for rows.Next() {
		var (
			e          HistoryEntry
			start, end int64
		)
		if err := rows.Scan(&e.CheckID, &e.BitstreamID, &start, &end,
			&e.ChecksumExpected, &e.ChecksumCalculated, &e.Result); err != nil {
			return nil, fmt.Errorf("scan checksum history: %w", err)
		}
		e.ProcessStart = fromNanos(start)
		e.ProcessEnd = fromNanos(end)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// CountHistory returns the number of history rows.
func CountHistory(ctx context.Context, q Querier) (int64, error) {
	var n int64
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM checksum_history`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count checksum history: %w", err)
	}
	return n, nil
}

// DeleteHistoryByResult removes history rows with the given result that
// finished before cutoff.
func DeleteHistoryByResult(ctx context.Context, q Querier, result string, cutoff time.Time) (int64, error) {
	res, err := q.ExecContext(ctx, `DELETE FROM checksum_history WHERE result = ? AND process_end < ?`,
		result, nanos(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune %s history: %w", result, err)
	}
	return res.RowsAffected()
}

// DeleteHistoryExcept removes history rows finished before cutoff whose
// result is not in except.
func DeleteHistoryExcept(ctx context.Context, q Querier, except []string, cutoff time.Time) (int64, error) {
	query := `DELETE FROM checksum_history WHERE process_end < ?`
	args := []any{nanos(cutoff)}
	if len(except) > 0 {
		query += ` AND result NOT IN (?` + strings.Repeat(`, ?`, len(except)-1) + `)`
		for _, r := range except {
			args = append(args, r)
		}
	}
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	return res.RowsAffected()
}
