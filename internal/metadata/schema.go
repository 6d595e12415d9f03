package metadata

import (
	"context"
	"database/sql"
	"fmt"
)

// schemaVersion is stored in PRAGMA user_version.
const schemaVersion = 2

// upgrades[v] brings a version v database to version v+1 before schema runs.
var upgrades = map[int][]string{
	1: {`ALTER TABLE bitstream ADD COLUMN reclaimed_at INTEGER NOT NULL DEFAULT 0`},
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS bitstream (
		bitstream_id INTEGER PRIMARY KEY AUTOINCREMENT,
		internal_id TEXT NOT NULL,
		store_number INTEGER NOT NULL DEFAULT 0,
		name TEXT NOT NULL DEFAULT '',
		format TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		size_bytes INTEGER NOT NULL DEFAULT 0,
		checksum TEXT NOT NULL DEFAULT '',
		checksum_algorithm TEXT NOT NULL DEFAULT 'MD5',
		encoding TEXT NOT NULL DEFAULT 'identity',
		deleted INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL DEFAULT 0,
		deleted_at INTEGER NOT NULL DEFAULT 0,
		reclaimed_at INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_bitstream_internal_id ON bitstream(internal_id)`,
	`CREATE INDEX IF NOT EXISTS idx_bitstream_deleted ON bitstream(deleted, deleted_at)`,

	`CREATE TABLE IF NOT EXISTS most_recent_checksum (
		bitstream_id INTEGER PRIMARY KEY REFERENCES bitstream(bitstream_id),
		to_be_processed INTEGER NOT NULL DEFAULT 1,
		expected_checksum TEXT NOT NULL DEFAULT '',
		current_checksum TEXT NOT NULL DEFAULT '',
		last_process_start INTEGER NOT NULL DEFAULT 0,
		last_process_end INTEGER NOT NULL DEFAULT 0,
		checksum_algorithm TEXT NOT NULL DEFAULT '',
		matched_prev_checksum INTEGER NOT NULL DEFAULT 0,
		result TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_mrc_oldest ON most_recent_checksum(to_be_processed, last_process_end)`,

	`CREATE TABLE IF NOT EXISTS checksum_history (
		check_id INTEGER PRIMARY KEY AUTOINCREMENT,
		bitstream_id INTEGER NOT NULL,
		process_start INTEGER NOT NULL,
		process_end INTEGER NOT NULL,
		checksum_expected TEXT NOT NULL DEFAULT '',
		checksum_calculated TEXT NOT NULL DEFAULT '',
		result TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_history_bitstream ON checksum_history(bitstream_id)`,
	`CREATE INDEX IF NOT EXISTS idx_history_result_end ON checksum_history(result, process_end)`,

	`CREATE TABLE IF NOT EXISTS community (
		community_id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		parent_id INTEGER REFERENCES community(community_id)
	)`,
	`CREATE TABLE IF NOT EXISTS collection (
		collection_id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		community_id INTEGER NOT NULL REFERENCES community(community_id)
	)`,
	`CREATE TABLE IF NOT EXISTS item (
		item_id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		collection_id INTEGER NOT NULL REFERENCES collection(collection_id),
		last_modified INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS bundle (
		bundle_id INTEGER PRIMARY KEY AUTOINCREMENT,
		item_id INTEGER NOT NULL REFERENCES item(item_id),
		name TEXT NOT NULL,
		UNIQUE(item_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS bundle_bitstream (
		bundle_id INTEGER NOT NULL REFERENCES bundle(bundle_id),
		bitstream_id INTEGER NOT NULL REFERENCES bitstream(bitstream_id),
		PRIMARY KEY (bundle_id, bitstream_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_bundle_bitstream_bitstream ON bundle_bitstream(bitstream_id)`,

	`CREATE TABLE IF NOT EXISTS handle_seq (
		suffix INTEGER PRIMARY KEY AUTOINCREMENT
	)`,
	`CREATE TABLE IF NOT EXISTS handle (
		handle TEXT PRIMARY KEY,
		resource_type INTEGER NOT NULL,
		resource_id INTEGER NOT NULL,
		UNIQUE(resource_type, resource_id)
	)`,

	`CREATE TABLE IF NOT EXISTS index_queue (
		item_id INTEGER PRIMARY KEY REFERENCES item(item_id),
		queued_at INTEGER NOT NULL
	)`,
}

func (db *DB) migrate(ctx context.Context) error {
	var version int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version > schemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", version, schemaVersion)
	}

	return db.InTx(ctx, func(tx *sql.Tx) error {
		for v := version; v > 0 && v < schemaVersion; v++ {
			for _, stmt := range upgrades[v] {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("upgrade schema from version %d: %w", v, err)
				}
			}
		}
		for _, stmt := range schema {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("apply schema: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d`, schemaVersion)); err != nil {
			return fmt.Errorf("set schema version: %w", err)
		}
		return nil
	})
}

// SchemaVersion returns the schema version recorded in the database.
func (db *DB) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	err := db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&version)
	return version, err
}
