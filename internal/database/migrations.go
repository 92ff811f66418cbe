// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package database

// migrations are applied in order; never edit a released entry, append a new one.
var migrations = []string{
	`CREATE TABLE string_pool (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		value TEXT NOT NULL UNIQUE
	);

	CREATE TABLE records (
		infohash TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		size_bytes INTEGER NOT NULL DEFAULT 0,
		added_at TIMESTAMP,
		magnet TEXT NOT NULL DEFAULT '',
		tracker_id TEXT,
		source_dir_id INTEGER REFERENCES string_pool(id),
		source_path TEXT NOT NULL DEFAULT '',
		fingerprint TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'never_seeded',
		client_name TEXT,
		client_hash TEXT,
		applied_category TEXT,
		applied_ratio_limit REAL,
		applied_seed_time_limit INTEGER,
		dispatch_state TEXT NOT NULL DEFAULT '',
		dispatch_reason TEXT NOT NULL DEFAULT '',
		last_scan_at TIMESTAMP,
		last_seen_active_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX idx_records_tracker ON records(tracker_id);
	CREATE INDEX idx_records_client ON records(client_name);
	CREATE INDEX idx_records_status ON records(status);

	CREATE TABLE tracker_aliases (
		host TEXT PRIMARY KEY,
		identity TEXT NOT NULL,
		source TEXT NOT NULL CHECK (source IN ('config', 'resolved')),
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX idx_tracker_aliases_identity ON tracker_aliases(identity);

	CREATE TABLE tracker_rules (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tracker_id TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		ratio_limit REAL,
		seed_time_limit_minutes INTEGER,
		priority INTEGER NOT NULL DEFAULT 0,
		auto_send INTEGER,
		client TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX idx_tracker_rules_tracker ON tracker_rules(tracker_id);

	CREATE TABLE health (
		scope TEXT NOT NULL CHECK (scope IN ('tracker', 'client')),
		key TEXT NOT NULL,
		last_error TEXT NOT NULL DEFAULT '',
		error_kind TEXT NOT NULL DEFAULT '',
		last_error_at TIMESTAMP,
		last_success_at TIMESTAMP,
		PRIMARY KEY (scope, key)
	);`,
}
