package db

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteSchema mirrors the postgres migrations for the embedded backend.
// Timestamps are fixed-width UTC text so they order lexically.
const SQLiteSchema = `
CREATE TABLE IF NOT EXISTS snapshot_records (
    domain             TEXT    NOT NULL,
    entity_key         TEXT    NOT NULL,
    position           INTEGER NOT NULL,
    observed_at        TEXT    NOT NULL,
    status             TEXT    NOT NULL,
    fields             TEXT    NOT NULL,
    last_change_at     TEXT,
    last_change_status TEXT,
    last_change_detail TEXT,
    recently_changed   INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (domain, entity_key)
);

CREATE TABLE IF NOT EXISTS removed_records (
    id                 INTEGER PRIMARY KEY AUTOINCREMENT,
    domain             TEXT    NOT NULL,
    entity_key         TEXT    NOT NULL,
    observed_at        TEXT    NOT NULL,
    status             TEXT    NOT NULL,
    fields             TEXT    NOT NULL,
    last_change_at     TEXT,
    last_change_status TEXT,
    last_change_detail TEXT,
    recently_changed   INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_removed_records_domain ON removed_records(domain, observed_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_removed_records_entity ON removed_records(domain, entity_key, observed_at);

CREATE TABLE IF NOT EXISTS change_events (
    seq            INTEGER PRIMARY KEY AUTOINCREMENT,
    id             TEXT    NOT NULL UNIQUE,
    domain         TEXT    NOT NULL,
    entity_key     TEXT    NOT NULL,
    observed_at    TEXT    NOT NULL,
    status         TEXT    NOT NULL,
    changed_fields TEXT    NOT NULL DEFAULT '{}',
    detail         TEXT    NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_change_events_key ON change_events(domain, entity_key, seq);

CREATE TABLE IF NOT EXISTS latest_changes (
    domain         TEXT    NOT NULL,
    entity_key     TEXT    NOT NULL,
    event_id       TEXT    NOT NULL,
    seq            INTEGER NOT NULL,
    observed_at    TEXT    NOT NULL,
    status         TEXT    NOT NULL,
    changed_fields TEXT    NOT NULL DEFAULT '{}',
    detail         TEXT    NOT NULL DEFAULT '',
    PRIMARY KEY (domain, entity_key)
);

CREATE TABLE IF NOT EXISTS summary_rows (
    domain       TEXT    NOT NULL,
    position     INTEGER NOT NULL,
    group_values TEXT    NOT NULL,
    count        INTEGER NOT NULL,
    avg          REAL,
    max          REAL,
    min          REAL,
    median       REAL,
    PRIMARY KEY (domain, position)
);
`

// OpenSQLite opens the database at path, applies pragmas and the schema.
// A single connection is used so ":memory:" databases are shared.
func OpenSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=10000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if err := ApplySQLiteSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// ApplySQLiteSchema creates the snapshot store tables if missing.
func ApplySQLiteSchema(db *sql.DB) error {
	if _, err := db.Exec(SQLiteSchema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
