package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Migration is one SQLite schema step. Versions are applied in ascending
// order and recorded in schema_version.
type Migration struct {
	Version int
	Up      string
}

// AllMigrations contains all SQLite migrations in order.
var AllMigrations = []Migration{
	{Version: 1, Up: migrationV1},
}

const migrationV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER PRIMARY KEY,
    applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

-- Tracked branches with their freshness state
CREATE TABLE IF NOT EXISTS branches (
    repository TEXT NOT NULL,
    name TEXT NOT NULL,
    is_default BOOLEAN NOT NULL DEFAULT 0,
    tracked BOOLEAN NOT NULL DEFAULT 1,
    last_indexed_at TIMESTAMP,
    last_notification_at TIMESTAMP,
    freshness TEXT NOT NULL,
    PRIMARY KEY (repository, name)
);

CREATE INDEX IF NOT EXISTS idx_branches_freshness ON branches(freshness);

-- Discovered files, recreated on every discovery pass
CREATE TABLE IF NOT EXISTS artifacts (
    repository TEXT NOT NULL,
    branch TEXT NOT NULL,
    path TEXT NOT NULL,
    size_bytes INTEGER NOT NULL DEFAULT 0,
    kind TEXT NOT NULL,
    parse_status TEXT NOT NULL,
    fingerprint TEXT NOT NULL DEFAULT '',
    last_seen_revision TEXT NOT NULL DEFAULT '',
    last_indexed_at TIMESTAMP,
    PRIMARY KEY (repository, branch, path)
);

CREATE INDEX IF NOT EXISTS idx_artifacts_branch ON artifacts(repository, branch);

-- Change notifications, retained after completion for audit
CREATE TABLE IF NOT EXISTS notifications (
    id TEXT PRIMARY KEY,
    repository TEXT NOT NULL,
    branch TEXT NOT NULL,
    source TEXT NOT NULL,
    dedup_key TEXT NOT NULL DEFAULT '',
    commit_sha TEXT NOT NULL DEFAULT '',
    received_at TIMESTAMP NOT NULL,
    processed_at TIMESTAMP,
    status TEXT NOT NULL,
    error TEXT NOT NULL DEFAULT '',
    orphaned BOOLEAN NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_notifications_branch_status ON notifications(repository, branch, status);
CREATE INDEX IF NOT EXISTS idx_notifications_dedup ON notifications(dedup_key, status);
CREATE INDEX IF NOT EXISTS idx_notifications_received ON notifications(received_at);

-- Chunk documents, keyed by the stable chunk ID
CREATE TABLE IF NOT EXISTS chunks (
    id TEXT PRIMARY KEY,
    repository TEXT NOT NULL,
    branch TEXT NOT NULL,
    path TEXT NOT NULL,
    ordinal INTEGER NOT NULL,
    start_line INTEGER NOT NULL,
    end_line INTEGER NOT NULL,
    start_byte INTEGER NOT NULL,
    end_byte INTEGER NOT NULL,
    fingerprint TEXT NOT NULL,
    token_count INTEGER NOT NULL DEFAULT 0,
    text TEXT NOT NULL,
    language TEXT NOT NULL DEFAULT '',
    mode TEXT NOT NULL,
    vector BLOB,
    vector_state TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    UNIQUE (repository, branch, path, ordinal)
);

CREATE INDEX IF NOT EXISTS idx_chunks_artifact ON chunks(repository, branch, path);
CREATE INDEX IF NOT EXISTS idx_chunks_branch ON chunks(repository, branch);

-- Full-text search over chunk text and path
CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
    text, path,
    content='chunks',
    content_rowid='rowid'
);

CREATE TRIGGER IF NOT EXISTS chunks_ai AFTER INSERT ON chunks BEGIN
    INSERT INTO chunks_fts(rowid, text, path)
    VALUES (new.rowid, new.text, new.path);
END;

CREATE TRIGGER IF NOT EXISTS chunks_ad AFTER DELETE ON chunks BEGIN
    INSERT INTO chunks_fts(chunks_fts, rowid, text, path)
    VALUES ('delete', old.rowid, old.text, old.path);
END;

CREATE TRIGGER IF NOT EXISTS chunks_au AFTER UPDATE ON chunks BEGIN
    INSERT INTO chunks_fts(chunks_fts, rowid, text, path)
    VALUES ('delete', old.rowid, old.text, old.path);
    INSERT INTO chunks_fts(rowid, text, path)
    VALUES (new.rowid, new.text, new.path);
END;
`

// ApplyMigrations runs all pending migrations.
func ApplyMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
		    version INTEGER PRIMARY KEY,
		    applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`); err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}

	var current int
	err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current)
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	for _, migration := range AllMigrations {
		if migration.Version <= current {
			continue
		}
		if _, err := db.ExecContext(ctx, migration.Up); err != nil {
			return fmt.Errorf("failed to apply migration %d: %w", migration.Version, err)
		}
		if _, err := db.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", migration.Version); err != nil {
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}
		current = migration.Version
	}
	return nil
}
