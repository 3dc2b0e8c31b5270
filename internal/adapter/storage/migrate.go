package storage

import (
	"database/sql"
	"fmt"
)

// migration is one versioned schema step. Steps run in ascending Version
// order inside a single transaction each; a partially-applied step never
// leaves schema_version advanced.
type migration struct {
	Version int
	SQL     string
}

// migrations is the ordered schema history. Append new versions here;
// never edit an already-released version's SQL.
var migrations = []migration{
	{
		Version: 1,
		SQL: `
			CREATE TABLE memories (
				id          TEXT PRIMARY KEY,
				content     TEXT NOT NULL,
				type        TEXT NOT NULL,
				layer       TEXT NOT NULL,
				importance  REAL NOT NULL,
				confidence  REAL NOT NULL,
				tags        TEXT NOT NULL DEFAULT '[]',
				entities    TEXT NOT NULL DEFAULT '[]',
				source_type TEXT NOT NULL,
				conversation_id TEXT NOT NULL DEFAULT '',
				message_id      TEXT NOT NULL DEFAULT '',
				supersedes      TEXT NOT NULL DEFAULT '',
				superseded_by   TEXT NOT NULL DEFAULT '',
				file_path   TEXT NOT NULL,
				checksum    TEXT NOT NULL,
				created_at  TEXT NOT NULL,
				updated_at  TEXT NOT NULL,
				accessed_at TEXT NOT NULL
			);

			CREATE INDEX idx_memories_type ON memories(type);
			CREATE INDEX idx_memories_layer ON memories(layer);
			CREATE INDEX idx_memories_source_type ON memories(source_type);
			CREATE INDEX idx_memories_importance ON memories(importance DESC);
			CREATE INDEX idx_memories_created_at ON memories(created_at DESC);

			CREATE VIRTUAL TABLE memory_fts USING fts5(
				content, tags_flat, content=memories, content_rowid=rowid
			);

			CREATE TRIGGER memory_fts_ai AFTER INSERT ON memories BEGIN
				INSERT INTO memory_fts(rowid, content, tags_flat)
				VALUES (new.rowid, new.content, new.tags);
			END;

			CREATE TRIGGER memory_fts_ad AFTER DELETE ON memories BEGIN
				INSERT INTO memory_fts(memory_fts, rowid, content, tags_flat)
				VALUES ('delete', old.rowid, old.content, old.tags);
			END;

			CREATE TRIGGER memory_fts_au AFTER UPDATE ON memories BEGIN
				INSERT INTO memory_fts(memory_fts, rowid, content, tags_flat)
				VALUES ('delete', old.rowid, old.content, old.tags);
				INSERT INTO memory_fts(rowid, content, tags_flat)
				VALUES (new.rowid, new.content, new.tags);
			END;

			CREATE TABLE embeddings (
				id         TEXT PRIMARY KEY,
				memory_id  TEXT NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
				provider   TEXT NOT NULL,
				model      TEXT NOT NULL,
				dimension  INTEGER NOT NULL,
				version    INTEGER NOT NULL,
				vector     BLOB NOT NULL,
				created_at TEXT NOT NULL,
				UNIQUE(memory_id, provider, model)
			);

			CREATE TABLE provenance_events (
				id                TEXT PRIMARY KEY,
				memory_id         TEXT NOT NULL,
				event_type        TEXT NOT NULL,
				checksum          TEXT NOT NULL DEFAULT '',
				file_name         TEXT NOT NULL DEFAULT '',
				source_message_id TEXT NOT NULL DEFAULT '',
				created_at        TEXT NOT NULL
			);

			CREATE INDEX idx_provenance_memory_id ON provenance_events(memory_id);

			CREATE TABLE candidate_states (
				memory_id    TEXT PRIMARY KEY,
				status       TEXT NOT NULL,
				retry_count  INTEGER NOT NULL DEFAULT 0,
				last_error   TEXT NOT NULL DEFAULT '',
				updated_at   TEXT NOT NULL
			);

			CREATE TABLE patterns (
				id                  TEXT PRIMARY KEY,
				label               TEXT NOT NULL,
				member_ids          TEXT NOT NULL DEFAULT '[]',
				occurrences         INTEGER NOT NULL DEFAULT 0,
				confidence          REAL NOT NULL DEFAULT 0,
				promoted            INTEGER NOT NULL DEFAULT 0,
				first_seen_at       TEXT NOT NULL,
				last_seen_at        TEXT NOT NULL
			);
		`,
	},
}

// Migrate brings db up to the latest schema version, running every
// migration newer than the current schema_version inside its own
// transaction. A fresh database runs every step; a database already at
// the latest version is a no-op.
func Migrate(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	current, err := currentVersion(db)
	if err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", m.Version, err)
		}

		if err := setVersion(tx, m.Version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

func currentVersion(db *sql.DB) (int, error) {
	row := db.QueryRow(`SELECT version FROM schema_version ORDER BY version DESC LIMIT 1`)
	var v int
	if err := row.Scan(&v); err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, err
	}
	return v, nil
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func setVersion(tx execer, version int) error {
	_, err := tx.Exec(`INSERT INTO schema_version (version) VALUES (?)`, version)
	return err
}
