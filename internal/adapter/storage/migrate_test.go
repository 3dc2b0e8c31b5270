package storage

import (
	"path/filepath"
	"testing"
)

func TestOpenCreatesSchema(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "index.db")
	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	tables := []string{"memories", "memory_fts", "embeddings", "provenance_events", "candidate_states", "patterns", "schema_version"}
	for _, name := range tables {
		row := db.QueryRow(`SELECT name FROM sqlite_master WHERE type IN ('table','view') AND name = ?`, name)
		var got string
		if err := row.Scan(&got); err != nil {
			t.Errorf("table %q missing: %v", name, err)
		}
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "index.db")

	db1, err := Open(dbPath)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	db1.Close()

	db2, err := Open(dbPath)
	if err != nil {
		t.Fatalf("second Open (re-open existing db): %v", err)
	}
	defer db2.Close()

	var version int
	row := db2.QueryRow(`SELECT version FROM schema_version ORDER BY version DESC LIMIT 1`)
	if err := row.Scan(&version); err != nil {
		t.Fatalf("read schema_version: %v", err)
	}
	if version != 1 {
		t.Errorf("version = %d, want 1", version)
	}
}

func TestMigrateRequiredIndexesExist(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "index.db")
	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	idx := []string{
		"idx_memories_type",
		"idx_memories_layer",
		"idx_memories_source_type",
		"idx_memories_importance",
		"idx_memories_created_at",
	}
	for _, name := range idx {
		row := db.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'index' AND name = ?`, name)
		var got string
		if err := row.Scan(&got); err != nil {
			t.Errorf("index %q missing: %v", name, err)
		}
	}
}

func TestEmbeddingsUniqueConstraint(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "index.db")
	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	_, err = db.Exec(`INSERT INTO memories (id, content, type, layer, importance, confidence, source_type, file_path, checksum, created_at, updated_at, accessed_at)
		VALUES ('m1', 'hello', 'fact', 'stm', 0.5, 0.5, 'explicit', 'm1.md', 'abc', '2026-01-01T00:00:00Z', '2026-01-01T00:00:00Z', '2026-01-01T00:00:00Z')`)
	if err != nil {
		t.Fatalf("insert memory: %v", err)
	}

	_, err = db.Exec(`INSERT INTO embeddings (id, memory_id, provider, model, dimension, version, vector, created_at)
		VALUES ('e1', 'm1', 'ollama', 'nomic-embed-text', 768, 1, x'00', '2026-01-01T00:00:00Z')`)
	if err != nil {
		t.Fatalf("first insert: %v", err)
	}

	_, err = db.Exec(`INSERT INTO embeddings (id, memory_id, provider, model, dimension, version, vector, created_at)
		VALUES ('e2', 'm1', 'ollama', 'nomic-embed-text', 768, 1, x'00', '2026-01-01T00:00:00Z')`)
	if err == nil {
		t.Fatal("expected unique constraint violation on (memory_id, provider, model)")
	}
}
