// Package reindex implements the embedding store (one vector per
// memory/provider/model triple) and the batch reindex job that replaces
// every vector for one provider with vectors from another.
package reindex

import (
	"context"
	"database/sql"
	"time"

	"memsub/internal/adapter/storage"
	"memsub/internal/domain"
)

// Store is the relational embedding store: CRUD over the embeddings
// table, keyed by (memory_id, provider, model).
type Store struct {
	db    *sql.DB
	clock domain.Clock
}

// NewStore constructs a Store over db (already migrated via storage.Open).
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, clock: domain.SystemClock{}}
}

// Put inserts or replaces the vector for (memoryID, provider, model).
func (s *Store) Put(ctx context.Context, memoryID, provider, model string, version int, vector []float32) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO embeddings
		(id, memory_id, provider, model, dimension, version, vector, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(memory_id, provider, model) DO UPDATE SET
			dimension  = excluded.dimension,
			version    = excluded.version,
			vector     = excluded.vector,
			created_at = excluded.created_at`,
		embeddingID(memoryID, provider, model), memoryID, provider, model, len(vector), version,
		storage.Float32ToBytes(vector), s.clock.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return domain.NewDomainError("reindex.Store.Put", domain.ErrStorageWrite, err.Error())
	}
	return nil
}

// Delete removes the vector for (memoryID, provider, model), if any.
func (s *Store) Delete(ctx context.Context, memoryID, provider, model string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM embeddings WHERE memory_id = ? AND provider = ? AND model = ?`,
		memoryID, provider, model); err != nil {
		return domain.NewDomainError("reindex.Store.Delete", domain.ErrStorageWrite, err.Error())
	}
	return nil
}

// Get loads the vector for (memoryID, provider, model). Returns
// domain.ErrNotFound if absent.
func (s *Store) Get(ctx context.Context, memoryID, provider, model string) ([]float32, error) {
	var blob []byte
	row := s.db.QueryRowContext(ctx, `SELECT vector FROM embeddings WHERE memory_id = ? AND provider = ? AND model = ?`,
		memoryID, provider, model)
	if err := row.Scan(&blob); err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.NewDomainError("reindex.Store.Get", domain.ErrNotFound, memoryID)
		}
		return nil, domain.NewDomainError("reindex.Store.Get", domain.ErrStorageRead, err.Error())
	}
	return storage.BytesToFloat32(blob), nil
}

func embeddingID(memoryID, provider, model string) string {
	return memoryID + ":" + provider + ":" + model
}
