// Package consolidation implements the select -> distill -> merge -> write
// pipeline that promotes short-term memories into durable long-term
// records, and the candidate-state side table that tracks each STM
// record's progress through that pipeline.
package consolidation

import (
	"context"
	"database/sql"
	"time"

	"memsub/internal/domain"
)

// StateStore is the relational side table for domain.CandidateState, keyed
// by memory_id. A memory with no row is implicitly domain.CandidatePending.
type StateStore struct {
	db    *sql.DB
	clock domain.Clock
}

// NewStateStore constructs a StateStore over db (already migrated).
func NewStateStore(db *sql.DB) *StateStore {
	return &StateStore{db: db, clock: domain.SystemClock{}}
}

// Get loads the candidate state for memoryID, defaulting to
// domain.CandidatePending with zero retries if no row exists yet.
func (s *StateStore) Get(ctx context.Context, memoryID string) (domain.CandidateState, error) {
	row := s.db.QueryRowContext(ctx, `SELECT status, retry_count, last_error FROM candidate_states WHERE memory_id = ?`, memoryID)
	var st domain.CandidateState
	st.MemoryID = memoryID
	var status string
	if err := row.Scan(&status, &st.RetryCount, &st.LastError); err != nil {
		if err == sql.ErrNoRows {
			st.Status = domain.CandidatePending
			return st, nil
		}
		return st, domain.NewDomainError("consolidation.StateStore.Get", domain.ErrStorageRead, err.Error())
	}
	st.Status = domain.CandidateStatus(status)
	return st, nil
}

// Upsert writes st, replacing any existing row for st.MemoryID.
func (s *StateStore) Upsert(ctx context.Context, st domain.CandidateState) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO candidate_states
		(memory_id, status, retry_count, last_error, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(memory_id) DO UPDATE SET
			status = excluded.status,
			retry_count = excluded.retry_count,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`,
		st.MemoryID, string(st.Status), st.RetryCount, st.LastError,
		s.clock.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return domain.NewDomainError("consolidation.StateStore.Upsert", domain.ErrStorageWrite, err.Error())
	}
	return nil
}

// SelectCandidates returns up to limit STM memory ids older than
// olderThan whose candidate state is pending or absent, and whose retry
// count is below maxRetries, oldest first.
func (s *StateStore) SelectCandidates(ctx context.Context, olderThan time.Time, maxRetries, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id FROM memories m
		LEFT JOIN candidate_states cs ON cs.memory_id = m.id
		WHERE m.layer = 'stm'
		  AND m.created_at <= ?
		  AND (cs.status IS NULL OR cs.status = 'pending')
		  AND (cs.retry_count IS NULL OR cs.retry_count < ?)
		ORDER BY m.created_at ASC
		LIMIT ?`,
		olderThan.UTC().Format(time.RFC3339Nano), maxRetries, limit)
	if err != nil {
		return nil, domain.NewDomainError("consolidation.StateStore.SelectCandidates", domain.ErrStorageRead, err.Error())
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, domain.NewDomainError("consolidation.StateStore.SelectCandidates", domain.ErrStorageRead, err.Error())
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
