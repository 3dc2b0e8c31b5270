package pattern

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"memsub/internal/domain"
)

// Store is the relational pattern store: CRUD over the patterns table.
type Store struct {
	db    *sql.DB
	clock domain.Clock
}

// NewStore constructs a Store over db (already migrated via storage.Open).
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, clock: domain.SystemClock{}}
}

// Upsert inserts or replaces p by ID.
func (s *Store) Upsert(ctx context.Context, p domain.Pattern) error {
	members, err := json.Marshal(p.MemberIDs)
	if err != nil {
		return domain.NewDomainError("pattern.Store.Upsert", domain.ErrStorageWrite, err.Error())
	}
	promoted := 0
	if p.Promoted {
		promoted = 1
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO patterns
		(id, label, member_ids, occurrences, confidence, promoted, first_seen_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			label         = excluded.label,
			member_ids    = excluded.member_ids,
			occurrences   = excluded.occurrences,
			confidence    = excluded.confidence,
			promoted      = excluded.promoted,
			last_seen_at  = excluded.last_seen_at`,
		p.ID, p.Label, string(members), p.Occurrences, p.Confidence, promoted,
		p.FirstSeenAt.UTC().Format(time.RFC3339Nano), p.LastSeenAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return domain.NewDomainError("pattern.Store.Upsert", domain.ErrStorageWrite, err.Error())
	}
	return nil
}

// Delete removes a pattern by ID.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM patterns WHERE id = ?`, id); err != nil {
		return domain.NewDomainError("pattern.Store.Delete", domain.ErrStorageWrite, err.Error())
	}
	return nil
}

// List returns every stored pattern, ordered by last_seen_at descending.
func (s *Store) List(ctx context.Context) ([]domain.Pattern, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, label, member_ids, occurrences, confidence, promoted, first_seen_at, last_seen_at
		FROM patterns ORDER BY last_seen_at DESC`)
	if err != nil {
		return nil, domain.NewDomainError("pattern.Store.List", domain.ErrStorageRead, err.Error())
	}
	defer rows.Close()

	var out []domain.Pattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, domain.NewDomainError("pattern.Store.List", domain.ErrStorageRead, err.Error())
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewDomainError("pattern.Store.List", domain.ErrStorageRead, err.Error())
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPattern(row scanner) (domain.Pattern, error) {
	var p domain.Pattern
	var members string
	var promoted int
	var firstSeen, lastSeen string
	if err := row.Scan(&p.ID, &p.Label, &members, &p.Occurrences, &p.Confidence, &promoted, &firstSeen, &lastSeen); err != nil {
		return domain.Pattern{}, err
	}
	if err := json.Unmarshal([]byte(members), &p.MemberIDs); err != nil {
		return domain.Pattern{}, err
	}
	p.Promoted = promoted != 0
	var err error
	if p.FirstSeenAt, err = time.Parse(time.RFC3339Nano, firstSeen); err != nil {
		return domain.Pattern{}, err
	}
	if p.LastSeenAt, err = time.Parse(time.RFC3339Nano, lastSeen); err != nil {
		return domain.Pattern{}, err
	}
	return p, nil
}
