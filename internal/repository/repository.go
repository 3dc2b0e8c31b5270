// Package repository implements the dual-write memory repository: every
// write lands in the relational index (SQLite) and a paired Markdown file
// on disk in the same transaction/operation, with the file write made
// crash-safe via atomic rename.
package repository

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	natomic "github.com/natefinch/atomic"
	"github.com/oklog/ulid/v2"

	"memsub/internal/codec"
	"memsub/internal/domain"
)

// Repository is the dual-write store for MemoryRecord.
type Repository struct {
	db    *sql.DB
	codec *codec.Codec
	dir   string
	clock domain.Clock
}

// Option configures a Repository.
type Option func(*Repository)

// WithClock overrides the repository's time source, for deterministic tests.
func WithClock(c domain.Clock) Option {
	return func(r *Repository) { r.clock = c }
}

// WithCodec overrides the default codec (e.g. to enable at-rest encryption).
func WithCodec(c *codec.Codec) Option {
	return func(r *Repository) { r.codec = c }
}

// New creates a Repository rooted at dir for Markdown files, backed by db
// for the relational index. dir is created if absent.
func New(db *sql.DB, dir string, opts ...Option) (*Repository, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, domain.NewDomainError("repository.New", domain.ErrRepositoryIO, err.Error())
	}

	r := &Repository{
		db:    db,
		codec: codec.New(),
		dir:   dir,
		clock: domain.SystemClock{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Create validates, assigns an ID and timestamps if absent, then writes the
// record to both the relational index and a Markdown file. The sequence is:
// BEGIN -> insert memories row -> insert provenance event -> atomic file
// write -> COMMIT. The transaction is opened with BeginTx's default
// (deferred) mode, not BEGIN IMMEDIATE. If the file write fails, the
// transaction rolls back and nothing is written; if COMMIT fails after the
// file write, the file is removed best-effort. A crash between the file
// write and COMMIT leaves a file with no index row, which Reconcile reports
// as orphaned.
func (r *Repository) Create(ctx context.Context, rec domain.MemoryRecord) (domain.MemoryRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	now := r.clock.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	rec.AccessedAt = now

	if err := rec.Validate(); err != nil {
		return domain.MemoryRecord{}, err
	}

	serialized, err := r.codec.Serialize(rec)
	if err != nil {
		return domain.MemoryRecord{}, err
	}
	fileName := codec.BuildFileName(rec)
	filePath := filepath.Join(r.dir, fileName)
	checksum := codec.Checksum(serialized)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.MemoryRecord{}, domain.NewDomainError("Repository.Create", domain.ErrRepositoryDB, err.Error())
	}
	defer tx.Rollback() //nolint:errcheck

	if err := insertMemory(ctx, tx, rec, fileName, checksum); err != nil {
		return domain.MemoryRecord{}, err
	}

	event := domain.ProvenanceEvent{
		ID:              ulid.Make().String(),
		MemoryID:        rec.ID,
		EventType:       domain.EventCreated,
		Checksum:        checksum,
		FileName:        fileName,
		SourceMessageID: rec.Source.MessageID,
		CreatedAt:       now,
	}
	if err := insertProvenanceEvent(ctx, tx, event); err != nil {
		return domain.MemoryRecord{}, err
	}

	if err := natomic.WriteFile(filePath, bytes.NewReader([]byte(serialized))); err != nil {
		return domain.MemoryRecord{}, domain.NewDomainError("Repository.Create", domain.ErrRepositoryIO, err.Error())
	}

	if err := tx.Commit(); err != nil {
		os.Remove(filePath) //nolint:errcheck
		return domain.MemoryRecord{}, domain.NewDomainError("Repository.Create", domain.ErrRepositoryDB, err.Error())
	}

	return rec, nil
}

// Update rewrites an existing record. It follows the same
// index-then-file-then-commit sequence as Create.
func (r *Repository) Update(ctx context.Context, rec domain.MemoryRecord) (domain.MemoryRecord, error) {
	rec.UpdatedAt = r.clock.Now().UTC()

	if err := rec.Validate(); err != nil {
		return domain.MemoryRecord{}, err
	}

	old, oldFileName, err := r.findByID(ctx, rec.ID)
	if err != nil {
		return domain.MemoryRecord{}, err
	}
	rec.CreatedAt = old.CreatedAt
	if rec.AccessedAt.IsZero() {
		rec.AccessedAt = old.AccessedAt
	}

	serialized, err := r.codec.Serialize(rec)
	if err != nil {
		return domain.MemoryRecord{}, err
	}
	fileName := codec.BuildFileName(rec)
	filePath := filepath.Join(r.dir, fileName)
	checksum := codec.Checksum(serialized)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.MemoryRecord{}, domain.NewDomainError("Repository.Update", domain.ErrRepositoryDB, err.Error())
	}
	defer tx.Rollback() //nolint:errcheck

	if err := updateMemory(ctx, tx, rec, fileName, checksum); err != nil {
		return domain.MemoryRecord{}, err
	}

	event := domain.ProvenanceEvent{
		ID:        ulid.Make().String(),
		MemoryID:  rec.ID,
		EventType: domain.EventUpdated,
		Checksum:  checksum,
		FileName:  fileName,
		CreatedAt: rec.UpdatedAt,
	}
	if err := insertProvenanceEvent(ctx, tx, event); err != nil {
		return domain.MemoryRecord{}, err
	}

	if err := natomic.WriteFile(filePath, bytes.NewReader([]byte(serialized))); err != nil {
		return domain.MemoryRecord{}, domain.NewDomainError("Repository.Update", domain.ErrRepositoryIO, err.Error())
	}

	if err := tx.Commit(); err != nil {
		return domain.MemoryRecord{}, domain.NewDomainError("Repository.Update", domain.ErrRepositoryDB, err.Error())
	}

	// The old file is only removed after the new one is durably committed
	// and renamed in, so a crash mid-update never leaves zero files for id.
	if oldFileName != "" && oldFileName != fileName {
		os.Remove(filepath.Join(r.dir, oldFileName)) //nolint:errcheck
	}

	return rec, nil
}

// Delete removes a record from the index first, then unlinks its file. A
// missing file at unlink time is tolerated (already reconciled away).
func (r *Repository) Delete(ctx context.Context, id string) error {
	_, fileName, err := r.findByID(ctx, id)
	if err != nil {
		return err
	}

	if _, err := r.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id); err != nil {
		return domain.NewDomainError("Repository.Delete", domain.ErrRepositoryDB, err.Error())
	}

	filePath := filepath.Join(r.dir, fileName)
	if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
		return domain.NewDomainError("Repository.Delete", domain.ErrRepositoryIO, err.Error())
	}

	return nil
}

// Get retrieves a record by ID.
func (r *Repository) Get(ctx context.Context, id string) (domain.MemoryRecord, error) {
	rec, _, err := r.findByID(ctx, id)
	return rec, err
}

// List returns records matching filters, newest first.
func (r *Repository) List(ctx context.Context, filters domain.ListFilters) ([]domain.MemoryRecord, error) {
	query := `SELECT id, content, type, layer, importance, confidence, tags, entities,
		source_type, conversation_id, message_id, supersedes, superseded_by,
		created_at, updated_at, accessed_at FROM memories WHERE 1=1`
	var args []any

	if filters.Type != "" {
		query += " AND type = ?"
		args = append(args, string(filters.Type))
	}
	if filters.Layer != "" {
		query += " AND layer = ?"
		args = append(args, string(filters.Layer))
	}
	if filters.Source != "" {
		query += " AND source_type = ?"
		args = append(args, string(filters.Source))
	}

	query += " ORDER BY created_at DESC"

	limit := filters.Limit
	if limit <= 0 {
		limit = 50
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, filters.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.NewDomainError("Repository.List", domain.ErrRepositoryDB, err.Error())
	}
	defer rows.Close()

	var out []domain.MemoryRecord
	for rows.Next() {
		rec, _, err := scanMemoryRow(rows)
		if err != nil {
			return nil, domain.NewDomainError("Repository.List", domain.ErrRepositoryDB, err.Error())
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewDomainError("Repository.List", domain.ErrRepositoryDB, err.Error())
	}
	return out, nil
}

func (r *Repository) findByID(ctx context.Context, id string) (domain.MemoryRecord, string, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id, content, type, layer, importance, confidence, tags, entities,
		source_type, conversation_id, message_id, supersedes, superseded_by,
		created_at, updated_at, accessed_at, file_path FROM memories WHERE id = ?`, id)

	rec, fileName, err := scanMemoryRowWithFile(row)
	if err == sql.ErrNoRows {
		return domain.MemoryRecord{}, "", domain.NewDomainError("Repository.findByID", domain.ErrNotFound, id)
	}
	if err != nil {
		return domain.MemoryRecord{}, "", domain.NewDomainError("Repository.findByID", domain.ErrRepositoryDB, err.Error())
	}
	return rec, fileName, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMemoryRow(s scanner) (domain.MemoryRecord, string, error) {
	var (
		rec                                domain.MemoryRecord
		typ, layer, sourceType             string
		tagsJSON, entitiesJSON             string
		createdAt, updatedAt, accessedAt   string
		conversationID, messageID          string
		supersedes, supersededBy           string
	)
	if err := s.Scan(&rec.ID, &rec.Content, &typ, &layer, &rec.Importance, &rec.Confidence,
		&tagsJSON, &entitiesJSON, &sourceType, &conversationID, &messageID,
		&supersedes, &supersededBy, &createdAt, &updatedAt, &accessedAt); err != nil {
		return rec, "", err
	}
	fillMemoryRecord(&rec, typ, layer, sourceType, tagsJSON, entitiesJSON, conversationID, messageID,
		supersedes, supersededBy, createdAt, updatedAt, accessedAt)
	return rec, "", nil
}

func scanMemoryRowWithFile(s scanner) (domain.MemoryRecord, string, error) {
	var (
		rec                                domain.MemoryRecord
		typ, layer, sourceType             string
		tagsJSON, entitiesJSON             string
		createdAt, updatedAt, accessedAt   string
		conversationID, messageID          string
		supersedes, supersededBy, fileName string
	)
	if err := s.Scan(&rec.ID, &rec.Content, &typ, &layer, &rec.Importance, &rec.Confidence,
		&tagsJSON, &entitiesJSON, &sourceType, &conversationID, &messageID,
		&supersedes, &supersededBy, &createdAt, &updatedAt, &accessedAt, &fileName); err != nil {
		return rec, "", err
	}
	fillMemoryRecord(&rec, typ, layer, sourceType, tagsJSON, entitiesJSON, conversationID, messageID,
		supersedes, supersededBy, createdAt, updatedAt, accessedAt)
	return rec, fileName, nil
}

func fillMemoryRecord(rec *domain.MemoryRecord, typ, layer, sourceType, tagsJSON, entitiesJSON,
	conversationID, messageID, supersedes, supersededBy, createdAt, updatedAt, accessedAt string) {
	rec.Type = domain.MemoryType(typ)
	rec.Layer = domain.MemoryLayer(layer)
	rec.Source = domain.Provenance{
		SourceType:     domain.SourceType(sourceType),
		ConversationID: conversationID,
		MessageID:      messageID,
	}
	rec.Supersedes = supersedes
	rec.SupersededBy = supersededBy
	json.Unmarshal([]byte(tagsJSON), &rec.Tags)       //nolint:errcheck
	json.Unmarshal([]byte(entitiesJSON), &rec.Entities) //nolint:errcheck
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	rec.AccessedAt, _ = time.Parse(time.RFC3339Nano, accessedAt)
}

type execContexter interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertMemory(ctx context.Context, tx execContexter, rec domain.MemoryRecord, fileName, checksum string) error {
	tags, _ := json.Marshal(rec.Tags)
	entities, _ := json.Marshal(rec.Entities)

	_, err := tx.ExecContext(ctx, `INSERT INTO memories
		(id, content, type, layer, importance, confidence, tags, entities,
		 source_type, conversation_id, message_id, supersedes, superseded_by,
		 file_path, checksum, created_at, updated_at, accessed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Content, string(rec.Type), string(rec.Layer), rec.Importance, rec.Confidence,
		string(tags), string(entities), string(rec.Source.SourceType), rec.Source.ConversationID, rec.Source.MessageID,
		rec.Supersedes, rec.SupersededBy, fileName, checksum,
		rec.CreatedAt.Format(time.RFC3339Nano), rec.UpdatedAt.Format(time.RFC3339Nano), rec.AccessedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return domain.NewDomainError("Repository.Create", domain.ErrRepositoryDB, err.Error())
	}
	return nil
}

func updateMemory(ctx context.Context, tx execContexter, rec domain.MemoryRecord, fileName, checksum string) error {
	tags, _ := json.Marshal(rec.Tags)
	entities, _ := json.Marshal(rec.Entities)

	result, err := tx.ExecContext(ctx, `UPDATE memories SET
		content = ?, type = ?, layer = ?, importance = ?, confidence = ?, tags = ?, entities = ?,
		source_type = ?, conversation_id = ?, message_id = ?, supersedes = ?, superseded_by = ?,
		file_path = ?, checksum = ?, updated_at = ?, accessed_at = ?
		WHERE id = ?`,
		rec.Content, string(rec.Type), string(rec.Layer), rec.Importance, rec.Confidence,
		string(tags), string(entities), string(rec.Source.SourceType), rec.Source.ConversationID, rec.Source.MessageID,
		rec.Supersedes, rec.SupersededBy, fileName, checksum,
		rec.UpdatedAt.Format(time.RFC3339Nano), rec.AccessedAt.Format(time.RFC3339Nano), rec.ID,
	)
	if err != nil {
		return domain.NewDomainError("Repository.Update", domain.ErrRepositoryDB, err.Error())
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return domain.NewDomainError("Repository.Update", domain.ErrNotFound, rec.ID)
	}
	return nil
}

func insertProvenanceEvent(ctx context.Context, tx execContexter, e domain.ProvenanceEvent) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO provenance_events
		(id, memory_id, event_type, checksum, file_name, source_message_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.MemoryID, string(e.EventType), e.Checksum, e.FileName, e.SourceMessageID,
		e.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return domain.NewDomainError("Repository.insertProvenanceEvent", domain.ErrRepositoryDB, err.Error())
	}
	return nil
}

// RecordEvent appends a provenance event directly, for callers outside the
// Create/Update write paths (e.g. the consolidation pipeline marking a
// record as merged or superseded) that need an audit trail entry without a
// corresponding record mutation.
func (r *Repository) RecordEvent(ctx context.Context, e domain.ProvenanceEvent) error {
	if e.ID == "" {
		e.ID = ulid.Make().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.clock.Now().UTC()
	}
	return insertProvenanceEvent(ctx, r.db, e)
}

// Reconcile compares the relational index against the Markdown directory
// and reports discrepancies. It never mutates state: callers decide how to
// resolve orphans/mismatches.
func (r *Repository) Reconcile(ctx context.Context) (domain.ReconcileReport, error) {
	report := domain.ReconcileReport{Consistent: true}

	rows, err := r.db.QueryContext(ctx, `SELECT id, file_path, checksum FROM memories`)
	if err != nil {
		return report, domain.NewDomainError("Repository.Reconcile", domain.ErrRepositoryReconciliation, err.Error())
	}
	defer rows.Close()

	indexed := make(map[string]struct{ checksum string })
	for rows.Next() {
		var id, fileName, checksum string
		if err := rows.Scan(&id, &fileName, &checksum); err != nil {
			return report, domain.NewDomainError("Repository.Reconcile", domain.ErrRepositoryReconciliation, err.Error())
		}
		indexed[fileName] = struct{ checksum string }{checksum}

		data, err := os.ReadFile(filepath.Join(r.dir, fileName))
		if err != nil {
			if os.IsNotExist(err) {
				report.MissingFiles = append(report.MissingFiles, fileName)
				report.Consistent = false
				continue
			}
			return report, domain.NewDomainError("Repository.Reconcile", domain.ErrRepositoryReconciliation, err.Error())
		}
		if codec.Checksum(string(data)) != checksum {
			report.ContentMismatches = append(report.ContentMismatches, fileName)
			report.Consistent = false
		}
	}
	if err := rows.Err(); err != nil {
		return report, domain.NewDomainError("Repository.Reconcile", domain.ErrRepositoryReconciliation, err.Error())
	}

	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return report, domain.NewDomainError("Repository.Reconcile", domain.ErrRepositoryReconciliation, err.Error())
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".md" {
			continue
		}
		if _, ok := indexed[entry.Name()]; !ok {
			report.OrphanedFiles = append(report.OrphanedFiles, entry.Name())
			report.Consistent = false
		}
	}

	return report, nil
}
