package repository

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"memsub/internal/adapter/storage"
	"memsub/internal/domain"
)

func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "index.db")
	db, err := storage.Open(dbPath)
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	dir := filepath.Join(t.TempDir(), "memories")
	repo, err := New(db, dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return repo
}

func sampleRecord(content string) domain.MemoryRecord {
	return domain.MemoryRecord{
		Content:    content,
		Type:       domain.TypeFact,
		Layer:      domain.LayerSTM,
		Importance: 0.5,
		Confidence: 0.8,
		Tags:       []string{"test"},
		Source:     domain.Provenance{SourceType: domain.SourceExplicit},
	}
}

func TestCreateWritesIndexAndFile(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	rec, err := repo.Create(ctx, sampleRecord("hello world"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if rec.ID == "" {
		t.Fatal("expected generated ID")
	}

	entries, err := os.ReadDir(repo.dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 file, got %d", len(entries))
	}

	got, err := repo.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Content != "hello world" {
		t.Errorf("Content = %q", got.Content)
	}
}

func TestCreateRejectsInvalidRecord(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	_, err := repo.Create(ctx, sampleRecord(""))
	if err == nil {
		t.Fatal("expected validation error for empty content")
	}
	if domain.ErrorCodeOf(err) != domain.CodeRepositoryInvalidInput {
		t.Errorf("expected invalid-input error, got %v", err)
	}
}

func TestCreateThenReadSurvivesRestart(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "index.db")
	dir := t.TempDir()

	db1, err := storage.Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	repo1, err := New(db1, dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rec, err := repo1.Create(context.Background(), sampleRecord("persisted fact"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	db1.Close()

	db2, err := storage.Open(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db2.Close()
	repo2, err := New(db2, dir)
	if err != nil {
		t.Fatalf("New (restart): %v", err)
	}

	got, err := repo2.Get(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("Get after restart: %v", err)
	}
	if got.Content != "persisted fact" {
		t.Errorf("Content = %q, want %q", got.Content, "persisted fact")
	}
}

func TestUpdateRewritesFileAndRemovesOld(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	rec, err := repo.Create(ctx, sampleRecord("original"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	rec.Content = "updated content"
	updated, err := repo.Update(ctx, rec)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, err := repo.Get(ctx, updated.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Content != "updated content" {
		t.Errorf("Content = %q", got.Content)
	}

	entries, err := os.ReadDir(repo.dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("expected exactly 1 file after update, got %d", len(entries))
	}
}

func TestDeleteRemovesIndexAndFile(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	rec, err := repo.Create(ctx, sampleRecord("to be deleted"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := repo.Delete(ctx, rec.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if _, err := repo.Get(ctx, rec.ID); domain.ErrorCodeOf(err) != domain.CodeRepositoryNotFound {
		t.Errorf("expected not-found after delete, got %v", err)
	}

	entries, err := os.ReadDir(repo.dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no files after delete, got %d", len(entries))
	}
}

func TestDeleteToleratesMissingFile(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	rec, err := repo.Create(ctx, sampleRecord("file will vanish"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, _, err := repo.findByID(ctx, rec.ID)
	_ = got
	if err != nil {
		t.Fatalf("findByID: %v", err)
	}

	entries, _ := os.ReadDir(repo.dir)
	for _, e := range entries {
		os.Remove(filepath.Join(repo.dir, e.Name()))
	}

	if err := repo.Delete(ctx, rec.ID); err != nil {
		t.Errorf("Delete should tolerate a missing file, got %v", err)
	}
}

func TestListFiltersByLayerAndType(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	stm := sampleRecord("stm fact")
	stm.Layer = domain.LayerSTM
	if _, err := repo.Create(ctx, stm); err != nil {
		t.Fatalf("Create: %v", err)
	}

	ltm := sampleRecord("ltm preference")
	ltm.Layer = domain.LayerLTM
	ltm.Type = domain.TypePreference
	if _, err := repo.Create(ctx, ltm); err != nil {
		t.Fatalf("Create: %v", err)
	}

	results, err := repo.List(ctx, domain.ListFilters{Layer: domain.LayerLTM})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(results) != 1 || results[0].Content != "ltm preference" {
		t.Fatalf("List(layer=ltm) = %+v", results)
	}

	results, err = repo.List(ctx, domain.ListFilters{Type: domain.TypeFact})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(results) != 1 || results[0].Content != "stm fact" {
		t.Fatalf("List(type=fact) = %+v", results)
	}
}

func TestReconcileReportsOrphanAndMissingFiles(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	rec, err := repo.Create(ctx, sampleRecord("will go missing"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	report, err := repo.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if !report.Consistent {
		t.Fatalf("expected consistent report before tampering, got %+v", report)
	}

	// Remove the backing file out-of-band: index now references a missing file.
	entries, _ := os.ReadDir(repo.dir)
	for _, e := range entries {
		os.Remove(filepath.Join(repo.dir, e.Name()))
	}

	report, err = repo.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if report.Consistent {
		t.Fatal("expected inconsistent report after removing file")
	}
	if len(report.MissingFiles) != 1 {
		t.Errorf("MissingFiles = %v, want 1 entry", report.MissingFiles)
	}

	// Drop an orphan file not referenced by any index row.
	orphanPath := filepath.Join(repo.dir, "orphan.md")
	if err := os.WriteFile(orphanPath, []byte("---\nid: x\n---\n\nbody\n"), 0o644); err != nil {
		t.Fatalf("write orphan: %v", err)
	}

	report, err = repo.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	found := false
	for _, f := range report.OrphanedFiles {
		if f == "orphan.md" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected orphan.md in OrphanedFiles, got %v", report.OrphanedFiles)
	}

	_ = rec
}
