package consolidation

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"memsub/internal/adapter/storage"
	"memsub/internal/domain"
	"memsub/internal/repository"
	"memsub/internal/search"
)

type fakeDistiller struct {
	fn func(ctx context.Context, candidates []domain.MemoryRecord) ([]domain.DraftMemory, error)
}

func (f *fakeDistiller) Distill(ctx context.Context, candidates []domain.MemoryRecord) ([]domain.DraftMemory, error) {
	return f.fn(ctx, candidates)
}
func (f *fakeDistiller) IsAvailable() bool { return true }

type stubEmbedder struct {
	dims int
	vec  []float32
}

func (s *stubEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = s.vec
	}
	return out, nil
}
func (s *stubEmbedder) Dimension() int    { return s.dims }
func (s *stubEmbedder) Model() string     { return "stub-model" }
func (s *stubEmbedder) Name() string      { return "stub" }
func (s *stubEmbedder) IsAvailable() bool { return true }

type testSetup struct {
	db    *sql.DB
	repo  *repository.Repository
	hybrid *search.HybridSearch
}

func newTestSetup(t *testing.T) testSetup {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "index.db")
	db, err := storage.Open(dbPath)
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	repo, err := repository.New(db, filepath.Join(t.TempDir(), "memories"))
	if err != nil {
		t.Fatalf("repository.New: %v", err)
	}

	embedder := &stubEmbedder{dims: 2, vec: []float32{1, 0}}
	bm25 := search.NewBM25Retriever(db)
	vector := search.NewVectorRetriever(db, embedder)
	return testSetup{db: db, repo: repo, hybrid: search.NewHybridSearch(bm25, vector)}
}

func (s testSetup) createSTM(t *testing.T, content string, age time.Duration) domain.MemoryRecord {
	t.Helper()
	rec, err := s.repo.Create(context.Background(), domain.MemoryRecord{
		Content:    content,
		Type:       domain.TypeObservation,
		Layer:      domain.LayerSTM,
		Importance: 0.4,
		Confidence: 0.6,
		Source:     domain.Provenance{SourceType: domain.SourceImplicit},
	})
	if err != nil {
		t.Fatalf("create stm: %v", err)
	}
	if age > 0 {
		old := time.Now().UTC().Add(-age).Format(time.RFC3339Nano)
		if _, err := s.db.Exec(`UPDATE memories SET created_at = ? WHERE id = ?`, old, rec.ID); err != nil {
			t.Fatalf("backdate created_at: %v", err)
		}
	}
	return rec
}

func (s testSetup) createLTM(t *testing.T, content string, provider, model string, vec []float32) domain.MemoryRecord {
	t.Helper()
	rec, err := s.repo.Create(context.Background(), domain.MemoryRecord{
		Content:    content,
		Type:       domain.TypeFact,
		Layer:      domain.LayerLTM,
		Importance: 0.5,
		Confidence: 0.8,
		Source:     domain.Provenance{SourceType: domain.SourceDistilled},
	})
	if err != nil {
		t.Fatalf("create ltm: %v", err)
	}
	if vec != nil {
		if _, err := s.db.Exec(`INSERT INTO embeddings (id, memory_id, provider, model, dimension, version, vector, created_at)
			VALUES (?, ?, ?, ?, ?, 1, ?, ?)`,
			rec.ID+":"+provider+":"+model, rec.ID, provider, model, len(vec),
			storage.Float32ToBytes(vec), time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
			t.Fatalf("seed embedding: %v", err)
		}
	}
	return rec
}

func TestPipelineRunCreatesNewLTMWhenNoDuplicate(t *testing.T) {
	s := newTestSetup(t)
	s.createSTM(t, "the user prefers dark mode", 48*time.Hour)

	distiller := &fakeDistiller{fn: func(ctx context.Context, candidates []domain.MemoryRecord) ([]domain.DraftMemory, error) {
		return []domain.DraftMemory{{Content: "user prefers dark mode", Type: domain.TypePreference, Importance: 0.6, Confidence: 0.7}}, nil
	}}

	p := NewPipeline(s.repo, NewStateStore(s.db), distiller, s.hybrid, Config{STMAgeThreshold: time.Hour})
	result, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.CandidatesSelected != 1 || result.FactsDistilled != 1 || result.Created != 1 || result.Merged != 0 {
		t.Fatalf("result = %+v", result)
	}
	if len(result.Errors) != 0 {
		t.Errorf("expected no errors, got %v", result.Errors)
	}
}

func TestPipelineRunReinforcesNearDuplicate(t *testing.T) {
	s := newTestSetup(t)
	stm := s.createSTM(t, "the project deadline is friday", 48*time.Hour)
	ltm := s.createLTM(t, "the project deadline is friday", "stub", "stub-model", []float32{1, 0})

	distiller := &fakeDistiller{fn: func(ctx context.Context, candidates []domain.MemoryRecord) ([]domain.DraftMemory, error) {
		return []domain.DraftMemory{{Content: "the project deadline is friday", Type: domain.TypeFact, Importance: 0.5, Confidence: 0.8}}, nil
	}}

	p := NewPipeline(s.repo, NewStateStore(s.db), distiller, s.hybrid, Config{STMAgeThreshold: time.Hour, MergeSimilarityThreshold: 0.5})
	result, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Merged != 1 || result.Created != 0 {
		t.Fatalf("result = %+v", result)
	}

	updated, err := s.repo.Get(context.Background(), ltm.ID)
	if err != nil {
		t.Fatalf("Get ltm: %v", err)
	}
	if updated.Importance <= 0.5 {
		t.Errorf("expected reinforced importance > 0.5, got %v", updated.Importance)
	}

	st, err := NewStateStore(s.db).Get(context.Background(), stm.ID)
	if err != nil {
		t.Fatalf("Get state: %v", err)
	}
	if st.Status != domain.CandidateProcessed {
		t.Errorf("expected processed state, got %v", st.Status)
	}
}

func TestPipelineRunMarksFailedAfterMaxRetries(t *testing.T) {
	s := newTestSetup(t)
	stm := s.createSTM(t, "flaky candidate", 48*time.Hour)

	distiller := &fakeDistiller{fn: func(ctx context.Context, candidates []domain.MemoryRecord) ([]domain.DraftMemory, error) {
		return nil, fmt.Errorf("malformed response")
	}}

	states := NewStateStore(s.db)
	p := NewPipeline(s.repo, states, distiller, s.hybrid, Config{STMAgeThreshold: time.Hour, MaxRetries: 2})

	for i := 0; i < 2; i++ {
		result, err := p.Run(context.Background())
		if err != nil {
			t.Fatalf("Run %d: %v", i, err)
		}
		if len(result.Errors) == 0 {
			t.Fatalf("Run %d: expected errors recorded", i)
		}
	}

	st, err := states.Get(context.Background(), stm.ID)
	if err != nil {
		t.Fatalf("Get state: %v", err)
	}
	if st.Status != domain.CandidateFailed {
		t.Errorf("expected failed after max retries, got %v (retries=%d)", st.Status, st.RetryCount)
	}

	// A third run must not reselect the now-failed candidate.
	result, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run 3: %v", err)
	}
	if result.CandidatesSelected != 0 {
		t.Errorf("expected failed candidate excluded from selection, got %+v", result)
	}
}

func TestPipelineRunSkipsCandidatesYoungerThanThreshold(t *testing.T) {
	s := newTestSetup(t)
	s.createSTM(t, "too fresh to consolidate", 0)

	distiller := &fakeDistiller{fn: func(ctx context.Context, candidates []domain.MemoryRecord) ([]domain.DraftMemory, error) {
		t.Fatal("distiller should not be called with no candidates")
		return nil, nil
	}}

	p := NewPipeline(s.repo, NewStateStore(s.db), distiller, s.hybrid, Config{STMAgeThreshold: 24 * time.Hour})
	result, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.CandidatesSelected != 0 {
		t.Errorf("expected no candidates selected, got %+v", result)
	}
}

func TestPipelineRunRejectsConcurrentRun(t *testing.T) {
	s := newTestSetup(t)
	p := NewPipeline(s.repo, NewStateStore(s.db), &fakeDistiller{fn: func(ctx context.Context, c []domain.MemoryRecord) ([]domain.DraftMemory, error) {
		return nil, nil
	}}, s.hybrid, Config{})

	p.running.Store(true)
	defer p.running.Store(false)

	_, err := p.Run(context.Background())
	if domain.ErrorCodeOf(err) != domain.CodeAlreadyRunning {
		t.Errorf("expected already-running code, got %v", err)
	}
}
