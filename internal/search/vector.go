package search

import (
	"context"
	"database/sql"
	"math"
	"sort"
	"strings"
	"sync"

	"memsub/internal/adapter/storage"
	"memsub/internal/domain"
)

// VectorResult is one semantic match.
type VectorResult struct {
	MemoryID   string
	Content    string
	Type       domain.MemoryType
	Layer      domain.MemoryLayer
	Importance float64
	Similarity float64
}

const defaultVectorLimit = 20

type vecEntry struct {
	memoryID   string
	vector     []float32
	content    string
	typ        string
	layer      string
	importance float64
}

// vecIndex is a lazily-loaded, in-memory cache of every embedding row for
// one (provider, model) pair. Scanning the whole table on every query is
// wasteful once the index grows past a few thousand rows, so the first
// query for a pair pays the load cost and later queries reuse it until
// explicitly invalidated (by a reindex).
type vecIndex struct {
	mu      sync.RWMutex
	entries []vecEntry
	loaded  bool
}

// VectorRetriever ranks candidates by cosine similarity against a query
// embedding, scanning the embeddings table filtered by provider and model.
type VectorRetriever struct {
	db       *sql.DB
	embedder domain.EmbeddingProvider

	mu     sync.Mutex
	caches map[string]*vecIndex
}

// NewVectorRetriever constructs a VectorRetriever backed by db and
// embedder. embedder both produces the query vector and defines the
// default (provider, model) pair scanned for candidates.
func NewVectorRetriever(db *sql.DB, embedder domain.EmbeddingProvider) *VectorRetriever {
	return &VectorRetriever{
		db:       db,
		embedder: embedder,
		caches:   make(map[string]*vecIndex),
	}
}

// InvalidateCache drops the cached candidate set for (provider, model), so
// the next Search call reloads from the embeddings table. Call this after
// a reindex changes the rows for that pair.
func (r *VectorRetriever) InvalidateCache(provider, model string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.caches, cacheKey(provider, model))
}

// Search embeds query through the configured provider and ranks stored
// vectors by cosine similarity. An empty (post-trim) query returns no
// results. Options.ProviderFilter overrides the (provider, model) pair
// scanned; it defaults to the configured embedder's own identity.
func (r *VectorRetriever) Search(ctx context.Context, query string, opts SearchOptions) ([]VectorResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = defaultVectorLimit
	}
	if opts.MinScore < 0 || opts.MinScore > 1 {
		return nil, domain.NewDomainError("VectorRetriever.Search", domain.ErrInvalidInput, "minSimilarity must be in [0,1]")
	}

	provider, model := r.embedder.Name(), r.embedder.Model()
	if opts.ProviderFilter != nil {
		provider, model = opts.ProviderFilter.Provider, opts.ProviderFilter.Model
	}

	vectors, err := r.embedder.Embed(ctx, []string{query})
	if err != nil || len(vectors) != 1 {
		detail := ""
		if err != nil {
			detail = err.Error()
		}
		return nil, domain.NewDomainError("VectorRetriever.Search", domain.ErrEmbeddingFailed, detail)
	}
	queryVec := vectors[0]

	candidates, err := r.loadIndex(ctx, provider, model)
	if err != nil {
		return nil, err
	}

	scored := make([]VectorResult, 0, len(candidates))
	for _, c := range candidates {
		if opts.Type != "" && domain.MemoryType(c.typ) != opts.Type {
			continue
		}
		if opts.Layer != "" && domain.MemoryLayer(c.layer) != opts.Layer {
			continue
		}
		if len(c.vector) != r.embedder.Dimension() {
			return nil, domain.NewDomainError("VectorRetriever.Search", domain.ErrDimensionMismatch, c.memoryID).
				WithSeverity(domain.SeverityFatal)
		}
		sim := clampUnit(cosineSimilarity(queryVec, c.vector))
		if opts.MinScore > 0 && sim < opts.MinScore {
			continue
		}
		scored = append(scored, VectorResult{
			MemoryID:   c.memoryID,
			Content:    c.content,
			Type:       domain.MemoryType(c.typ),
			Layer:      domain.MemoryLayer(c.layer),
			Importance: c.importance,
			Similarity: sim,
		})
	}

	sort.Slice(scored, func(i, j int) bool { return scored[i].Similarity > scored[j].Similarity })
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

func (r *VectorRetriever) loadIndex(ctx context.Context, provider, model string) ([]vecEntry, error) {
	key := cacheKey(provider, model)

	r.mu.Lock()
	idx, ok := r.caches[key]
	if !ok {
		idx = &vecIndex{}
		r.caches[key] = idx
	}
	r.mu.Unlock()

	idx.mu.RLock()
	if idx.loaded {
		entries := idx.entries
		idx.mu.RUnlock()
		return entries, nil
	}
	idx.mu.RUnlock()

	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.loaded {
		return idx.entries, nil
	}

	rows, err := r.db.QueryContext(ctx, `SELECT e.memory_id, e.dimension, e.vector, m.content, m.type, m.layer, m.importance
		FROM embeddings e JOIN memories m ON m.id = e.memory_id
		WHERE e.provider = ? AND e.model = ?`, provider, model)
	if err != nil {
		return nil, domain.NewDomainError("VectorRetriever.loadIndex", domain.ErrStorageRead, err.Error())
	}
	defer rows.Close()

	var entries []vecEntry
	for rows.Next() {
		var e vecEntry
		var dim int
		var vecBytes []byte
		if err := rows.Scan(&e.memoryID, &dim, &vecBytes, &e.content, &e.typ, &e.layer, &e.importance); err != nil {
			return nil, domain.NewDomainError("VectorRetriever.loadIndex", domain.ErrStorageRead, err.Error())
		}
		e.vector = storage.BytesToFloat32(vecBytes)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewDomainError("VectorRetriever.loadIndex", domain.ErrStorageRead, err.Error())
	}

	idx.entries = entries
	idx.loaded = true
	return entries, nil
}

func cacheKey(provider, model string) string {
	return provider + "\x00" + model
}

// cosineSimilarity computes the cosine similarity of two equal-length
// vectors. Callers must verify matching dimension first.
func cosineSimilarity(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
