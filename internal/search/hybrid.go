package search

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"memsub/internal/domain"
)

// FusionPolicy selects how HybridSearch combines lexical and vector scores.
type FusionPolicy string

const (
	// FusionWeightedSum blends normalized BM25 and vector scores by weight,
	// plus an importance boost term. It is the default policy.
	FusionWeightedSum FusionPolicy = "weighted_sum"
	// FusionReciprocalRank combines per-side ranks via 1/(k+rank), ignoring
	// the raw scores entirely.
	FusionReciprocalRank FusionPolicy = "rrf"
)

const (
	defaultHybridLimit     = 10
	defaultBM25Weight      = 0.3
	defaultVectorWeight    = 0.7
	defaultImportanceBoost = 0.1
	defaultRRFK            = 60
)

// HybridOptions configures a hybrid search call. Type/Layer/Source are
// forwarded to both underlying retrievers (the vector side ignores Source);
// MinScore is not forwarded and filters the fused score instead.
type HybridOptions struct {
	SearchOptions
	Policy          FusionPolicy
	BM25Weight      float64
	VectorWeight    float64
	ImportanceBoost float64
	RRFK            int
}

// ScoreBreakdown exposes the weights and contributions that produced a
// HybridResult's final Score, for callers that want to explain a ranking.
type ScoreBreakdown struct {
	BM25Weight             float64
	VectorWeight           float64
	BM25Contribution       float64
	VectorContribution     float64
	ImportanceContribution float64
}

// HybridResult is one fused candidate.
type HybridResult struct {
	MemoryID    string
	Content     string
	Type        domain.MemoryType
	Layer       domain.MemoryLayer
	Importance  float64
	Score       float64
	BM25Score   float64
	VectorScore float64
	Breakdown   ScoreBreakdown
}

// HybridSearch composes a BM25Retriever and a VectorRetriever, fusing their
// results into a single ranked list.
type HybridSearch struct {
	bm25   *BM25Retriever
	vector *VectorRetriever
}

// NewHybridSearch constructs a HybridSearch over the given retrievers.
func NewHybridSearch(bm25 *BM25Retriever, vector *VectorRetriever) *HybridSearch {
	return &HybridSearch{bm25: bm25, vector: vector}
}

type fusedCandidate struct {
	memoryID    string
	content     string
	typ         domain.MemoryType
	layer       domain.MemoryLayer
	importance  float64
	bm25Score   float64
	bm25Rank    int // 1-based; 0 means absent from the BM25 side
	vectorScore float64
	vectorRank  int // 1-based; 0 means absent from the vector side
}

// Search launches the BM25 and vector retrievers in parallel over the same
// trimmed query, with a shared candidate cap of max(limit*3, limit) and the
// same type/layer/source filters, then fuses their results. If both
// retrievers fail, Search returns a fused error citing both; if only one
// fails, the other side's results are still returned (graceful
// degradation).
func (h *HybridSearch) Search(ctx context.Context, query string, opts HybridOptions) ([]HybridResult, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultHybridLimit
	}
	fetchLimit := limit * 3
	if fetchLimit < limit {
		fetchLimit = limit
	}

	sideOpts := SearchOptions{
		Type:           opts.Type,
		Layer:          opts.Layer,
		Source:         opts.Source,
		Limit:          fetchLimit,
		ProviderFilter: opts.ProviderFilter,
	}

	var (
		wg         sync.WaitGroup
		bm25Res    []BM25Result
		bm25Err    error
		vectorRes  []VectorResult
		vectorErr  error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		bm25Res, bm25Err = h.bm25.Search(ctx, query, sideOpts)
	}()
	go func() {
		defer wg.Done()
		vectorRes, vectorErr = h.vector.Search(ctx, query, sideOpts)
	}()
	wg.Wait()

	if bm25Err != nil && vectorErr != nil {
		return nil, domain.NewDomainError("HybridSearch.Search", domain.ErrSearchFailed,
			fmt.Sprintf("bm25: %v; vector: %v", bm25Err, vectorErr))
	}

	candidates := fuseCandidates(bm25Res, vectorRes)

	policy := opts.Policy
	if policy == "" {
		policy = FusionWeightedSum
	}

	var results []HybridResult
	switch policy {
	case FusionReciprocalRank:
		results = scoreByRRF(candidates, rrfK(opts.RRFK))
	default:
		results = scoreByWeightedSum(candidates, weightOrDefault(opts.BM25Weight, defaultBM25Weight),
			weightOrDefault(opts.VectorWeight, defaultVectorWeight), boostOrDefault(opts.ImportanceBoost))
	}

	if opts.MinScore > 0 {
		filtered := results[:0]
		for _, r := range results {
			if r.Score >= opts.MinScore {
				filtered = append(filtered, r)
			}
		}
		results = filtered
	}

	sortHybridResults(results)

	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// sortHybridResults applies the deterministic 4-key tie-break: score desc,
// then vector score desc, then BM25 score desc, then memoryId asc. Two
// hybrid searches over the same (query, candidates, options) always
// produce the same ordering.
func sortHybridResults(results []HybridResult) {
	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.VectorScore != b.VectorScore {
			return a.VectorScore > b.VectorScore
		}
		if a.BM25Score != b.BM25Score {
			return a.BM25Score > b.BM25Score
		}
		return a.MemoryID < b.MemoryID
	})
}

// fuseCandidates builds a union of both retrievers' results keyed by
// memoryId, recording each side's 1-based rank and raw score.
func fuseCandidates(bm25Res []BM25Result, vectorRes []VectorResult) map[string]*fusedCandidate {
	candidates := make(map[string]*fusedCandidate)

	for i, r := range bm25Res {
		candidates[r.MemoryID] = &fusedCandidate{
			memoryID:   r.MemoryID,
			content:    r.Content,
			typ:        r.Type,
			layer:      r.Layer,
			importance: r.Importance,
			bm25Score:  r.BM25Score,
			bm25Rank:   i + 1,
		}
	}
	for i, r := range vectorRes {
		c, ok := candidates[r.MemoryID]
		if !ok {
			c = &fusedCandidate{
				memoryID:   r.MemoryID,
				content:    r.Content,
				typ:        r.Type,
				layer:      r.Layer,
				importance: r.Importance,
			}
			candidates[r.MemoryID] = c
		}
		c.vectorScore = r.Similarity
		c.vectorRank = i + 1
	}
	return candidates
}

func scoreByWeightedSum(candidates map[string]*fusedCandidate, wB, wV, importanceBoost float64) []HybridResult {
	sum := wB + wV
	if sum > 0 {
		wB, wV = wB/sum, wV/sum
	}

	out := make([]HybridResult, 0, len(candidates))
	for _, c := range candidates {
		importance := c.importance
		if importance > 1 {
			importance = 1
		}
		bm25Contrib := c.bm25Score * wB
		vectorContrib := c.vectorScore * wV
		importanceContrib := importance * importanceBoost

		score := clampUnit(bm25Contrib + vectorContrib + importanceContrib)
		out = append(out, HybridResult{
			MemoryID:    c.memoryID,
			Content:     c.content,
			Type:        c.typ,
			Layer:       c.layer,
			Importance:  c.importance,
			Score:       score,
			BM25Score:   c.bm25Score,
			VectorScore: c.vectorScore,
			Breakdown: ScoreBreakdown{
				BM25Weight:             wB,
				VectorWeight:           wV,
				BM25Contribution:       bm25Contrib,
				VectorContribution:     vectorContrib,
				ImportanceContribution: importanceContrib,
			},
		})
	}
	return out
}

func scoreByRRF(candidates map[string]*fusedCandidate, k int) []HybridResult {
	out := make([]HybridResult, 0, len(candidates))
	for _, c := range candidates {
		var score float64
		if c.bm25Rank > 0 {
			score += 1.0 / float64(k+c.bm25Rank)
		}
		if c.vectorRank > 0 {
			score += 1.0 / float64(k+c.vectorRank)
		}
		out = append(out, HybridResult{
			MemoryID:    c.memoryID,
			Content:     c.content,
			Type:        c.typ,
			Layer:       c.layer,
			Importance:  c.importance,
			Score:       clampUnit(score),
			BM25Score:   c.bm25Score,
			VectorScore: c.vectorScore,
			// RRF ignores weights; reported as zero per the fusion contract.
		})
	}
	return out
}

func weightOrDefault(v, def float64) float64 {
	if v <= 0 {
		return def
	}
	return v
}

func boostOrDefault(v float64) float64 {
	if v <= 0 {
		return defaultImportanceBoost
	}
	return v
}

func rrfK(k int) int {
	if k <= 0 {
		return defaultRRFK
	}
	return k
}
