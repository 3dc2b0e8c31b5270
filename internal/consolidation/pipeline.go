package consolidation

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	tiktoken "github.com/pkoukk/tiktoken-go"

	"memsub/internal/domain"
	"memsub/internal/repository"
	"memsub/internal/search"
)

const (
	defaultBatchSize                = 20
	defaultMaxRetries                = 3
	defaultSTMAgeThreshold           = 24 * time.Hour
	defaultMergeSimilarityThreshold  = 0.92
	defaultTokenBudget               = 8000
	tokenEncoding                    = "cl100k_base"
)

// Config tunes one Pipeline's selection window, retry budget, and merge
// threshold.
type Config struct {
	BatchSize                int
	MaxRetries               int
	STMAgeThreshold          time.Duration
	MergeSimilarityThreshold float64
	TokenBudget              int
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.STMAgeThreshold <= 0 {
		c.STMAgeThreshold = defaultSTMAgeThreshold
	}
	if c.MergeSimilarityThreshold <= 0 {
		c.MergeSimilarityThreshold = defaultMergeSimilarityThreshold
	}
	if c.TokenBudget <= 0 {
		c.TokenBudget = defaultTokenBudget
	}
	return c
}

// Pipeline runs the select -> distill -> merge -> write stages that turn
// aged short-term memories into long-term facts.
type Pipeline struct {
	repo      *repository.Repository
	states    *StateStore
	distiller domain.DistillationProvider
	hybrid    *search.HybridSearch
	cfg       Config
	clock     domain.Clock
	running   atomic.Bool
}

// NewPipeline constructs a Pipeline. hybrid is used during the merge stage
// to find near-duplicate LTM records for a freshly distilled draft.
func NewPipeline(repo *repository.Repository, states *StateStore, distiller domain.DistillationProvider, hybrid *search.HybridSearch, cfg Config) *Pipeline {
	return &Pipeline{repo: repo, states: states, distiller: distiller, hybrid: hybrid, cfg: cfg.withDefaults(), clock: domain.SystemClock{}}
}

// Run selects aged STM candidates, distills them in token-budgeted
// batches, merges each draft against existing LTM records (reinforcing a
// near-duplicate's importance or creating a new record), and persists
// candidate-state transitions throughout. A batch-level distillation
// failure marks its candidates pending (for retry) or failed (once their
// retry count reaches MaxRetries), is recorded in the result's Errors, and does not
// abort the run — Run only returns an error for structural problems
// (selection/storage failures, or a run already in progress).
func (p *Pipeline) Run(ctx context.Context) (domain.ConsolidationResult, error) {
	if !p.running.CompareAndSwap(false, true) {
		return domain.ConsolidationResult{}, domain.NewDomainError("consolidation.Pipeline.Run", domain.ErrAlreadyRunning, "")
	}
	defer p.running.Store(false)

	var result domain.ConsolidationResult

	watermark := p.clock.Now().UTC().Add(-p.cfg.STMAgeThreshold)
	ids, err := p.states.SelectCandidates(ctx, watermark, p.cfg.MaxRetries, p.cfg.BatchSize*10)
	if err != nil {
		return result, domain.NewDomainError("consolidation.Pipeline.Run", domain.ErrConsolidationFailed, err.Error())
	}
	if len(ids) == 0 {
		return result, nil
	}

	candidates := make([]domain.MemoryRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := p.repo.Get(ctx, id)
		if err != nil {
			continue // vanished between selection and load; next run will skip it (no state row change needed)
		}
		candidates = append(candidates, rec)
		st, err := p.states.Get(ctx, id)
		if err != nil {
			return result, domain.NewDomainError("consolidation.Pipeline.Run", domain.ErrConsolidationFailed, err.Error())
		}
		st.Status = domain.CandidateSelected
		if err := p.states.Upsert(ctx, st); err != nil {
			return result, domain.NewDomainError("consolidation.Pipeline.Run", domain.ErrConsolidationFailed, err.Error())
		}
	}
	result.CandidatesSelected = len(candidates)

	enc, encErr := tiktoken.GetEncoding(tokenEncoding)
	for _, batch := range p.tokenBudgetedBatches(candidates, enc, encErr) {
		p.processBatch(ctx, batch, &result)
	}

	return result, nil
}

// tokenBudgetedBatches greedily groups candidates so each batch's combined
// token count stays under cfg.TokenBudget, per the spec's token-budgeted
// distillation batching. A single candidate that alone exceeds the budget
// still gets its own batch rather than being dropped. If the tokenizer
// failed to load, every candidate falls into one batch per BatchSize
// instead (a degraded but still-correct fallback).
func (p *Pipeline) tokenBudgetedBatches(candidates []domain.MemoryRecord, enc *tiktoken.Tiktoken, encErr error) [][]domain.MemoryRecord {
	if encErr != nil || enc == nil {
		return p.fixedSizeBatches(candidates)
	}

	var batches [][]domain.MemoryRecord
	var current []domain.MemoryRecord
	currentTokens := 0

	for _, c := range candidates {
		n := len(enc.Encode(c.Content, nil, nil))
		if len(current) > 0 && (currentTokens+n > p.cfg.TokenBudget || len(current) >= p.cfg.BatchSize) {
			batches = append(batches, current)
			current = nil
			currentTokens = 0
		}
		current = append(current, c)
		currentTokens += n
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}

func (p *Pipeline) fixedSizeBatches(candidates []domain.MemoryRecord) [][]domain.MemoryRecord {
	var batches [][]domain.MemoryRecord
	for i := 0; i < len(candidates); i += p.cfg.BatchSize {
		end := i + p.cfg.BatchSize
		if end > len(candidates) {
			end = len(candidates)
		}
		batches = append(batches, candidates[i:end])
	}
	return batches
}

func (p *Pipeline) processBatch(ctx context.Context, batch []domain.MemoryRecord, result *domain.ConsolidationResult) {
	drafts, err := p.distiller.Distill(ctx, batch)
	if err != nil {
		p.failBatch(ctx, batch, err, result)
		return
	}

	sourceIDs := make([]string, len(batch))
	for i, c := range batch {
		sourceIDs[i] = c.ID
	}
	joinedSources := strings.Join(sourceIDs, ",")

	for _, draft := range drafts {
		if err := p.writeDraft(ctx, draft, joinedSources, result); err != nil {
			result.Errors = append(result.Errors, err.Error())
		}
	}
	result.FactsDistilled += len(drafts)

	for _, c := range batch {
		p.states.Upsert(ctx, domain.CandidateState{MemoryID: c.ID, Status: domain.CandidateProcessed}) //nolint:errcheck
	}
}

// writeDraft runs the merge stage for one distilled draft: search existing
// LTM for a near-duplicate and reinforce it, or create a new LTM record.
func (p *Pipeline) writeDraft(ctx context.Context, draft domain.DraftMemory, joinedSources string, result *domain.ConsolidationResult) error {
	hits, err := p.hybrid.Search(ctx, draft.Content, search.HybridOptions{
		SearchOptions: search.SearchOptions{Layer: domain.LayerLTM, Limit: 1, MinScore: p.cfg.MergeSimilarityThreshold},
	})
	if err != nil {
		return domain.NewDomainError("consolidation.Pipeline.writeDraft", domain.ErrMergeConflict, err.Error())
	}

	if len(hits) > 0 {
		existing, err := p.repo.Get(ctx, hits[0].MemoryID)
		if err != nil {
			return domain.NewDomainError("consolidation.Pipeline.writeDraft", domain.ErrMergeConflict, err.Error())
		}
		existing.Importance = clampUnit(existing.Importance + 0.05)
		if _, err := p.repo.Update(ctx, existing); err != nil {
			return domain.NewDomainError("consolidation.Pipeline.writeDraft", domain.ErrMergeConflict, err.Error())
		}
		p.emitProvenance(ctx, existing.ID, domain.EventConsolidated, joinedSources)
		result.Merged++
		return nil
	}

	created, err := p.repo.Create(ctx, domain.MemoryRecord{
		Content:    draft.Content,
		Type:       draft.Type,
		Layer:      domain.LayerLTM,
		Importance: draft.Importance,
		Confidence: draft.Confidence,
		Tags:       draft.Tags,
		Entities:   draft.Entities,
		Source:     domain.Provenance{SourceType: domain.SourceDistilled},
	})
	if err != nil {
		return domain.NewDomainError("consolidation.Pipeline.writeDraft", domain.ErrMergeConflict, err.Error())
	}
	p.emitProvenance(ctx, created.ID, domain.EventConsolidated, joinedSources)
	result.Created++
	return nil
}

// emitProvenance records a consolidation-driven event against the
// provenance log. SourceMessageID carries the comma-joined ids of the STM
// candidates this draft was distilled from, since the append-only log has
// no dedicated multi-source column.
func (p *Pipeline) emitProvenance(ctx context.Context, memoryID string, eventType domain.ProvenanceEventType, joinedSources string) {
	p.repo.RecordEvent(ctx, domain.ProvenanceEvent{ //nolint:errcheck
		ID:              ulid.Make().String(),
		MemoryID:        memoryID,
		EventType:       eventType,
		SourceMessageID: joinedSources,
		CreatedAt:       p.clock.Now().UTC(),
	})
}

func (p *Pipeline) failBatch(ctx context.Context, batch []domain.MemoryRecord, cause error, result *domain.ConsolidationResult) {
	for _, c := range batch {
		st, _ := p.states.Get(ctx, c.ID)
		st.RetryCount++
		st.LastError = cause.Error()
		if st.RetryCount >= p.cfg.MaxRetries {
			st.Status = domain.CandidateFailed
		} else {
			st.Status = domain.CandidatePending
		}
		p.states.Upsert(ctx, st) //nolint:errcheck
	}
	result.Errors = append(result.Errors, domain.NewDomainError("consolidation.Pipeline.processBatch", domain.ErrDistillationFailed, cause.Error()).Error())
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
