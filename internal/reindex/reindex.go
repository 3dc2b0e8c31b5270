package reindex

import (
	"context"
	"math"

	"memsub/internal/domain"
	"memsub/internal/repository"
)

const (
	defaultBatchSize              = 64
	defaultValidationSampleSize   = 20
	defaultMinValidationSimilarity = 0.9
)

// Phase identifies which stage of a reindex run is in progress.
type Phase string

const (
	PhaseReindex    Phase = "reindex"
	PhaseValidation Phase = "validation"
)

// Progress is emitted periodically during a run so callers can surface a
// progress bar or log line.
type Progress struct {
	Phase        Phase
	Processed    int
	TotalRecords int
}

// Result summarizes a completed (or partially completed) reindex run.
type Result struct {
	Processed       int
	Failed          int
	FailedRecordIDs []string
	// ValidationRan is true when post-run validation ran and every sample
	// passed.
	ValidationRan bool
}

// Config controls a Reindexer's batching and post-run validation.
type Config struct {
	BatchSize               int
	ValidateAfterReindex    bool
	ValidationSampleSize    int
	MinValidationSimilarity float64
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.ValidationSampleSize <= 0 {
		c.ValidationSampleSize = defaultValidationSampleSize
	}
	if c.MinValidationSimilarity <= 0 {
		c.MinValidationSimilarity = defaultMinValidationSimilarity
	}
	return c
}

// CacheInvalidator is implemented by search.VectorRetriever. Reindexer
// depends only on this narrow interface, not on the search package, so the
// two components stay decoupled; wiring a concrete *search.VectorRetriever
// in happens at the call site (the memory service façade).
type CacheInvalidator interface {
	InvalidateCache(provider, model string)
}

// Reindexer replaces vectors produced by one (provider, model) pair with
// vectors from another, streaming the memory repository in batches so a
// large corpus never needs to fit in memory at once.
type Reindexer struct {
	repo        *repository.Repository
	store       *Store
	provider    domain.EmbeddingProvider
	cfg         Config
	invalidator CacheInvalidator
}

// NewReindexer constructs a Reindexer. provider is the new embedding
// provider whose vectors will replace the old (oldProvider, oldModel)
// rows passed to Run.
func NewReindexer(repo *repository.Repository, store *Store, provider domain.EmbeddingProvider, cfg Config) *Reindexer {
	return &Reindexer{repo: repo, store: store, provider: provider, cfg: cfg.withDefaults()}
}

// WithCacheInvalidator registers a vector search cache to invalidate for
// (oldProvider, oldModel) and the new provider's pair once Run completes,
// so in-memory vector search results reflect the reindex immediately
// rather than waiting for process restart.
func (rx *Reindexer) WithCacheInvalidator(inv CacheInvalidator) *Reindexer {
	rx.invalidator = inv
	return rx
}

// Run streams every memory record, embeds its content through the
// configured provider, writes the new embedding row, and then deletes the
// row for (oldProvider, oldModel). The write and the delete are two
// separate store calls, not one transaction, and a failed delete is
// ignored, so the old row can remain beside the new one. A batch-level embedding failure increments
// Failed and records every memory id in that batch under
// FailedRecordIDs, but does not abort the run. If cfg.ValidateAfterReindex
// is set, up to cfg.ValidationSampleSize of the newly written vectors are
// re-embedded and compared by cosine similarity; any sample scoring below
// cfg.MinValidationSimilarity fails the run with
// domain.ErrReindexValidationFailed. Previously written rows are not
// rolled back on validation failure — rerunning Run is idempotent.
func (rx *Reindexer) Run(ctx context.Context, oldProvider, oldModel string, onProgress func(Progress)) (Result, error) {
	var result Result
	var written []string

	offset := 0
	for {
		batch, err := rx.repo.List(ctx, domain.ListFilters{Limit: rx.cfg.BatchSize, Offset: offset})
		if err != nil {
			return result, domain.NewDomainError("Reindexer.Run", domain.ErrReindexFailed, err.Error())
		}
		if len(batch) == 0 {
			break
		}

		texts := make([]string, len(batch))
		for i, rec := range batch {
			texts[i] = rec.Content
		}

		vectors, embedErr := rx.provider.Embed(ctx, texts)
		if embedErr != nil || len(vectors) != len(batch) {
			result.Failed += len(batch)
			for _, rec := range batch {
				result.FailedRecordIDs = append(result.FailedRecordIDs, rec.ID)
			}
		} else {
			for i, rec := range batch {
				if err := rx.store.Put(ctx, rec.ID, rx.provider.Name(), rx.provider.Model(), 1, vectors[i]); err != nil {
					result.Failed++
					result.FailedRecordIDs = append(result.FailedRecordIDs, rec.ID)
					continue
				}
				if oldProvider != "" {
					rx.store.Delete(ctx, rec.ID, oldProvider, oldModel) //nolint:errcheck
				}
				result.Processed++
				written = append(written, rec.ID)
			}
		}

		offset += len(batch)
		if onProgress != nil {
			onProgress(Progress{Phase: PhaseReindex, Processed: offset, TotalRecords: offset})
		}
		if len(batch) < rx.cfg.BatchSize {
			break
		}
	}

	if rx.cfg.ValidateAfterReindex && len(written) > 0 {
		if err := rx.validate(ctx, written, onProgress); err != nil {
			return result, err
		}
		result.ValidationRan = true
	}

	if rx.invalidator != nil {
		rx.invalidator.InvalidateCache(rx.provider.Name(), rx.provider.Model())
		if oldProvider != "" {
			rx.invalidator.InvalidateCache(oldProvider, oldModel)
		}
	}

	return result, nil
}

func (rx *Reindexer) validate(ctx context.Context, written []string, onProgress func(Progress)) error {
	sample := written
	if len(sample) > rx.cfg.ValidationSampleSize {
		sample = sample[:rx.cfg.ValidationSampleSize]
	}

	for i, id := range sample {
		rec, err := rx.repo.Get(ctx, id)
		if err != nil {
			return domain.NewDomainError("Reindexer.validate", domain.ErrReindexFailed, err.Error())
		}
		stored, err := rx.store.Get(ctx, id, rx.provider.Name(), rx.provider.Model())
		if err != nil {
			return domain.NewDomainError("Reindexer.validate", domain.ErrReindexFailed, err.Error())
		}

		vecs, err := rx.provider.Embed(ctx, []string{rec.Content})
		if err != nil || len(vecs) != 1 {
			return domain.NewDomainError("Reindexer.validate", domain.ErrReindexFailed, id)
		}

		sim := cosineSimilarity(stored, vecs[0])
		if onProgress != nil {
			onProgress(Progress{Phase: PhaseValidation, Processed: i + 1, TotalRecords: len(sample)})
		}
		if sim < rx.cfg.MinValidationSimilarity {
			return domain.NewDomainError("Reindexer.validate", domain.ErrReindexValidationFailed, id)
		}
	}
	return nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
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
