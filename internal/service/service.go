// Package service wires every memory substrate component behind one
// façade: the repository, the search retrievers, the consolidation
// pipeline, the pattern detector, the ingestor, and the reindex job. It is
// the only entry point cmd/memoryctl and any future API transport should
// depend on.
package service

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync/atomic"

	"memsub/internal/adapter/embedding"
	"memsub/internal/adapter/llm"
	"memsub/internal/adapter/storage"
	"memsub/internal/consolidation"
	"memsub/internal/domain"
	"memsub/internal/infra/config"
	"memsub/internal/infra/tracer"
	"memsub/internal/ingest"
	"memsub/internal/pattern"
	"memsub/internal/reindex"
	"memsub/internal/repository"
	"memsub/internal/search"
	"memsub/internal/usecase/scheduling"
)

// Service is the memory substrate's boundary API. Every exported method
// except Initialize, Shutdown and IsReady returns domain.ErrNotReady (MEMORY_NOT_READY) until
// Initialize has completed successfully.
type Service struct {
	cfg    *config.Config
	logger *slog.Logger

	db    *sql.DB
	repo  *repository.Repository
	embed domain.EmbeddingProvider

	bm25       *search.BM25Retriever
	vector     *search.VectorRetriever
	hybrid     *search.HybridSearch
	reindexer  *reindex.Reindexer
	reindexSt  *reindex.Store
	pipeline   *consolidation.Pipeline
	states     *consolidation.StateStore
	patterns   *pattern.Detector
	patternSt  *pattern.Store
	ingestor   *ingest.Ingestor
	scheduler  *scheduling.Scheduler

	ready atomic.Bool
}

// New constructs a Service from cfg. Construction alone does not open the
// database or start the scheduler; call Initialize for that.
func New(cfg *config.Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{cfg: cfg, logger: logger}
}

// Initialize opens the relational index, migrates it, builds the embedding
// and distillation providers from cfg, wires every component, and starts
// the scheduler, with a consolidation task when cfg.Consolidation.Schedule
// is set. A reconcile action is registered but no task is scheduled for
// it, and no reindex action is registered. It is not safe to call
// concurrently with itself or with any other Service method.
func (s *Service) Initialize(ctx context.Context) error {
	ctx, span := tracer.StartSpan(ctx, "service.Initialize")
	defer span.End()

	sqlDB, err := storage.Open(s.cfg.Store.DBPath())
	if err != nil {
		tracer.RecordError(span, err)
		return domain.NewDomainError("service.Initialize", domain.ErrRepositoryDB, err.Error())
	}

	repo, err := repository.New(sqlDB, s.cfg.Store.FilesPath())
	if err != nil {
		tracer.RecordError(span, err)
		return domain.NewDomainError("service.Initialize", domain.ErrRepositoryDB, err.Error())
	}

	embedder, err := buildEmbeddingProvider(s.cfg.Embedding, s.logger)
	if err != nil {
		tracer.RecordError(span, err)
		return domain.NewDomainError("service.Initialize", domain.ErrProviderUnavailable, err.Error())
	}

	bm25 := search.NewBM25Retriever(sqlDB)
	vector := search.NewVectorRetriever(sqlDB, embedder)
	hybrid := search.NewHybridSearch(bm25, vector)

	reindexSt := reindex.NewStore(sqlDB)
	reindexer := reindex.NewReindexer(repo, reindexSt, embedder, reindex.Config{}).WithCacheInvalidator(vector)

	distiller := buildDistiller(s.cfg.Embedding, s.logger)
	states := consolidation.NewStateStore(sqlDB)
	pipeline := consolidation.NewPipeline(repo, states, distiller, hybrid, consolidation.Config{
		BatchSize:                s.cfg.Consolidation.BatchSize,
		MaxRetries:               s.cfg.Consolidation.MaxRetries,
		STMAgeThreshold:          s.cfg.Consolidation.STMAgeThreshold,
		MergeSimilarityThreshold: s.cfg.Consolidation.MergeSimilarityThreshold,
		TokenBudget:              s.cfg.Consolidation.TokenBudget,
	})

	patternSt := pattern.NewStore(sqlDB)
	detector := pattern.NewDetector(patternSt, repo, pattern.Config{
		MinOccurrences:      s.cfg.Pattern.MinOccurrences,
		ClusterThreshold:     s.cfg.Pattern.ClusterThreshold,
		ConfidenceThreshold:  s.cfg.Pattern.ConfidenceThreshold,
		PromotionThreshold:   s.cfg.Pattern.PromotionThreshold,
		Window:               s.cfg.Pattern.Window,
		DecayRate:            s.cfg.Pattern.DecayRate,
	})

	ingestor := ingest.NewIngestor(repo, s.cfg.Ingest.WatchDir, s.cfg.Ingest.QuarantineDir)

	scheduler := scheduling.NewScheduler(s.logger)
	scheduler.RegisterAction(scheduling.ActionConsolidate, func(ctx context.Context) error {
		_, err := pipeline.Run(ctx)
		return err
	})
	scheduler.RegisterAction(scheduling.ActionReconcile, func(ctx context.Context) error {
		_, err := repo.Reconcile(ctx)
		return err
	})
	if s.cfg.Consolidation.Schedule != "" {
		if err := scheduler.AddTask(scheduling.ScheduledTask{
			Name:     "consolidate",
			Schedule: s.cfg.Consolidation.Schedule,
			Action:   scheduling.ActionConsolidate,
		}); err != nil {
			tracer.RecordError(span, err)
			return domain.NewDomainError("service.Initialize", domain.ErrConfigLoad, err.Error())
		}
	}
	if err := scheduler.Start(ctx); err != nil {
		tracer.RecordError(span, err)
		return domain.NewDomainError("service.Initialize", domain.ErrConfigLoad, err.Error())
	}

	s.db = sqlDB
	s.repo = repo
	s.embed = embedder
	s.bm25, s.vector, s.hybrid = bm25, vector, hybrid
	s.reindexer, s.reindexSt = reindexer, reindexSt
	s.pipeline, s.states = pipeline, states
	s.patterns, s.patternSt = detector, patternSt
	s.ingestor = ingestor
	s.scheduler = scheduler

	s.ready.Store(true)
	tracer.SetOK(span)
	return nil
}

// Shutdown stops the scheduler and closes the database. It is safe to call
// even if Initialize was never called or already failed.
func (s *Service) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	if s.scheduler != nil {
		if err := s.scheduler.Stop(); err != nil {
			return domain.NewDomainError("service.Shutdown", domain.ErrConfigLoad, err.Error())
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			return domain.NewDomainError("service.Shutdown", domain.ErrRepositoryDB, err.Error())
		}
	}
	return nil
}

// IsReady reports whether Initialize has completed successfully and
// Shutdown has not since been called.
func (s *Service) IsReady() bool {
	return s.ready.Load()
}

// HealthCheck reports per-component health. It returns domain.ErrNotReady
// if the service has not been initialized.
func (s *Service) HealthCheck(ctx context.Context) (HealthReport, error) {
	if !s.ready.Load() {
		return HealthReport{}, domain.NewDomainError("service.HealthCheck", domain.ErrNotReady, "")
	}
	report := HealthReport{Ready: true}
	if err := s.db.PingContext(ctx); err != nil {
		report.DBOK = false
		report.Detail = err.Error()
	} else {
		report.DBOK = true
	}
	report.EmbeddingProviderAvailable = s.embed.IsAvailable()
	return report, nil
}

// HealthReport summarizes Service.HealthCheck's findings.
type HealthReport struct {
	Ready                      bool
	DBOK                       bool
	EmbeddingProviderAvailable bool
	Detail                     string
}

func (s *Service) checkReady(op string) error {
	if !s.ready.Load() {
		return domain.NewDomainError(op, domain.ErrNotReady, "")
	}
	return nil
}

func buildEmbeddingProvider(cfg config.EmbeddingConfig, logger *slog.Logger) (domain.EmbeddingProvider, error) {
	var base domain.EmbeddingProvider
	switch cfg.Provider {
	case "ollama", "":
		base = embedding.NewOllamaProvider(
			embedding.WithOllamaModel(cfg.Model),
			embedding.WithOllamaDimensions(cfg.Dimension),
			embedding.WithOllamaBaseURL(cfg.BaseURL),
		)
	case "openai":
		base = embedding.NewOpenAIProvider(cfg.APIKey,
			embedding.WithOpenAIModel(cfg.Model),
			embedding.WithOpenAIDimensions(cfg.Dimension),
		)
	case "gemini":
		base = embedding.NewGeminiProvider(cfg.APIKey,
			embedding.WithGeminiModel(cfg.Model),
			embedding.WithGeminiDimensions(cfg.Dimension),
		)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}

	withBreaker := embedding.NewCircuitBreakerProvider(base, embedding.CircuitBreakerConfig{}, logger)
	var provider domain.EmbeddingProvider = withBreaker
	if cfg.RateLimit > 0 {
		provider = embedding.NewRateLimitedProvider(provider, cfg.RateLimit, cfg.RateBurst)
	}
	if cfg.CacheSize > 0 {
		provider = embedding.NewCachedEmbedder(provider, cfg.CacheSize)
	}
	return provider, nil
}

func buildDistiller(cfg config.EmbeddingConfig, logger *slog.Logger) domain.DistillationProvider {
	base := llm.NewAnthropicDistiller(cfg.APIKey, cfg.Model, logger)
	return llm.NewCircuitBreakerDistiller(base, llm.CircuitBreakerConfig{}, logger)
}
