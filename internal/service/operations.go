package service

import (
	"context"

	"memsub/internal/domain"
	"memsub/internal/infra/tracer"
	"memsub/internal/ingest"
	"memsub/internal/reindex"
	"memsub/internal/search"
)

// RememberExplicit stores a record the user (or an explicit tool call)
// asked to be remembered. It is always written straight to LTM.
func (s *Service) RememberExplicit(ctx context.Context, content string, typ domain.MemoryType, tags, entities []string) (domain.MemoryRecord, error) {
	if err := s.checkReady("service.RememberExplicit"); err != nil {
		return domain.MemoryRecord{}, err
	}
	ctx, span := tracer.StartSpan(ctx, "service.RememberExplicit")
	defer span.End()

	rec, err := s.repo.Create(ctx, domain.MemoryRecord{
		Content:    content,
		Type:       typ,
		Layer:      domain.LayerLTM,
		Importance: 0.6,
		Confidence: 1.0,
		Tags:       tags,
		Entities:   entities,
		Source:     domain.Provenance{SourceType: domain.SourceExplicit},
	})
	if err != nil {
		tracer.RecordError(span, err)
		return domain.MemoryRecord{}, err
	}
	tracer.SetOK(span)
	return rec, nil
}

// RememberImplicit stores a record inferred from conversation (not an
// explicit user instruction). It always lands in STM, pending
// consolidation.
func (s *Service) RememberImplicit(ctx context.Context, content string, typ domain.MemoryType, conversationID, messageID string) (domain.MemoryRecord, error) {
	if err := s.checkReady("service.RememberImplicit"); err != nil {
		return domain.MemoryRecord{}, err
	}
	ctx, span := tracer.StartSpan(ctx, "service.RememberImplicit")
	defer span.End()

	rec, err := s.repo.Create(ctx, domain.MemoryRecord{
		Content:    content,
		Type:       typ,
		Layer:      domain.LayerSTM,
		Importance: 0.4,
		Confidence: 0.6,
		Source: domain.Provenance{
			SourceType:     domain.SourceImplicit,
			ConversationID: conversationID,
			MessageID:      messageID,
		},
	})
	if err != nil {
		tracer.RecordError(span, err)
		return domain.MemoryRecord{}, err
	}
	tracer.SetOK(span)
	return rec, nil
}

// Update rewrites an existing record.
func (s *Service) Update(ctx context.Context, rec domain.MemoryRecord) (domain.MemoryRecord, error) {
	if err := s.checkReady("service.Update"); err != nil {
		return domain.MemoryRecord{}, err
	}
	ctx, span := tracer.StartSpan(ctx, "service.Update")
	defer span.End()
	span.SetAttributes(tracer.StringAttr("memory.id", rec.ID))

	updated, err := s.repo.Update(ctx, rec)
	if err != nil {
		tracer.RecordError(span, err)
		return domain.MemoryRecord{}, err
	}
	s.vector.InvalidateCache(s.embed.Name(), s.embed.Model())
	tracer.SetOK(span)
	return updated, nil
}

// Delete removes a record by ID.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.checkReady("service.Delete"); err != nil {
		return err
	}
	ctx, span := tracer.StartSpan(ctx, "service.Delete")
	defer span.End()
	span.SetAttributes(tracer.StringAttr("memory.id", id))

	if err := s.repo.Delete(ctx, id); err != nil {
		tracer.RecordError(span, err)
		return err
	}
	s.vector.InvalidateCache(s.embed.Name(), s.embed.Model())
	tracer.SetOK(span)
	return nil
}

// Search runs a hybrid BM25+vector query.
func (s *Service) Search(ctx context.Context, query string, opts search.HybridOptions) ([]search.HybridResult, error) {
	if err := s.checkReady("service.Search"); err != nil {
		return nil, err
	}
	ctx, span := tracer.StartSpan(ctx, "service.Search")
	defer span.End()
	span.SetAttributes(tracer.StringAttr("query", query))

	results, err := s.hybrid.Search(ctx, query, opts)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	tracer.SetOK(span)
	return results, nil
}

// List returns records matching filters.
func (s *Service) List(ctx context.Context, filters domain.ListFilters) ([]domain.MemoryRecord, error) {
	if err := s.checkReady("service.List"); err != nil {
		return nil, err
	}
	return s.repo.List(ctx, filters)
}

// FindByType is a convenience List call filtered to one memory type.
func (s *Service) FindByType(ctx context.Context, typ domain.MemoryType) ([]domain.MemoryRecord, error) {
	return s.List(ctx, domain.ListFilters{Type: typ})
}

// FindByLayer is a convenience List call filtered to one memory layer.
func (s *Service) FindByLayer(ctx context.Context, layer domain.MemoryLayer) ([]domain.MemoryRecord, error) {
	return s.List(ctx, domain.ListFilters{Layer: layer})
}

// ConsolidateNow runs one consolidation pass immediately, outside the
// scheduler, and then runs the pattern detector over the consolidated
// LTM so newly-written facts are eligible for clustering right away.
func (s *Service) ConsolidateNow(ctx context.Context) (domain.ConsolidationResult, error) {
	if err := s.checkReady("service.ConsolidateNow"); err != nil {
		return domain.ConsolidationResult{}, err
	}
	ctx, span := tracer.StartSpan(ctx, "service.ConsolidateNow")
	defer span.End()

	result, err := s.pipeline.Run(ctx)
	if err != nil {
		tracer.RecordError(span, err)
		return result, err
	}

	ltm, err := s.repo.List(ctx, domain.ListFilters{Layer: domain.LayerLTM})
	if err == nil {
		if _, patErr := s.patterns.Detect(ctx, ltm); patErr != nil {
			s.logger.Warn("pattern detection after consolidation failed", "error", patErr)
		}
	}

	tracer.SetOK(span)
	return result, nil
}

// DecayPatterns runs the pattern detector's decay pass.
func (s *Service) DecayPatterns(ctx context.Context) error {
	if err := s.checkReady("service.DecayPatterns"); err != nil {
		return err
	}
	return s.patterns.DecayPatterns(ctx)
}

// Reindex re-embeds every record in the repository with the service's
// configured embedding provider and deletes each record's (oldProvider,
// oldModel) embedding row.
func (s *Service) Reindex(ctx context.Context, oldProvider, oldModel string, onProgress func(reindex.Progress)) (reindex.Result, error) {
	if err := s.checkReady("service.Reindex"); err != nil {
		return reindex.Result{}, err
	}
	ctx, span := tracer.StartSpan(ctx, "service.Reindex")
	defer span.End()

	result, err := s.reindexer.Run(ctx, oldProvider, oldModel, onProgress)
	if err != nil {
		tracer.RecordError(span, err)
		return result, err
	}
	tracer.SetOK(span)
	return result, nil
}

// Reconcile checks the relational index against the Markdown files on
// disk and reports any drift.
func (s *Service) Reconcile(ctx context.Context) (domain.ReconcileReport, error) {
	if err := s.checkReady("service.Reconcile"); err != nil {
		return domain.ReconcileReport{}, err
	}
	ctx, span := tracer.StartSpan(ctx, "service.Reconcile")
	defer span.End()

	report, err := s.repo.Reconcile(ctx)
	if err != nil {
		tracer.RecordError(span, err)
		return report, err
	}
	tracer.SetOK(span)
	return report, nil
}

// Ingest scans the configured watch directory for Markdown memory files
// and loads each into the repository, quarantining anything malformed.
func (s *Service) Ingest(ctx context.Context) (ingest.Report, error) {
	if err := s.checkReady("service.Ingest"); err != nil {
		return ingest.Report{}, err
	}
	ctx, span := tracer.StartSpan(ctx, "service.Ingest")
	defer span.End()

	report, err := s.ingestor.ScanDirectory(ctx)
	if err != nil {
		tracer.RecordError(span, err)
		return report, err
	}
	tracer.SetOK(span)
	return report, nil
}
