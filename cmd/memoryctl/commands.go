package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"memsub/internal/domain"
	"memsub/internal/reindex"
	"memsub/internal/search"
	"memsub/internal/service"
)

func runRemember(ctx context.Context, svc *service.Service, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: memoryctl remember TEXT [--type TYPE] [--tags a,b,c]")
	}
	content := args[0]
	typ := typeOrDefault(flagValue(args, "--type", ""), domain.TypeFact)
	var tags []string
	if raw := flagValue(args, "--tags", ""); raw != "" {
		tags = strings.Split(raw, ",")
	}

	rec, err := svc.RememberExplicit(ctx, content, typ, tags, nil)
	if err != nil {
		return err
	}
	fmt.Printf("remembered %s (%s)\n", rec.ID, rec.Type)
	return nil
}

func runSearch(ctx context.Context, svc *service.Service, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: memoryctl search QUERY [--limit N] [--layer stm|ltm]")
	}
	query := args[0]
	limit := 10
	if raw := flagValue(args, "--limit", ""); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}

	results, err := svc.Search(ctx, query, search.HybridOptions{
		SearchOptions: search.SearchOptions{
			Layer: layerOrDefault(flagValue(args, "--layer", "")),
			Limit: limit,
		},
	})
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Println("no results")
		return nil
	}
	for _, r := range results {
		fmt.Printf("%.3f  %s  [%s/%s]  %s\n", r.Score, r.MemoryID, r.Layer, r.Type, truncate(r.Content, 80))
	}
	return nil
}

func runList(ctx context.Context, svc *service.Service, args []string) error {
	filters := domain.ListFilters{
		Type:  domain.MemoryType(flagValue(args, "--type", "")),
		Layer: layerOrDefault(flagValue(args, "--layer", "")),
	}
	records, err := svc.List(ctx, filters)
	if err != nil {
		return err
	}
	for _, r := range records {
		fmt.Printf("%s  [%s/%s]  %s\n", r.ID, r.Layer, r.Type, truncate(r.Content, 80))
	}
	fmt.Printf("%d records\n", len(records))
	return nil
}

func runDelete(ctx context.Context, svc *service.Service, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: memoryctl delete ID")
	}
	if err := svc.Delete(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("deleted %s\n", args[0])
	return nil
}

func runConsolidate(ctx context.Context, svc *service.Service) error {
	result, err := svc.ConsolidateNow(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("selected=%d distilled=%d merged=%d created=%d errors=%d\n",
		result.CandidatesSelected, result.FactsDistilled, result.Merged, result.Created, len(result.Errors))
	for _, e := range result.Errors {
		fmt.Println("  error:", e)
	}
	return nil
}

func runReindex(ctx context.Context, svc *service.Service, args []string) error {
	oldProvider := flagValue(args, "--old-provider", "")
	oldModel := flagValue(args, "--old-model", "")
	if oldProvider == "" || oldModel == "" {
		return fmt.Errorf("usage: memoryctl reindex --old-provider NAME --old-model NAME")
	}

	result, err := svc.Reindex(ctx, oldProvider, oldModel, func(p reindex.Progress) {
		fmt.Printf("\r%s: %d/%d", p.Phase, p.Processed, p.TotalRecords)
	})
	fmt.Println()
	if err != nil {
		return err
	}
	fmt.Printf("processed=%d failed=%d validated=%v\n", result.Processed, result.Failed, result.ValidationRan)
	return nil
}

func runIngest(ctx context.Context, svc *service.Service) error {
	report, err := svc.Ingest(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("processed=%d quarantined=%d\n", report.Processed, report.Quarantined)
	for _, e := range report.Errors {
		fmt.Println("  error:", e)
	}
	return nil
}

func runHealth(ctx context.Context, svc *service.Service) error {
	report, err := svc.HealthCheck(ctx)
	if err != nil {
		return err
	}
	status := "ok"
	if !report.DBOK {
		status = "degraded"
	}
	fmt.Printf("status=%s db=%v embedding_provider_available=%v\n", status, report.DBOK, report.EmbeddingProviderAvailable)
	if report.Detail != "" {
		fmt.Println("detail:", report.Detail)
	}
	return nil
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
