package config

import (
	"fmt"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a
// *ValidationError when one or more problems are found, allowing callers to
// inspect all issues at once rather than failing fast on the first.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateStore(cfg, ve)
	validateEmbedding(cfg, ve)
	validateConsolidation(cfg, ve)
	validatePattern(cfg, ve)
	validateSearch(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateStore(cfg *Config, ve *ValidationError) {
	if strings.TrimSpace(cfg.Store.DataDir) == "" {
		ve.Add("store.data_dir must not be empty")
	}
}

func validateEmbedding(cfg *Config, ve *ValidationError) {
	switch cfg.Embedding.Provider {
	case "ollama", "openai", "gemini", "bedrock":
	default:
		ve.Add("embedding.provider %q is not a recognized provider", cfg.Embedding.Provider)
	}
	if cfg.Embedding.Dimension <= 0 {
		ve.Add("embedding.dimension must be positive")
	}
	if cfg.Embedding.Provider != "ollama" && cfg.Embedding.APIKey == "" {
		ve.Add("embedding.api_key is required for provider %q", cfg.Embedding.Provider)
	}
}

func validateConsolidation(cfg *Config, ve *ValidationError) {
	c := cfg.Consolidation
	if c.BatchSize <= 0 {
		ve.Add("consolidation.batch_size must be positive")
	}
	if c.MaxRetries < 0 {
		ve.Add("consolidation.max_retries must not be negative")
	}
	if c.MergeSimilarityThreshold < 0 || c.MergeSimilarityThreshold > 1 {
		ve.Add("consolidation.merge_similarity_threshold must be in [0,1]")
	}
	if c.Schedule == "" {
		ve.Add("consolidation.schedule must not be empty")
	}
}

func validatePattern(cfg *Config, ve *ValidationError) {
	p := cfg.Pattern
	if p.MinOccurrences < 2 {
		ve.Add("pattern.min_occurrences must be >= 2")
	}
	if p.Window <= 0 {
		ve.Add("pattern.window must be positive")
	}
	for name, v := range map[string]float64{
		"cluster_threshold":    p.ClusterThreshold,
		"confidence_threshold": p.ConfidenceThreshold,
		"promotion_threshold":  p.PromotionThreshold,
		"decay_rate":           p.DecayRate,
	} {
		if v < 0 || v > 1 {
			ve.Add("pattern.%s must be in [0,1]", name)
		}
	}
	if p.PromotionThreshold < p.ConfidenceThreshold {
		ve.Add("pattern.promotion_threshold must be >= pattern.confidence_threshold")
	}
}

func validateSearch(cfg *Config, ve *ValidationError) {
	s := cfg.Search
	switch s.Policy {
	case "weighted_sum", "reciprocal_rank":
	default:
		ve.Add("search.policy %q is not recognized", s.Policy)
	}
	if s.BM25Weight < 0 || s.VectorWeight < 0 {
		ve.Add("search weights must not be negative")
	}
	if s.DefaultLimit <= 0 {
		ve.Add("search.default_limit must be positive")
	}
}
