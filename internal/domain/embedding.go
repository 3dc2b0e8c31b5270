package domain

import (
	"context"
	"time"
)

// EmbeddingProvider is the capability set required of an embedding backend.
// Concrete providers (Ollama, OpenAI-compatible, Gemini) implement
// this; test doubles implement the same small interface.
type EmbeddingProvider interface {
	// Embed generates one vector per input text, in order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Dimension returns the dimensionality of the provider's vectors.
	Dimension() int
	// Model returns the model identifier in use (e.g. "nomic-embed-text").
	Model() string
	// Name returns the provider's identifier (e.g. "ollama", "gemini").
	Name() string
	// IsAvailable reports whether the provider is currently usable.
	IsAvailable() bool
}

// DraftMemory is one fact extracted by a DistillationProvider from a batch
// of STM candidates.
type DraftMemory struct {
	Content    string
	Type       MemoryType
	Importance float64
	Confidence float64
	Tags       []string
	Entities   []string
}

// DistillationProvider turns raw STM content into structured draft
// memories during consolidation.
type DistillationProvider interface {
	Distill(ctx context.Context, candidates []MemoryRecord) ([]DraftMemory, error)
	IsAvailable() bool
}

// Clock is an injected source of time, so tests can control it deterministically.
type Clock interface {
	Now() time.Time
}

// SystemClock is the default Clock backed by time.Now.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
