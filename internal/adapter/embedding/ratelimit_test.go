package embedding

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimitedProviderPassesThrough(t *testing.T) {
	inner := &mockEmbedder{
		name:      "rl",
		available: true,
		embedFunc: func(_ context.Context, texts []string) ([][]float32, error) {
			return [][]float32{{1, 2}}, nil
		},
	}

	p := NewRateLimitedProvider(inner, 1000, 10)
	out, err := p.Embed(context.Background(), []string{"x"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 2}}, out)
}

func TestRateLimitedProviderThrottles(t *testing.T) {
	calls := 0
	inner := &mockEmbedder{
		name:      "rl-slow",
		available: true,
		embedFunc: func(_ context.Context, _ []string) ([][]float32, error) {
			calls++
			return nil, nil
		},
	}

	// 2 tokens/sec, burst 1: the second call should wait roughly 500ms.
	p := NewRateLimitedProvider(inner, 2, 1)
	ctx := context.Background()

	start := time.Now()
	_, err := p.Embed(ctx, []string{"a"})
	require.NoError(t, err)
	_, err = p.Embed(ctx, []string{"b"})
	require.NoError(t, err)
	elapsed := time.Since(start)

	assert.Equal(t, 2, calls)
	assert.GreaterOrEqual(t, elapsed, 400*time.Millisecond)
}

func TestRateLimitedProviderRespectsContextCancellation(t *testing.T) {
	inner := &mockEmbedder{name: "rl-ctx", available: true}
	p := NewRateLimitedProvider(inner, 0.001, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	// First call consumes the single burst token immediately.
	_, err := p.Embed(context.Background(), []string{"a"})
	require.NoError(t, err)

	// Second call should block past the context deadline and fail.
	_, err = p.Embed(ctx, []string{"b"})
	require.Error(t, err)
}

func TestRateLimitedProviderDelegatesMetadata(t *testing.T) {
	inner := &mockEmbedder{name: "rl-meta", dims: 128, available: true}
	p := NewRateLimitedProvider(inner, 10, 1)

	assert.Equal(t, 128, p.Dimension())
	assert.Equal(t, "mock-model", p.Model())
	assert.Equal(t, "rl-meta", p.Name())
	assert.True(t, p.IsAvailable())
}
