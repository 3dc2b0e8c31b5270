package embedding

import (
	"context"

	"golang.org/x/time/rate"

	"memsub/internal/domain"
)

// RateLimitedProvider wraps a domain.EmbeddingProvider with a token-bucket
// limiter on outbound calls, complementing the circuit breaker: the breaker
// reacts to failures already in flight, the limiter keeps the call rate
// under a provider's quota in the first place.
type RateLimitedProvider struct {
	inner   domain.EmbeddingProvider
	limiter *rate.Limiter
}

// NewRateLimitedProvider wraps inner with a limiter allowing ratePerSecond
// calls/sec, bursting up to burst.
func NewRateLimitedProvider(inner domain.EmbeddingProvider, ratePerSecond float64, burst int) *RateLimitedProvider {
	if burst < 1 {
		burst = 1
	}
	return &RateLimitedProvider{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(ratePerSecond), burst),
	}
}

// Embed implements domain.EmbeddingProvider, blocking until a token is
// available or ctx is cancelled.
func (p *RateLimitedProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, domain.NewDomainError("RateLimitedProvider.Embed", domain.ErrProviderUnavailable, err.Error())
	}
	return p.inner.Embed(ctx, texts)
}

func (p *RateLimitedProvider) Dimension() int    { return p.inner.Dimension() }
func (p *RateLimitedProvider) Model() string     { return p.inner.Model() }
func (p *RateLimitedProvider) Name() string      { return p.inner.Name() }
func (p *RateLimitedProvider) IsAvailable() bool { return p.inner.IsAvailable() }

// Compile-time interface check.
var _ domain.EmbeddingProvider = (*RateLimitedProvider)(nil)
