package embedding

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"memsub/internal/domain"
)

// Default circuit breaker settings, matching the conservative defaults
// used elsewhere in this lineage for outbound provider calls.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// CircuitBreakerConfig configures the circuit breaker behavior.
type CircuitBreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// CircuitBreakerProvider wraps a domain.EmbeddingProvider with circuit
// breaker protection. When the wrapped provider fails repeatedly, the
// circuit opens and subsequent calls fail fast with
// MEMORY_PROVIDER_UNAVAILABLE rather than reaching the provider.
type CircuitBreakerProvider struct {
	inner   domain.EmbeddingProvider
	breaker *gobreaker.CircuitBreaker[[][]float32]
	logger  *slog.Logger
}

// NewCircuitBreakerProvider wraps inner with a circuit breaker. A zero cfg
// uses sensible defaults.
func NewCircuitBreakerProvider(inner domain.EmbeddingProvider, cfg CircuitBreakerConfig, logger *slog.Logger) *CircuitBreakerProvider {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}

	name := inner.Name()
	cb := gobreaker.NewCircuitBreaker[[][]float32](gobreaker.Settings{
		Name:        "embedding:" + name,
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("embedding circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	})

	return &CircuitBreakerProvider{inner: inner, breaker: cb, logger: logger}
}

// Embed implements domain.EmbeddingProvider, routed through the breaker.
func (p *CircuitBreakerProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vecs, err := p.breaker.Execute(func() ([][]float32, error) {
		return p.inner.Embed(ctx, texts)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, domain.NewDomainError("CircuitBreakerProvider.Embed", domain.ErrProviderUnavailable,
				fmt.Sprintf("provider %q circuit open", p.inner.Name()))
		}
		return nil, err
	}
	return vecs, nil
}

func (p *CircuitBreakerProvider) Dimension() int   { return p.inner.Dimension() }
func (p *CircuitBreakerProvider) Model() string    { return p.inner.Model() }
func (p *CircuitBreakerProvider) Name() string     { return p.inner.Name() }
func (p *CircuitBreakerProvider) IsAvailable() bool {
	return p.breaker.State() != gobreaker.StateOpen && p.inner.IsAvailable()
}

// State returns the current circuit breaker state for monitoring.
func (p *CircuitBreakerProvider) State() gobreaker.State { return p.breaker.State() }

// Compile-time interface check.
var _ domain.EmbeddingProvider = (*CircuitBreakerProvider)(nil)
