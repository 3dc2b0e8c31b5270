package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"memsub/internal/domain"
)

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

// CircuitBreakerDistiller wraps a domain.DistillationProvider so that
// repeated failures open the circuit and fail fast instead of hammering
// an unhealthy LLM backend during consolidation.
type CircuitBreakerDistiller struct {
	inner   domain.DistillationProvider
	breaker *gobreaker.CircuitBreaker[[]domain.DraftMemory]
}

// NewCircuitBreakerDistiller wraps inner with a circuit breaker. A zero cfg
// uses sensible defaults.
func NewCircuitBreakerDistiller(inner domain.DistillationProvider, cfg CircuitBreakerConfig, logger *slog.Logger) *CircuitBreakerDistiller {
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

	cb := gobreaker.NewCircuitBreaker[[]domain.DraftMemory](gobreaker.Settings{
		Name:        "distillation",
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("distillation circuit breaker state change",
				"breaker", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool { return err == nil },
	})

	return &CircuitBreakerDistiller{inner: inner, breaker: cb}
}

// Distill implements domain.DistillationProvider, routed through the breaker.
func (d *CircuitBreakerDistiller) Distill(ctx context.Context, candidates []domain.MemoryRecord) ([]domain.DraftMemory, error) {
	drafts, err := d.breaker.Execute(func() ([]domain.DraftMemory, error) {
		return d.inner.Distill(ctx, candidates)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, domain.NewDomainError("CircuitBreakerDistiller.Distill", domain.ErrProviderUnavailable,
				fmt.Sprintf("distillation circuit open: %v", err))
		}
		return nil, err
	}
	return drafts, nil
}

// IsAvailable implements domain.DistillationProvider.
func (d *CircuitBreakerDistiller) IsAvailable() bool {
	return d.breaker.State() != gobreaker.StateOpen && d.inner.IsAvailable()
}

// State returns the current circuit breaker state for monitoring.
func (d *CircuitBreakerDistiller) State() gobreaker.State { return d.breaker.State() }

// Compile-time interface check.
var _ domain.DistillationProvider = (*CircuitBreakerDistiller)(nil)
