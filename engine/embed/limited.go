package embed

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/poolai/knowledge-engine/engine/domain"
	"github.com/poolai/knowledge-engine/pkg/resilience"
)

// Limited decorates a Provider with a token-bucket rate limit and a circuit
// breaker. Breaker trips surface as domain.ErrProviderUnavailable so callers
// see the same category as a missing credential: the provider cannot be used
// right now, and the result must not be mistaken for "nothing found".
type Limited struct {
	inner   Provider
	limiter *rate.Limiter
	breaker *resilience.Breaker
}

// LimitedOpts configures the decorator.
type LimitedOpts struct {
	// RequestsPerSecond is the sustained request rate; Burst is the bucket size.
	RequestsPerSecond float64
	Burst             int
	Breaker           resilience.BreakerOpts
}

// DefaultLimitedOpts suits hosted embedding APIs with per-minute quotas.
var DefaultLimitedOpts = LimitedOpts{
	RequestsPerSecond: 10,
	Burst:             20,
	Breaker:           resilience.DefaultBreakerOpts,
}

// NewLimited wraps a provider.
func NewLimited(inner Provider, opts LimitedOpts) *Limited {
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = DefaultLimitedOpts.RequestsPerSecond
	}
	if opts.Burst <= 0 {
		opts.Burst = DefaultLimitedOpts.Burst
	}
	return &Limited{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), opts.Burst),
		breaker: resilience.NewBreaker(opts.Breaker),
	}
}

// Embed implements Provider.
func (l *Limited) Embed(ctx context.Context, text string) ([]float32, error) {
	var vec []float32
	err := l.call(ctx, func(ctx context.Context) error {
		var err error
		vec, err = l.inner.Embed(ctx, text)
		return err
	})
	if err != nil {
		return nil, err
	}
	return vec, nil
}

// EmbedBatch implements Provider. One token covers the whole batch request.
func (l *Limited) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var vectors [][]float32
	err := l.call(ctx, func(ctx context.Context) error {
		var err error
		vectors, err = l.inner.EmbedBatch(ctx, texts)
		return err
	})
	if err != nil {
		return nil, err
	}
	return vectors, nil
}

func (l *Limited) call(ctx context.Context, f func(context.Context) error) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("embed: rate limit wait: %w", err)
	}
	err := l.breaker.Call(ctx, f)
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return fmt.Errorf("embed: %v: %w", err, domain.ErrProviderUnavailable)
	}
	return err
}
