package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	providertypes "agentflow/pkg/provider/types"
)

const (
	defaultBreakerFailures uint32 = 5
	defaultBreakerTimeout         = 30 * time.Second
	defaultBreakerInterval        = time.Minute
)

// ErrCircuitOpen wraps requests rejected without reaching the provider.
var ErrCircuitOpen = errors.New("provider circuit open")

type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures that opens the circuit.
	MaxFailures uint32
	// Timeout is how long the circuit stays open before a probe is allowed.
	Timeout time.Duration
	// Interval clears failure counts while closed.
	Interval time.Duration
}

// Breaker fails fast once the wrapped provider keeps failing, so agents
// retrying through Env.Retry do not pile onto a dead backend.
type Breaker struct {
	inner   Client
	breaker *gobreaker.CircuitBreaker[providertypes.PromptResult]
}

func NewBreaker(inner Client, cfg BreakerConfig, log *slog.Logger) *Breaker {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultBreakerFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultBreakerTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultBreakerInterval
	}
	if log == nil {
		log = slog.Default()
	}

	cb := gobreaker.NewCircuitBreaker[providertypes.PromptResult](gobreaker.Settings{
		Name:        "provider:" + inner.Name(),
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("Provider circuit changed state", "breaker", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			// A caller giving up is not the provider's fault.
			return err == nil || errors.Is(err, context.Canceled)
		},
	})

	return &Breaker{inner: inner, breaker: cb}
}

func (b *Breaker) Name() string {
	return b.inner.Name()
}

func (b *Breaker) Health(ctx context.Context) error {
	return b.inner.Health(ctx)
}

func (b *Breaker) Complete(ctx context.Context, req providertypes.Request) (providertypes.PromptResult, error) {
	result, err := b.breaker.Execute(func() (providertypes.PromptResult, error) {
		return b.inner.Complete(ctx, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return providertypes.PromptResult{}, fmt.Errorf("%w: %s: %w", ErrCircuitOpen, b.inner.Name(), err)
	}
	return result, err
}

func (b *Breaker) State() gobreaker.State {
	return b.breaker.State()
}
