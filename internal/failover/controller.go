// Package failover wraps several LLM models behind one provider.Provider,
// moving to the next model when one is rate limited, rejects credentials or
// is unreachable.
package failover

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/opentalon/atlas/internal/provider"
)

type target struct {
	ref      provider.ModelRef
	provider provider.Provider
}

// Controller is a provider.Provider that tries its targets in order. The
// request's Model is replaced by each target's model.
type Controller struct {
	id        string
	targets   []target
	cooldowns *CooldownTracker

	mu    sync.Mutex
	state map[string]*cooldown // keyed by provider ID

	now    func() time.Time
	logger zerolog.Logger
}

type Option func(*Controller)

func WithCooldowns(cfg CooldownConfig) Option {
	return func(c *Controller) { c.cooldowns = NewCooldownTracker(cfg) }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Controller) { c.logger = l.With().Str("component", "failover").Logger() }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// NewController resolves primary and fallbacks against reg. Duplicate refs
// are tried once.
func NewController(reg *provider.Registry, primary provider.ModelRef, fallbacks []provider.ModelRef, opts ...Option) (*Controller, error) {
	c := &Controller{
		id:        "failover:" + string(primary),
		cooldowns: NewCooldownTracker(DefaultCooldownConfig()),
		state:     make(map[string]*cooldown),
		now:       time.Now,
		logger:    zerolog.Nop(),
	}
	seen := map[provider.ModelRef]bool{}
	for _, ref := range append([]provider.ModelRef{primary}, fallbacks...) {
		if seen[ref] {
			continue
		}
		seen[ref] = true
		p, model, err := reg.Resolve(string(ref))
		if err != nil {
			return nil, fmt.Errorf("failover target %s: %w", ref, err)
		}
		c.targets = append(c.targets, target{ref: provider.NewModelRef(p.ID(), model), provider: p})
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

func (c *Controller) ID() string { return c.id }

// Targets returns the model refs in the order they are tried.
func (c *Controller) Targets() []provider.ModelRef {
	refs := make([]provider.ModelRef, len(c.targets))
	for i, t := range c.targets {
		refs[i] = t.ref
	}
	return refs
}

func (c *Controller) Complete(ctx context.Context, req *provider.CompletionRequest) (*provider.CompletionResponse, error) {
	exhausted := &AllExhaustedError{}
	for _, t := range c.targets {
		if c.coolingDown(t.provider.ID()) {
			exhausted.Skipped = append(exhausted.Skipped, string(t.ref))
			continue
		}
		exhausted.Attempted = append(exhausted.Attempted, string(t.ref))

		attempt := *req
		attempt.Model = t.ref.Model()
		resp, err := t.provider.Complete(ctx, &attempt)
		if err == nil {
			c.succeeded(t.provider.ID())
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		exhausted.Last = err

		if provider.IsRateLimitError(err) || provider.IsAuthError(err) {
			d := c.failed(t.provider.ID())
			c.logger.Warn().Err(err).Str("model", string(t.ref)).Dur("cooldown", d).Msg("model cooling down")
			continue
		}
		var apiErr *provider.APIError
		if errors.As(err, &apiErr) && !provider.IsRetryable(err) {
			return nil, err
		}
		c.logger.Warn().Err(err).Str("model", string(t.ref)).Msg("model failed, trying next")
	}
	return nil, exhausted
}

func (c *Controller) coolingDown(providerID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.state[providerID]
	return ok && s.active(c.now())
}

func (c *Controller) failed(providerID string) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.state[providerID]
	if !ok {
		s = &cooldown{}
		c.state[providerID] = s
	}
	return c.cooldowns.put(s, c.now())
}

func (c *Controller) succeeded(providerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.state[providerID]; ok {
		c.cooldowns.reset(s)
	}
}
