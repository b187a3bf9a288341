package router

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// Chain tries reasoners in order and returns the first plan produced.
type Chain struct {
	reasoners []Reasoner
	logger    zerolog.Logger
}

func NewChain(logger zerolog.Logger, reasoners ...Reasoner) *Chain {
	return &Chain{reasoners: reasoners, logger: logger.With().Str("component", "reasoner").Logger()}
}

func (c *Chain) Name() string {
	names := make([]string, len(c.reasoners))
	for i, r := range c.reasoners {
		names[i] = r.Name()
	}
	return strings.Join(names, ">")
}

func (c *Chain) Plan(ctx context.Context, in Input) (Plan, error) {
	var errs []error
	for _, r := range c.reasoners {
		p, err := r.Plan(ctx, in)
		if err == nil {
			return p, nil
		}
		if ctx.Err() != nil {
			return Plan{}, ctx.Err()
		}
		c.logger.Warn().Err(err).Str("reasoner", r.Name()).Msg("reasoner failed, trying next")
		errs = append(errs, fmt.Errorf("%s: %w", r.Name(), err))
	}
	if len(errs) == 0 {
		return Plan{}, errors.New("no reasoners configured")
	}
	return Plan{}, errors.Join(errs...)
}
