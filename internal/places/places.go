// Package places answers free-form questions about a location by asking a
// chat-completion model, grounded with the location's coordinates.
package places

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/opentalon/atlas/internal/capability"
	"github.com/opentalon/atlas/internal/provider"
)

const CapabilityName = "get_place_details"

const systemPrompt = `You describe real places. The user's question concerns the location at the
given coordinates. Answer in a few sentences of plain text. If you do not know
the place, say so instead of inventing details.`

// Details is the result of a place-details lookup.
type Details struct {
	Query   string `json:"query"`
	Details string `json:"details"`
}

func (d Details) Fields() map[string]any {
	return map[string]any{"query": d.Query, "details": d.Details}
}

// Service answers place questions through an LLM provider.
type Service struct {
	llm       provider.Provider
	model     string
	maxTokens int
	logger    zerolog.Logger
}

type Option func(*Service)

func WithMaxTokens(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxTokens = n
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.logger = l.With().Str("component", "places").Logger() }
}

func New(llm provider.Provider, model string, opts ...Option) *Service {
	s := &Service{llm: llm, model: model, maxTokens: 512, logger: zerolog.Nop()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Describe answers query about the place at (lat, lng).
func (s *Service) Describe(ctx context.Context, query string, lat, lng float64) (Details, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return Details{}, capability.Errorf(capability.KindValidation, "query is empty")
	}

	resp, err := s.llm.Complete(ctx, &provider.CompletionRequest{
		Model: s.model,
		Messages: []provider.Message{
			{Role: provider.RoleSystem, Content: systemPrompt},
			{Role: provider.RoleUser, Content: fmt.Sprintf("Location: latitude %g, longitude %g\nQuestion: %s", lat, lng, query)},
		},
		MaxTokens:   s.maxTokens,
		Temperature: provider.Float(0),
	})
	if err != nil {
		return Details{}, classify(err)
	}

	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return Details{}, capability.Errorf(capability.KindDomain, "Failed to get place details: empty answer")
	}
	s.logger.Debug().
		Str("model", s.model).
		Int("input_tokens", resp.Usage.InputTokens).
		Int("output_tokens", resp.Usage.OutputTokens).
		Msg("place details answered")
	return Details{Query: query, Details: text}, nil
}

// classify maps provider failures onto the capability taxonomy. Retryable API
// statuses and network failures are transport; other API refusals are domain.
func classify(err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return &capability.Error{Kind: capability.KindCancelled, Message: "place details cancelled", Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &capability.Error{Kind: capability.KindTransport, Message: "place details timed out", Err: err}
	}
	var ae *provider.APIError
	if errors.As(err, &ae) && !provider.IsRetryable(err) {
		return &capability.Error{Kind: capability.KindDomain, Message: fmt.Sprintf("Failed to get place details: %s", ae.Message), Err: err}
	}
	return &capability.Error{Kind: capability.KindTransport, Message: fmt.Sprintf("Failed to get place details: %v", err), Err: err}
}

// The query is the user's whole question, so its limit is the longest turn
// text the server accepts.
type describeArgs struct {
	Query     string   `json:"query" validate:"required,max=4096"`
	Latitude  *float64 `json:"latitude" validate:"required,gte=-90,lte=90"`
	Longitude *float64 `json:"longitude" validate:"required,gte=-180,lte=180"`
}

// Definition exposes Describe as the place-details capability.
func (s *Service) Definition() capability.Definition {
	return capability.Definition{
		Descriptor: capability.Descriptor{
			Name:        CapabilityName,
			Description: "Answer a question about a place using its coordinates for grounding.",
			Parameters: []capability.Parameter{
				{Name: "query", Type: "string", Description: "What the user wants to know about the place", Required: true},
				{Name: "latitude", Type: "number", Description: "Latitude of the place", Required: true},
				{Name: "longitude", Type: "number", Description: "Longitude of the place", Required: true},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			var a describeArgs
			if err := capability.Bind(args, &a); err != nil {
				return nil, err
			}
			d, err := s.Describe(ctx, a.Query, *a.Latitude, *a.Longitude)
			if err != nil {
				return nil, err
			}
			return d.Fields(), nil
		},
	}
}
