package router

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/opentalon/atlas/internal/capability"
	"github.com/opentalon/atlas/internal/provider"
)

var ErrNoDecision = errors.New("model returned neither an answer nor a tool call")

// LLM asks a chat model which capability to target.
type LLM struct {
	provider  provider.Provider
	model     string
	rules     *RulesConfig
	maxTokens int
	logger    zerolog.Logger
}

type LLMOption func(*LLM)

func WithRules(rc *RulesConfig) LLMOption {
	return func(l *LLM) {
		if rc != nil {
			l.rules = rc
		}
	}
}

func WithLLMLogger(logger zerolog.Logger) LLMOption {
	return func(l *LLM) { l.logger = logger.With().Str("component", "reasoner.llm").Logger() }
}

func NewLLM(p provider.Provider, model string, opts ...LLMOption) *LLM {
	l := &LLM{
		provider:  p,
		model:     model,
		rules:     DefaultRulesConfig(),
		maxTokens: 400,
		logger:    zerolog.Nop(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *LLM) Name() string { return "llm" }

func (l *LLM) Plan(ctx context.Context, in Input) (Plan, error) {
	resp, err := l.provider.Complete(ctx, &provider.CompletionRequest{
		Model: l.model,
		Messages: []provider.Message{
			{Role: provider.RoleSystem, Content: l.systemPrompt(in.Capabilities)},
			{Role: provider.RoleUser, Content: in.Text},
		},
		MaxTokens:   l.maxTokens,
		Temperature: provider.Float(0),
	})
	if err != nil {
		return Plan{}, fmt.Errorf("reasoning completion: %w", err)
	}

	calls := ParseToolCalls(resp.Content)
	if len(calls) == 0 {
		answer := strings.TrimSpace(resp.Content)
		if answer == "" {
			return Plan{}, ErrNoDecision
		}
		return Plan{Intent: IntentAnswer, Answer: answer, Source: l.Name()}, nil
	}
	if len(calls) > 1 {
		l.logger.Debug().Int("calls", len(calls)).Msg("using first tool call, ignoring the rest")
	}
	return l.planFromCall(calls[0], in.Text)
}

func (l *LLM) planFromCall(call ToolCall, text string) (Plan, error) {
	intent, ok := ToolIntents[call.Tool]
	if !ok {
		return Plan{}, fmt.Errorf("model targeted unknown capability %q", call.Tool)
	}
	place := stringArg(call.Args, "place_name", "place", "location")
	if place == "" {
		return Plan{}, fmt.Errorf("model call to %s has no place", call.Tool)
	}
	p := Plan{Intent: intent, Place: place, Source: l.Name()}
	if intent == IntentPlaceDetails {
		p.Query = stringArg(call.Args, "query")
		if p.Query == "" {
			p.Query = text
		}
	}
	return p, nil
}

func (l *LLM) systemPrompt(caps []capability.Descriptor) string {
	var sb strings.Builder
	sb.WriteString("You route requests about places and weather.\n\n")
	sb.WriteString("## TOOLS\n")
	for _, d := range caps {
		fmt.Fprintf(&sb, "- %s: %s\n", d.Name, d.Description)
		for _, p := range d.Parameters {
			req := ""
			if p.Required {
				req = ", required"
			}
			fmt.Fprintf(&sb, "    - %s (%s%s): %s\n", p.Name, p.Type, req, p.Description)
		}
	}
	sb.WriteString("\n")
	sb.WriteString(l.rules.BuildPromptSection())
	sb.WriteString("## FORMAT\n")
	sb.WriteString("To use a tool reply with exactly one block:\n")
	sb.WriteString(`[tool_call]{"tool": "get_weather", "args": {"place_name": "Paris"}}[/tool_call]`)
	sb.WriteString("\n")
	return sb.String()
}
