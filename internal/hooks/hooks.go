// Package hooks provides the interception hooks the coordinator runs before
// reasoning and before each capability call.
package hooks

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/opentalon/atlas/internal/actor"
	"github.com/opentalon/atlas/internal/capability"
	"github.com/opentalon/atlas/internal/lua"
	"github.com/opentalon/atlas/internal/orchestrator"
)

// Audit logs every hook event and never changes anything.
type Audit struct {
	logger zerolog.Logger
}

func NewAudit(logger zerolog.Logger) *Audit {
	return &Audit{logger: logger.With().Str("component", "audit").Logger()}
}

func (a *Audit) Reasoning(ctx context.Context, in orchestrator.ReasoningInput) (orchestrator.ReasoningInput, *orchestrator.Override, error) {
	a.logger.Info().
		Str("stage", orchestrator.StageReasoning).
		Str("actor", actor.Actor(ctx)).
		Str("turn_id", in.State.TurnID).
		Str("session_id", in.State.SessionID).
		Str("text", in.Text).
		Msg("turn received")
	return in, nil, nil
}

func (a *Audit) Invocation(ctx context.Context, in orchestrator.InvocationInput) (orchestrator.InvocationInput, *capability.Response, error) {
	a.logger.Info().
		Str("stage", orchestrator.StageInvocation).
		Str("actor", actor.Actor(ctx)).
		Str("turn_id", in.State.TurnID).
		Str("capability", in.Capability).
		Int("step", len(in.State.Steps)).
		Fields(map[string]any{"arguments": in.Arguments}).
		Msg("capability call")
	return in, nil, nil
}

// DenyList vetoes calls to the named capabilities.
type DenyList struct {
	names map[string]bool
}

func NewDenyList(names []string) *DenyList {
	d := &DenyList{names: make(map[string]bool, len(names))}
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			d.names[n] = true
		}
	}
	return d
}

func (d *DenyList) Len() int { return len(d.names) }

func (d *DenyList) Invocation(_ context.Context, in orchestrator.InvocationInput) (orchestrator.InvocationInput, *capability.Response, error) {
	if !d.names[in.Capability] {
		return in, nil, nil
	}
	resp := capability.Failure(capability.KindValidation, fmt.Sprintf("%s is disabled on this server", in.Capability))
	return in, &resp, nil
}

// Script adapts a Lua hook script. A script defining only one of prepare
// and before_invoke contributes only that hook.
type Script struct {
	script *lua.Script
}

func NewScript(s *lua.Script) *Script { return &Script{script: s} }

// LoadScript compiles the Lua file at path.
func LoadScript(path string) (*Script, error) {
	s, err := lua.Load(path)
	if err != nil {
		return nil, err
	}
	return NewScript(s), nil
}

func (s *Script) Path() string { return s.script.Path() }

func (s *Script) HasReasoning() bool  { return s.script.Has(lua.FuncPrepare) }
func (s *Script) HasInvocation() bool { return s.script.Has(lua.FuncBeforeInvoke) }

func (s *Script) Reasoning(ctx context.Context, in orchestrator.ReasoningInput) (orchestrator.ReasoningInput, *orchestrator.Override, error) {
	res, err := s.script.Prepare(ctx, in.Text)
	if err != nil {
		return in, nil, fmt.Errorf("%s: %w", s.Path(), err)
	}
	if !res.Continue {
		return in, &orchestrator.Override{Message: res.Message}, nil
	}
	in.Text = res.Text
	return in, nil, nil
}

func (s *Script) Invocation(ctx context.Context, in orchestrator.InvocationInput) (orchestrator.InvocationInput, *capability.Response, error) {
	d, err := s.script.BeforeInvoke(ctx, in.Capability, in.Arguments)
	if err != nil {
		return in, nil, fmt.Errorf("%s: %w", s.Path(), err)
	}
	if d == nil {
		return in, nil, nil
	}
	if d.Veto {
		var resp capability.Response
		if d.Status == string(capability.StatusSuccess) {
			resp = capability.Success(d.Result)
		} else {
			resp = capability.Failure(capability.KindValidation, d.Message)
		}
		return in, &resp, nil
	}
	in.Arguments = d.Args
	return in, nil, nil
}

// Set is the hooks a coordinator should run, in order.
type Set struct {
	Reasoning  []orchestrator.ReasoningHook
	Invocation []orchestrator.InvocationHook
}

// Options returns the coordinator options installing s.
func (s Set) Options() []orchestrator.Option {
	return []orchestrator.Option{
		orchestrator.WithReasoningHooks(s.Reasoning...),
		orchestrator.WithInvocationHooks(s.Invocation...),
	}
}

// Config selects which hooks Build installs.
type Config struct {
	Audit   bool
	Deny    []string
	Scripts []string
}

// Build loads the configured hooks. Audit runs first, then the deny list,
// then scripts in the order given.
func Build(cfg Config, logger zerolog.Logger) (Set, error) {
	var set Set
	if cfg.Audit {
		a := NewAudit(logger)
		set.Reasoning = append(set.Reasoning, a.Reasoning)
		set.Invocation = append(set.Invocation, a.Invocation)
	}
	if d := NewDenyList(cfg.Deny); d.Len() > 0 {
		set.Invocation = append(set.Invocation, d.Invocation)
	}
	for _, path := range cfg.Scripts {
		s, err := LoadScript(path)
		if err != nil {
			return Set{}, fmt.Errorf("loading hook script: %w", err)
		}
		if s.HasReasoning() {
			set.Reasoning = append(set.Reasoning, s.Reasoning)
		}
		if s.HasInvocation() {
			set.Invocation = append(set.Invocation, s.Invocation)
		}
		logger.Info().Str("path", path).Bool("prepare", s.HasReasoning()).Bool("before_invoke", s.HasInvocation()).Msg("hook script loaded")
	}
	return set, nil
}
