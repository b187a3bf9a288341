package orchestrator

import (
	"context"
	"fmt"
	"maps"

	"github.com/opentalon/atlas/internal/capability"
)

const (
	StageReasoning  = "pre_reasoning"
	StageInvocation = "pre_invocation"
)

// ReasoningInput is what a pre-reasoning hook sees. Only Text may be
// changed; State is a copy.
type ReasoningInput struct {
	State Snapshot
	Text  string
}

// Override ends a turn before reasoning with Message as the response.
type Override struct {
	Message string
	// Failed marks the turn failed with Kind instead of completed.
	Failed bool
	Kind   capability.ErrorKind
}

// ReasoningHook runs before intent selection.
type ReasoningHook func(ctx context.Context, in ReasoningInput) (ReasoningInput, *Override, error)

// InvocationInput is what a pre-invocation hook sees. Only Arguments may be
// changed.
type InvocationInput struct {
	State      Snapshot
	Capability string
	Arguments  map[string]any
}

// InvocationHook runs immediately before each dispatch. A non-nil response
// is recorded in place of calling the capability.
type InvocationHook func(ctx context.Context, in InvocationInput) (InvocationInput, *capability.Response, error)

// HookFault describes a hook that returned an error or panicked. Faults are
// logged and the hook is treated as having made no change.
type HookFault struct {
	Stage string
	Index int
	Err   error
}

func (f HookFault) Error() string {
	return fmt.Sprintf("%s hook %d: %v", f.Stage, f.Index, f.Err)
}

func callReasoningHook(ctx context.Context, h ReasoningHook, in ReasoningInput) (out ReasoningInput, o *Override, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, o, err = in, nil, fmt.Errorf("panic: %v", r)
		}
	}()
	return h(ctx, in)
}

func callInvocationHook(ctx context.Context, h InvocationHook, in InvocationInput) (out InvocationInput, resp *capability.Response, err error) {
	// The hook gets its own copy so a faulting hook cannot leave
	// half-written arguments behind.
	arg := in
	arg.Arguments = maps.Clone(in.Arguments)
	defer func() {
		if r := recover(); r != nil {
			out, resp, err = in, nil, fmt.Errorf("panic: %v", r)
		}
	}()
	return h(ctx, arg)
}

// runReasoningHooks applies hooks in order. The first override wins.
func (c *Coordinator) runReasoningHooks(ctx context.Context, st *WorkflowState) (string, *Override) {
	text := st.Text
	for i, h := range c.reasoningHooks {
		out, o, err := callReasoningHook(ctx, h, ReasoningInput{State: st.Snapshot(), Text: text})
		if err != nil {
			c.hookFault(st, HookFault{Stage: StageReasoning, Index: i, Err: err})
			continue
		}
		if o != nil {
			return text, o
		}
		text = out.Text
	}
	return text, nil
}

// runInvocationHooks applies hooks in order. The first synthetic response
// wins; rewritten arguments carry into later hooks.
func (c *Coordinator) runInvocationHooks(ctx context.Context, st *WorkflowState, name string, args map[string]any) (map[string]any, *capability.Response) {
	for i, h := range c.invocationHooks {
		out, resp, err := callInvocationHook(ctx, h, InvocationInput{State: st.Snapshot(), Capability: name, Arguments: args})
		if err != nil {
			c.hookFault(st, HookFault{Stage: StageInvocation, Index: i, Err: err})
			continue
		}
		if resp != nil {
			if verr := resp.Validate(); verr != nil {
				c.hookFault(st, HookFault{Stage: StageInvocation, Index: i, Err: fmt.Errorf("invalid override: %w", verr)})
				continue
			}
			return args, resp
		}
		if out.Arguments != nil {
			args = out.Arguments
		}
	}
	return args, nil
}

func (c *Coordinator) hookFault(st *WorkflowState, f HookFault) {
	c.logger.Warn().
		Err(f.Err).
		Str("turn_id", st.TurnID).
		Str("stage", f.Stage).
		Int("hook", f.Index).
		Msg("hook failed, continuing without it")
	for _, o := range c.observers {
		o.HookFault(f)
	}
}
