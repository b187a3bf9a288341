// Package orchestrator runs one user turn: it asks the reasoner for a plan,
// walks the plan's workflow template one capability call at a time, feeds
// each result into the next call, and renders a single response.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/opentalon/atlas/internal/capability"
	"github.com/opentalon/atlas/internal/router"
)

// Invoker is the part of the invocation layer the coordinator needs.
type Invoker interface {
	Invoke(ctx context.Context, req capability.Request) capability.Response
	Descriptors() []capability.Descriptor
}

// Recorder persists finished turns. Errors are logged, never surfaced to the
// user.
type Recorder interface {
	RecordTurn(ctx context.Context, o *Outcome) error
}

// Observer is notified of phase changes, hook faults and finished turns.
type Observer interface {
	Transition(turnID string, from, to Phase)
	HookFault(f HookFault)
	TurnFinished(o *Outcome)
}

// Turn is one user request.
type Turn struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

// Outcome is the result of a turn. Response is always set: the rendered
// answer when completed, the failing step's message when failed.
type Outcome struct {
	TurnID     string               `json:"turn_id"`
	SessionID  string               `json:"session_id"`
	Text       string               `json:"text"`
	Phase      Phase                `json:"phase"`
	Template   string               `json:"template,omitempty"`
	Plan       router.Plan          `json:"plan"`
	Response   string               `json:"response"`
	Kind       capability.ErrorKind `json:"error_kind,omitempty"`
	Result     map[string]any       `json:"result,omitempty"`
	Steps      []WorkflowStep       `json:"steps"`
	History    []Phase              `json:"history"`
	StartedAt  time.Time            `json:"started_at"`
	FinishedAt time.Time            `json:"finished_at"`
}

func (o *Outcome) OK() bool { return o.Phase == PhaseCompleted }

// Coordinator holds only configuration and thread-safe collaborators, so one
// instance serves concurrent turns.
type Coordinator struct {
	invoker         Invoker
	reasoner        router.Reasoner
	catalog         Catalog
	renderer        *Renderer
	reasoningHooks  []ReasoningHook
	invocationHooks []InvocationHook
	recorders       []Recorder
	observers       []Observer
	logger          zerolog.Logger
	newID           func() string
	now             func() time.Time
}

type Option func(*Coordinator)

func WithCatalog(c Catalog) Option {
	return func(co *Coordinator) {
		if c != nil {
			co.catalog = c
		}
	}
}

func WithRenderer(r *Renderer) Option {
	return func(co *Coordinator) {
		if r != nil {
			co.renderer = r
		}
	}
}

func WithReasoningHooks(h ...ReasoningHook) Option {
	return func(co *Coordinator) { co.reasoningHooks = append(co.reasoningHooks, h...) }
}

func WithInvocationHooks(h ...InvocationHook) Option {
	return func(co *Coordinator) { co.invocationHooks = append(co.invocationHooks, h...) }
}

func WithRecorder(r Recorder) Option {
	return func(co *Coordinator) { co.recorders = append(co.recorders, r) }
}

func WithObserver(o Observer) Option {
	return func(co *Coordinator) { co.observers = append(co.observers, o) }
}

func WithLogger(l zerolog.Logger) Option {
	return func(co *Coordinator) { co.logger = l.With().Str("component", "coordinator").Logger() }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(co *Coordinator) { co.now = now }
}

func New(inv Invoker, reasoner router.Reasoner, opts ...Option) (*Coordinator, error) {
	if inv == nil {
		return nil, errors.New("coordinator needs an invoker")
	}
	if reasoner == nil {
		return nil, errors.New("coordinator needs a reasoner")
	}
	c := &Coordinator{
		invoker:  inv,
		reasoner: reasoner,
		catalog:  DefaultCatalog(),
		logger:   zerolog.Nop(),
		newID:    uuid.NewString,
		now:      time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	if c.renderer == nil {
		r, err := NewRenderer(nil)
		if err != nil {
			return nil, err
		}
		c.renderer = r
	}
	return c, nil
}

// Run executes one turn to a terminal phase. It never returns a nil
// Outcome.
func (c *Coordinator) Run(ctx context.Context, t Turn) *Outcome {
	st := newState(c.newID(), t)
	started := c.now()
	log := c.logger.With().Str("turn_id", st.TurnID).Str("session_id", st.SessionID).Logger()
	log.Debug().Str("text", t.Text).Msg("turn started")

	out := c.drive(ctx, st, &log)
	out.StartedAt = started
	out.FinishedAt = c.now()

	ev := log.Info()
	if !out.OK() {
		ev = log.Warn().Str("error_kind", string(out.Kind))
	}
	ev.Str("phase", string(out.Phase)).
		Str("template", out.Template).
		Int("steps", len(out.Steps)).
		Dur("elapsed", out.FinishedAt.Sub(out.StartedAt)).
		Msg("turn finished")

	// Recording survives the caller cancelling the turn.
	recCtx := context.WithoutCancel(ctx)
	for _, r := range c.recorders {
		if err := r.RecordTurn(recCtx, out); err != nil {
			log.Error().Err(err).Msg("record turn")
		}
	}
	for _, o := range c.observers {
		o.TurnFinished(out)
	}
	return out
}

func (c *Coordinator) drive(ctx context.Context, st *WorkflowState, log *zerolog.Logger) *Outcome {
	if ctx.Err() != nil {
		return c.fail(st, capability.KindCancelled, "request cancelled")
	}

	text, override := c.runReasoningHooks(ctx, st)
	if override != nil {
		log.Debug().Bool("failed", override.Failed).Msg("pre-reasoning hook answered")
		if override.Failed {
			kind := override.Kind
			if !kind.Valid() {
				kind = capability.KindValidation
			}
			return c.fail(st, kind, override.Message)
		}
		return c.complete(st, override.Message)
	}
	st.Text = text

	plan, err := c.reasoner.Plan(ctx, router.Input{
		Text:         text,
		SessionID:    st.SessionID,
		Capabilities: c.invoker.Descriptors(),
	})
	if err != nil {
		if ctx.Err() != nil {
			return c.fail(st, capability.KindCancelled, "request cancelled")
		}
		log.Error().Err(err).Msg("reasoning failed")
		return c.fail(st, capability.KindTransport, fmt.Sprintf("could not work out how to answer: %v", err))
	}
	st.Plan = plan
	log.Debug().Str("intent", string(plan.Intent)).Str("place", plan.Place).Str("source", plan.Source).Msg("plan chosen")

	if !plan.Invokes() {
		return c.complete(st, plan.Answer)
	}

	tmpl, ok := c.catalog.For(plan.Intent)
	if !ok {
		return c.fail(st, capability.KindValidation, fmt.Sprintf("no workflow handles %q requests", plan.Intent))
	}
	st.Template = tmpl.Name
	st.seed(FactPlaceName, plan.Place)
	if plan.Query != "" {
		st.seed(FactQuery, plan.Query)
	} else {
		st.seed(FactQuery, text)
	}
	if plan.Coordinates != nil {
		st.seed(FactLatitude, plan.Coordinates.Latitude)
		st.seed(FactLongitude, plan.Coordinates.Longitude)
	}

	c.move(st, PhaseSelecting)
	for {
		step, ok := tmpl.next(st)
		if !ok {
			return c.complete(st, "")
		}

		args, err := step.arguments(st)
		if err != nil {
			return c.fail(st, capability.KindOf(err), capability.FromError(err).Message)
		}
		if ctx.Err() != nil {
			return c.fail(st, capability.KindCancelled, "request cancelled")
		}

		c.move(st, PhaseInvoking)
		started := c.now()
		args, synthetic := c.runInvocationHooks(ctx, st, step.Capability, args)
		c.move(st, PhaseAwaiting)
		rec := c.dispatch(ctx, st, step.Capability, args, synthetic)
		rec.StartedAt = started
		st.record(rec)
		st.cursor++

		if !rec.Response.OK() {
			log.Debug().Str("capability", rec.Capability).Str("error_kind", string(rec.Kind)).Msg("step failed")
			return c.fail(st, rec.Kind, rec.Response.Message)
		}
		if !tmpl.remaining(st) {
			return c.complete(st, "")
		}
		c.move(st, PhaseSelecting)
	}
}

// dispatch calls the capability, or records the hook's synthetic response
// in its place.
func (c *Coordinator) dispatch(ctx context.Context, st *WorkflowState, name string, args map[string]any, synthetic *capability.Response) WorkflowStep {
	step := WorkflowStep{Index: len(st.Steps), Capability: name, Arguments: maps.Clone(args)}
	if synthetic != nil {
		step.Response = *synthetic
	} else {
		step.Dispatched = true
		step.Response = c.invoker.Invoke(ctx, capability.NewRequest(name, args, st.SessionID))
	}
	step.FinishedAt = c.now()
	if !step.Response.OK() {
		step.Kind = step.Response.Kind
		if !step.Kind.Valid() {
			step.Kind = capability.KindDomain
		}
	}
	return step
}

func (c *Coordinator) move(st *WorkflowState, to Phase) {
	from := st.Phase
	if err := st.advance(to); err != nil {
		// Only reachable through a coordinator bug.
		c.logger.Error().Err(err).Str("turn_id", st.TurnID).Msg("phase transition")
		return
	}
	for _, o := range c.observers {
		o.Transition(st.TurnID, from, to)
	}
}

func (c *Coordinator) complete(st *WorkflowState, answer string) *Outcome {
	c.move(st, PhaseCompleted)
	out := c.outcome(st)
	if answer != "" || st.Template == "" {
		out.Response = answer
		return out
	}
	facts := maps.Clone(st.facts)
	resp, err := c.renderer.Render(st.Template, facts)
	if err != nil {
		c.logger.Warn().Err(err).Str("turn_id", st.TurnID).Msg("response template failed, listing fields")
	}
	out.Response = resp
	return out
}

func (c *Coordinator) fail(st *WorkflowState, kind capability.ErrorKind, msg string) *Outcome {
	c.move(st, PhaseFailed)
	out := c.outcome(st)
	out.Kind = kind
	out.Response = msg
	// A failed turn presents no partial result.
	out.Result = nil
	return out
}

func (c *Coordinator) outcome(st *WorkflowState) *Outcome {
	var result map[string]any
	if len(st.results) > 0 {
		result = maps.Clone(st.results)
	}
	return &Outcome{
		TurnID:    st.TurnID,
		SessionID: st.SessionID,
		Text:      st.Text,
		Phase:     st.Phase,
		Template:  st.Template,
		Plan:      st.Plan,
		Result:    result,
		Steps:     append([]WorkflowStep(nil), st.Steps...),
		History:   append([]Phase(nil), st.History...),
	}
}
