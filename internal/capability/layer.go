package capability

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Trace is emitted once per invocation, dispatched or not.
type Trace struct {
	Capability string
	Transport  Transport
	Arguments  map[string]any
	SessionID  string
	Started    time.Time
	Elapsed    time.Duration
	Dispatched bool
	Status     Status
	Kind       ErrorKind
	Message    string
}

// Observer receives invocation traces. Implementations must be safe for
// concurrent use.
type Observer interface {
	ObserveInvocation(t Trace)
}

type ObserverFunc func(t Trace)

func (f ObserverFunc) ObserveInvocation(t Trace) { f(t) }

// Layer is the single entry point for capability calls. It resolves the
// capability by name, validates arguments against the descriptor, runs the
// transport-specific invoker under the guard and reports a trace.
type Layer struct {
	registry  *Registry
	guard     *Guard
	logger    zerolog.Logger
	observers []Observer
}

type LayerOption func(*Layer)

func WithGuard(g *Guard) LayerOption {
	return func(l *Layer) { l.guard = g }
}

func WithLogger(logger zerolog.Logger) LayerOption {
	return func(l *Layer) { l.logger = logger.With().Str("component", "invocation").Logger() }
}

func WithObserver(o Observer) LayerOption {
	return func(l *Layer) { l.observers = append(l.observers, o) }
}

func NewLayer(registry *Registry, opts ...LayerOption) *Layer {
	l := &Layer{
		registry: registry,
		guard:    NewGuard(),
		logger:   zerolog.Nop(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *Layer) Registry() *Registry { return l.registry }

func (l *Layer) Descriptors() []Descriptor { return l.registry.Descriptors() }

func (l *Layer) Invoke(ctx context.Context, req Request) Response {
	started := time.Now()
	trace := Trace{
		Capability: req.Name(),
		Arguments:  req.Arguments(),
		SessionID:  req.SessionID(),
		Started:    started,
	}

	resp := l.invoke(ctx, req, &trace)

	trace.Elapsed = time.Since(started)
	trace.Status = resp.Status
	trace.Kind = resp.Kind
	trace.Message = resp.Message
	l.report(trace)
	return resp
}

func (l *Layer) invoke(ctx context.Context, req Request, trace *Trace) Response {
	entry, ok := l.registry.Lookup(req.Name())
	if !ok {
		return Failure(KindValidation, fmt.Sprintf("unknown capability %q", req.Name()))
	}
	trace.Transport = entry.Transport

	if err := CheckArguments(entry.Descriptor, req.Arguments()); err != nil {
		return FromError(err)
	}

	trace.Dispatched = true
	resp := l.guard.Execute(ctx, entry.Invoker, req)
	return l.guard.Sanitize(resp)
}

func (l *Layer) report(t Trace) {
	ev := l.logger.Debug()
	if t.Status != StatusSuccess {
		ev = l.logger.Warn().Str("kind", string(t.Kind)).Str("message", t.Message)
	}
	ev.Str("capability", t.Capability).
		Str("transport", string(t.Transport)).
		Str("session_id", t.SessionID).
		Dur("elapsed", t.Elapsed).
		Bool("dispatched", t.Dispatched).
		Msg("invocation finished")

	for _, o := range l.observers {
		o.ObserveInvocation(t)
	}
}
