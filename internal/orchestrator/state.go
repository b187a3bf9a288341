package orchestrator

import (
	"maps"
	"time"

	"github.com/opentalon/atlas/internal/capability"
	"github.com/opentalon/atlas/internal/router"
)

// WorkflowStep is one capability call made during a turn. Steps are appended
// once their response is known and never modified afterwards.
type WorkflowStep struct {
	Index      int                  `json:"index"`
	Capability string               `json:"capability"`
	Arguments  map[string]any       `json:"arguments"`
	Response   capability.Response  `json:"response"`
	Kind       capability.ErrorKind `json:"kind,omitempty"`

	// Dispatched is false when a hook answered in place of the capability.
	Dispatched bool      `json:"dispatched"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

func (s WorkflowStep) Elapsed() time.Duration { return s.FinishedAt.Sub(s.StartedAt) }

// WorkflowState is owned by the coordinator for the duration of one turn.
type WorkflowState struct {
	TurnID    string
	SessionID string
	Text      string
	Phase     Phase
	History   []Phase
	Plan      router.Plan
	Template  string
	Steps     []WorkflowStep

	facts   map[string]any // seeded from the plan, then each successful result
	results map[string]any // successful result fields only
	cursor  int            // index of the next template step to consider
}

func newState(turnID string, t Turn) *WorkflowState {
	return &WorkflowState{
		TurnID:    turnID,
		SessionID: t.SessionID,
		Text:      t.Text,
		Phase:     PhaseStart,
		History:   []Phase{PhaseStart},
		facts:     map[string]any{},
		results:   map[string]any{},
	}
}

func (s *WorkflowState) advance(to Phase) error {
	if !s.Phase.CanTransition(to) {
		return &TransitionError{From: s.Phase, To: to}
	}
	s.Phase = to
	s.History = append(s.History, to)
	return nil
}

func (s *WorkflowState) Terminal() bool { return s.Phase.Terminal() }

// Fact returns a value known to the turn: a plan input or a field of a
// successful result.
func (s *WorkflowState) Fact(name string) (any, bool) {
	v, ok := s.facts[name]
	return v, ok
}

func (s *WorkflowState) seed(name string, v any) {
	s.facts[name] = v
}

func (s *WorkflowState) record(step WorkflowStep) {
	s.Steps = append(s.Steps, step)
	if !step.Response.OK() {
		return
	}
	for k, v := range step.Response.Fields() {
		s.facts[k] = v
		s.results[k] = v
	}
}

// Snapshot is a read-only copy of a WorkflowState handed to hooks.
type Snapshot struct {
	TurnID    string         `json:"turn_id"`
	SessionID string         `json:"session_id"`
	Text      string         `json:"text"`
	Phase     Phase          `json:"phase"`
	Plan      router.Plan    `json:"plan"`
	Template  string         `json:"template,omitempty"`
	Steps     []WorkflowStep `json:"steps"`
	Facts     map[string]any `json:"facts"`
}

func (s *WorkflowState) Snapshot() Snapshot {
	steps := make([]WorkflowStep, len(s.Steps))
	for i, st := range s.Steps {
		st.Arguments = maps.Clone(st.Arguments)
		steps[i] = st
	}
	return Snapshot{
		TurnID:    s.TurnID,
		SessionID: s.SessionID,
		Text:      s.Text,
		Phase:     s.Phase,
		Plan:      s.Plan,
		Template:  s.Template,
		Steps:     steps,
		Facts:     maps.Clone(s.facts),
	}
}
