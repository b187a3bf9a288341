package orchestrator

import "fmt"

// Phase is where a turn is in its lifecycle.
type Phase string

const (
	PhaseStart     Phase = "start"
	PhaseSelecting Phase = "selecting"
	PhaseInvoking  Phase = "invoking"
	PhaseAwaiting  Phase = "awaiting"
	PhaseCompleted Phase = "completed"
	PhaseFailed    Phase = "failed"
)

// transitions lists the legal successors of each phase. start may finish
// directly when a hook overrides the turn or the plan is a direct answer.
var transitions = map[Phase][]Phase{
	PhaseStart:     {PhaseSelecting, PhaseCompleted, PhaseFailed},
	PhaseSelecting: {PhaseInvoking, PhaseCompleted, PhaseFailed},
	PhaseInvoking:  {PhaseAwaiting, PhaseFailed},
	PhaseAwaiting:  {PhaseSelecting, PhaseCompleted, PhaseFailed},
}

func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

func (p Phase) CanTransition(to Phase) bool {
	for _, next := range transitions[p] {
		if next == to {
			return true
		}
	}
	return false
}

type TransitionError struct {
	From, To Phase
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal phase transition %s -> %s", e.From, e.To)
}
