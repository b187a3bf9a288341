// Package state keeps the record of finished turns.
package state

import (
	"context"
	"errors"
	"sync"

	"github.com/opentalon/atlas/internal/orchestrator"
)

var ErrNotFound = errors.New("turn not found")

// TurnLog is implemented by the in-memory History and the SQL turn store.
type TurnLog interface {
	orchestrator.Recorder
	Turn(ctx context.Context, id string) (*orchestrator.Outcome, error)
	// SessionTurns returns up to limit turns for the session, newest first.
	// limit <= 0 means all.
	SessionTurns(ctx context.Context, sessionID string, limit int) ([]*orchestrator.Outcome, error)
}

// History is an in-memory TurnLog used when no database is configured. Each
// session keeps at most maxTurns turns; older ones are dropped.
type History struct {
	mu       sync.RWMutex
	sessions map[string][]*orchestrator.Outcome
	byID     map[string]*orchestrator.Outcome
	maxTurns int
}

func NewHistory(maxTurns int) *History {
	return &History{
		sessions: make(map[string][]*orchestrator.Outcome),
		byID:     make(map[string]*orchestrator.Outcome),
		maxTurns: maxTurns,
	}
}

func (h *History) RecordTurn(_ context.Context, o *orchestrator.Outcome) error {
	if o == nil || o.TurnID == "" {
		return errors.New("turn id is required")
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	turns := append(h.sessions[o.SessionID], o)
	if h.maxTurns > 0 && len(turns) > h.maxTurns {
		for _, old := range turns[:len(turns)-h.maxTurns] {
			delete(h.byID, old.TurnID)
		}
		turns = append([]*orchestrator.Outcome(nil), turns[len(turns)-h.maxTurns:]...)
	}
	h.sessions[o.SessionID] = turns
	h.byID[o.TurnID] = o
	return nil
}

func (h *History) Turn(_ context.Context, id string) (*orchestrator.Outcome, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	o, ok := h.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return o, nil
}

func (h *History) SessionTurns(_ context.Context, sessionID string, limit int) ([]*orchestrator.Outcome, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	turns := h.sessions[sessionID]
	n := len(turns)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*orchestrator.Outcome, 0, n)
	for i := len(turns) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, turns[i])
	}
	return out, nil
}

// Sessions returns the number of sessions with at least one turn.
func (h *History) Sessions() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}
