package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opentalon/atlas/internal/capability"
	"github.com/opentalon/atlas/internal/orchestrator"
	"github.com/opentalon/atlas/internal/router"
	"github.com/opentalon/atlas/internal/state"
)

// TurnStore is the SQL-backed turn log: one row per finished turn and one
// per workflow step.
type TurnStore struct {
	db *DB
}

func NewTurnStore(db *DB) *TurnStore {
	return &TurnStore{db: db}
}

var _ state.TurnLog = (*TurnStore)(nil)

// RecordTurn stores o and its steps in one transaction. Recording the same
// turn twice replaces the earlier row.
func (s *TurnStore) RecordTurn(ctx context.Context, o *orchestrator.Outcome) error {
	if o == nil || o.TurnID == "" {
		return errors.New("record turn: turn id is required")
	}
	planJSON, err := json.Marshal(o.Plan)
	if err != nil {
		return fmt.Errorf("record turn: marshal plan: %w", err)
	}
	resultJSON, err := json.Marshal(o.Result)
	if err != nil {
		return fmt.Errorf("record turn: marshal result: %w", err)
	}
	historyJSON, err := json.Marshal(o.History)
	if err != nil {
		return fmt.Errorf("record turn: marshal history: %w", err)
	}

	tx, err := s.db.SQLDB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("record turn: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.db.rebind(`DELETE FROM turn_steps WHERE turn_id = ?`), o.TurnID); err != nil {
		return fmt.Errorf("record turn: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.db.rebind(`DELETE FROM turns WHERE id = ?`), o.TurnID); err != nil {
		return fmt.Errorf("record turn: %w", err)
	}
	_, err = tx.ExecContext(ctx, s.db.rebind(
		`INSERT INTO turns (id, session_id, text, phase, template, intent, response, error_kind, plan, result, history, started_at, finished_at, seq)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		o.TurnID, o.SessionID, o.Text, string(o.Phase), o.Template, string(o.Plan.Intent), o.Response, string(o.Kind),
		string(planJSON), string(resultJSON), string(historyJSON),
		formatTime(o.StartedAt), formatTime(o.FinishedAt), o.StartedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("record turn: %w", err)
	}

	for _, st := range o.Steps {
		argsJSON, err := json.Marshal(st.Arguments)
		if err != nil {
			return fmt.Errorf("record turn: marshal step %d arguments: %w", st.Index, err)
		}
		var result string
		if st.Response.OK() {
			b, err := json.Marshal(st.Response.Result)
			if err != nil {
				return fmt.Errorf("record turn: marshal step %d result: %w", st.Index, err)
			}
			result = string(b)
		}
		dispatched := 0
		if st.Dispatched {
			dispatched = 1
		}
		_, err = tx.ExecContext(ctx, s.db.rebind(
			`INSERT INTO turn_steps (turn_id, idx, capability, arguments, status, result, message, error_kind, dispatched, started_at, finished_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			o.TurnID, st.Index, st.Capability, string(argsJSON), string(st.Response.Status), result,
			st.Response.Message, string(st.Kind), dispatched, formatTime(st.StartedAt), formatTime(st.FinishedAt))
		if err != nil {
			return fmt.Errorf("record turn: step %d: %w", st.Index, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("record turn: commit: %w", err)
	}
	return nil
}

const turnColumns = `id, session_id, text, phase, template, response, error_kind, plan, result, history, started_at, finished_at`

// Turn loads one turn with its steps. Returns state.ErrNotFound when absent.
func (s *TurnStore) Turn(ctx context.Context, id string) (*orchestrator.Outcome, error) {
	row := s.db.SQLDB().QueryRowContext(ctx, s.db.rebind(`SELECT `+turnColumns+` FROM turns WHERE id = ?`), id)
	o, err := scanTurn(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, state.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("turn %s: %w", id, err)
	}
	if o.Steps, err = s.steps(ctx, id); err != nil {
		return nil, err
	}
	return o, nil
}

// SessionTurns returns the session's turns newest first, with steps.
func (s *TurnStore) SessionTurns(ctx context.Context, sessionID string, limit int) ([]*orchestrator.Outcome, error) {
	query := `SELECT ` + turnColumns + ` FROM turns WHERE session_id = ? ORDER BY seq DESC, id`
	args := []any{sessionID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.SQLDB().QueryContext(ctx, s.db.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("session turns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*orchestrator.Outcome
	for rows.Next() {
		o, err := scanTurn(rows)
		if err != nil {
			return nil, fmt.Errorf("session turns scan: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, o := range out {
		if o.Steps, err = s.steps(ctx, o.TurnID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Prune deletes turns that finished before cutoff and returns how many went.
func (s *TurnStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	ts := formatTime(cutoff)
	if _, err := s.db.SQLDB().ExecContext(ctx, s.db.rebind(
		`DELETE FROM turn_steps WHERE turn_id IN (SELECT id FROM turns WHERE finished_at < ?)`), ts); err != nil {
		return 0, fmt.Errorf("prune steps: %w", err)
	}
	res, err := s.db.SQLDB().ExecContext(ctx, s.db.rebind(`DELETE FROM turns WHERE finished_at < ?`), ts)
	if err != nil {
		return 0, fmt.Errorf("prune turns: %w", err)
	}
	return res.RowsAffected()
}

func (s *TurnStore) steps(ctx context.Context, turnID string) ([]orchestrator.WorkflowStep, error) {
	rows, err := s.db.SQLDB().QueryContext(ctx, s.db.rebind(
		`SELECT idx, capability, arguments, status, result, message, error_kind, dispatched, started_at, finished_at
		 FROM turn_steps WHERE turn_id = ? ORDER BY idx`), turnID)
	if err != nil {
		return nil, fmt.Errorf("turn steps: %w", err)
	}
	defer func() { _ = rows.Close() }()

	steps := []orchestrator.WorkflowStep{}
	for rows.Next() {
		var (
			st                                  orchestrator.WorkflowStep
			argsJSON, status, result, msg, kind string
			startedAt, finishedAt               string
			dispatched                          int
		)
		if err := rows.Scan(&st.Index, &st.Capability, &argsJSON, &status, &result, &msg, &kind, &dispatched, &startedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("turn steps scan: %w", err)
		}
		_ = json.Unmarshal([]byte(argsJSON), &st.Arguments)
		st.Kind = capability.ErrorKind(kind)
		if capability.Status(status) == capability.StatusSuccess {
			var r any
			_ = json.Unmarshal([]byte(result), &r)
			st.Response = capability.Success(r)
		} else {
			st.Response = capability.Failure(st.Kind, msg)
		}
		st.Dispatched = dispatched != 0
		st.StartedAt = parseTime(startedAt)
		st.FinishedAt = parseTime(finishedAt)
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTurn(r scanner) (*orchestrator.Outcome, error) {
	var (
		o                                 orchestrator.Outcome
		phase, kind                       string
		planJSON, resultJSON, historyJSON string
		startedAt, finishedAt             string
	)
	if err := r.Scan(&o.TurnID, &o.SessionID, &o.Text, &phase, &o.Template, &o.Response, &kind,
		&planJSON, &resultJSON, &historyJSON, &startedAt, &finishedAt); err != nil {
		return nil, err
	}
	o.Phase = orchestrator.Phase(phase)
	o.Kind = capability.ErrorKind(kind)
	var plan router.Plan
	_ = json.Unmarshal([]byte(planJSON), &plan)
	o.Plan = plan
	_ = json.Unmarshal([]byte(resultJSON), &o.Result)
	_ = json.Unmarshal([]byte(historyJSON), &o.History)
	o.StartedAt = parseTime(startedAt)
	o.FinishedAt = parseTime(finishedAt)
	return &o, nil
}

// Fixed-width UTC so that stored timestamps compare as strings.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}
