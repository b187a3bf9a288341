// Package server exposes the coordinator over HTTP and websockets.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/opentalon/atlas/internal/actor"
	"github.com/opentalon/atlas/internal/orchestrator"
	"github.com/opentalon/atlas/internal/state"
)

const (
	maxRequestBytes = 1 << 16
	maxTextLength   = 4096
)

// Runner executes one turn. *orchestrator.Coordinator satisfies it.
type Runner interface {
	Run(ctx context.Context, t orchestrator.Turn) *orchestrator.Outcome
}

// Request is the body of POST /v1/turns and each inbound websocket frame.
type Request struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

type errorBody struct {
	Error string `json:"error"`
}

type Server struct {
	runner Runner
	turns  state.TurnLog
	mux    *http.ServeMux
	logger zerolog.Logger
}

type Option func(*Server)

// WithTurnLog serves recorded turns from tl.
func WithTurnLog(tl state.TurnLog) Option {
	return func(s *Server) { s.turns = tl }
}

// WithRoute mounts h at pattern alongside the built-in routes.
func WithRoute(pattern string, h http.Handler) Option {
	return func(s *Server) { s.mux.Handle(pattern, h) }
}

// WithRoutes lets a component register several routes, e.g. the tool host.
func WithRoutes(register func(*http.ServeMux)) Option {
	return func(s *Server) { register(s.mux) }
}

func New(runner Runner, logger zerolog.Logger, opts ...Option) *Server {
	s := &Server{
		runner: runner,
		mux:    http.NewServeMux(),
		logger: logger.With().Str("component", "server").Logger(),
	}
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("POST /v1/turns", s.handleTurn)
	s.mux.HandleFunc("GET /v1/turns/{id}", s.handleGetTurn)
	s.mux.HandleFunc("GET /v1/sessions/{id}/turns", s.handleSessionTurns)
	s.mux.HandleFunc("GET /v1/ws", s.handleWebSocket)
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleTurn runs one turn. The turn's context is the request's, so a client
// that disconnects cancels it.
func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{"request body unreadable or too large"})
		return
	}
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{"invalid request JSON: " + err.Error()})
		return
	}
	turn, err := s.turnFor(req, "")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{err.Error()})
		return
	}
	out := s.runner.Run(actor.WithActor(r.Context(), "http:"+clientHost(r)), turn)
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetTurn(w http.ResponseWriter, r *http.Request) {
	if s.turns == nil {
		writeJSON(w, http.StatusNotFound, errorBody{"turn log is not enabled"})
		return
	}
	out, err := s.turns.Turn(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSessionTurns(w http.ResponseWriter, r *http.Request) {
	if s.turns == nil {
		writeJSON(w, http.StatusNotFound, errorBody{"turn log is not enabled"})
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{"limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	outs, err := s.turns.SessionTurns(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	if outs == nil {
		outs = []*orchestrator.Outcome{}
	}
	writeJSON(w, http.StatusOK, outs)
}

func (s *Server) writeLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, state.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorBody{err.Error()})
		return
	}
	s.logger.Error().Err(err).Msg("reading turn log")
	writeJSON(w, http.StatusInternalServerError, errorBody{"turn log unavailable"})
}

// handleWebSocket runs turns for each {session_id, text} frame, one at a
// time, answering each with the outcome. Frames without a session use the
// connection's own session. Frames are read on their own goroutine so a
// client that goes away cancels the turn in progress.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("websocket accept")
		return
	}
	defer func() { _ = conn.CloseNow() }()
	conn.SetReadLimit(maxRequestBytes)

	// The request context is not cancelled once the connection is hijacked.
	ctx, cancel := context.WithCancel(actor.WithActor(r.Context(), "ws:"+clientHost(r)))
	defer cancel()

	session := uuid.NewString()
	log := s.logger.With().Str("session_id", session).Logger()
	log.Debug().Msg("websocket connected")

	frames := make(chan []byte)
	go func() {
		defer cancel()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
					log.Debug().Msg("websocket closed")
				default:
					log.Debug().Err(err).Msg("websocket read")
				}
				return
			}
			select {
			case frames <- data:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		var data []byte
		select {
		case <-ctx.Done():
			return
		case data = <-frames:
		}
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			if err := wsjson.Write(ctx, conn, errorBody{"invalid frame: " + err.Error()}); err != nil {
				return
			}
			continue
		}
		turn, err := s.turnFor(req, session)
		if err != nil {
			if err := wsjson.Write(ctx, conn, errorBody{err.Error()}); err != nil {
				return
			}
			continue
		}
		out := s.runner.Run(ctx, turn)
		if ctx.Err() != nil {
			log.Debug().Str("turn_id", out.TurnID).Msg("client left during turn")
			return
		}
		if err := wsjson.Write(ctx, conn, out); err != nil {
			log.Debug().Err(err).Msg("websocket write")
			return
		}
	}
}

func (s *Server) turnFor(req Request, defaultSession string) (orchestrator.Turn, error) {
	text := strings.TrimSpace(req.Text)
	switch {
	case text == "":
		return orchestrator.Turn{}, errors.New("text is required")
	case len(text) > maxTextLength:
		return orchestrator.Turn{}, errors.New("text is too long")
	}
	session := req.SessionID
	if session == "" {
		session = defaultSession
	}
	if session == "" {
		session = uuid.NewString()
	}
	return orchestrator.Turn{SessionID: session, Text: text}, nil
}

func clientHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
