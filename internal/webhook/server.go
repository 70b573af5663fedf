package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/user/taskpilot/internal/gateway"
	"github.com/user/taskpilot/internal/runtime"
	"github.com/user/taskpilot/internal/scheduler"
	"github.com/user/taskpilot/internal/state"
	"github.com/user/taskpilot/internal/types"
)

// Gateway is the turn surface the server exposes.
type Gateway interface {
	Invoke(ctx context.Context, sid types.SessionID, task, prompt string) (runtime.TurnResult, error)
	InvokeStreaming(ctx context.Context, sid types.SessionID, prompt string) (<-chan runtime.Chunk, error)
	Events(sid types.SessionID) []types.Event
	ToolUsage(sid types.SessionID) map[string]int
}

// Server is the HTTP front for turns, named schedules and session
// inspection.
type Server struct {
	gw        Gateway
	memory    types.MemoryStore
	schedules *state.ScheduleStore
	mux       *http.ServeMux
}

// NewServer creates a Server. schedules and metrics may be nil, which
// disables the named-webhook and /metrics endpoints.
func NewServer(gw Gateway, memory types.MemoryStore, schedules *state.ScheduleStore, metrics http.Handler) *Server {
	s := &Server{
		gw:        gw,
		memory:    memory,
		schedules: schedules,
		mux:       http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /invoke", s.handleInvoke)
	s.mux.HandleFunc("POST /invoke/stream", s.handleInvokeStream)
	s.mux.HandleFunc("POST /webhook/{name}", s.handleNamedSchedule)
	s.mux.HandleFunc("GET /api/sessions", s.handleAPISessions)
	s.mux.HandleFunc("GET /api/sessions/{id}/memory", s.handleAPISessionMemory)
	s.mux.HandleFunc("GET /api/sessions/{id}/events", s.handleAPISessionEvents)
	if metrics != nil {
		s.mux.Handle("GET /metrics", metrics)
	}
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encode response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// invokeRequest is the JSON body for POST /invoke and /invoke/stream.
type invokeRequest struct {
	SessionID string `json:"session_id"`
	Task      string `json:"task"`
	Prompt    string `json:"prompt"`
}

// statusFor maps a turn error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrInvalidSessionID),
		errors.Is(err, gateway.ErrEmptyPrompt),
		errors.Is(err, runtime.ErrUnknownTask):
		return http.StatusBadRequest
	case errors.Is(err, gateway.ErrQueueStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	var modelErr *runtime.ModelError
	if errors.As(err, &modelErr) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	var req invokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	result, err := s.gw.Invoke(r.Context(), types.SessionID(req.SessionID), req.Task, req.Prompt)
	if err != nil {
		slog.Error("invoke failed", "session_id", req.SessionID, "task", req.Task, "error", err)
		writeJSON(w, statusFor(err), result)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleInvokeStream relays chunks as server-sent events. Text chunks are
// "chunk" events, the final one a "done" event carrying any error. A client
// that disconnects cancels the turn.
func (s *Server) handleInvokeStream(w http.ResponseWriter, r *http.Request) {
	var req invokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	chunks, err := s.gw.InvokeStreaming(r.Context(), types.SessionID(req.SessionID), req.Prompt)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for c := range chunks {
		if c.Done {
			done := map[string]string{}
			if c.Err != nil {
				done["error"] = c.Err.Error()
			}
			writeEvent(w, "done", done)
		} else {
			writeEvent(w, "chunk", map[string]string{"text": c.Text})
		}
		flusher.Flush()
	}
}

func writeEvent(w http.ResponseWriter, event string, v any) {
	data, _ := json.Marshal(v)
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}

// namedScheduleRequest is the optional JSON body for POST /webhook/{name}.
type namedScheduleRequest struct {
	Prompt string `json:"prompt"`
}

func (s *Server) handleNamedSchedule(w http.ResponseWriter, r *http.Request) {
	if s.schedules == nil {
		writeError(w, http.StatusServiceUnavailable, "schedules not configured")
		return
	}
	name := r.PathValue("name")

	sch, err := s.schedules.Get(name)
	if err != nil {
		writeError(w, http.StatusNotFound, "schedule not found")
		return
	}
	if !sch.Enabled {
		writeError(w, http.StatusForbidden, "schedule is disabled")
		return
	}

	prompt := sch.Prompt
	// Allow body to override the prompt
	var body namedScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err == nil && body.Prompt != "" {
		prompt = body.Prompt
	}

	result, err := s.gw.Invoke(r.Context(), scheduler.SessionFor(sch), sch.Task, prompt)
	if err != nil {
		slog.Error("webhook schedule failed", "schedule", name, "error", err)
		writeJSON(w, statusFor(err), result)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type sessionResponse struct {
	SessionID         string `json:"session_id"`
	ConversationCount int    `json:"conversation_count"`
	FactCount         int    `json:"fact_count"`
	LastUpdated       string `json:"last_updated"`
	EventCount        int    `json:"event_count"`
}

func (s *Server) handleAPISessions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ids, err := s.memory.List(ctx)
	if err != nil {
		slog.Error("list sessions failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	result := make([]sessionResponse, 0, len(ids))
	for _, id := range ids {
		m, err := s.memory.Load(ctx, id)
		if err != nil {
			slog.Warn("load session failed", "session_id", id, "error", err)
			continue
		}
		result = append(result, sessionResponse{
			SessionID:         string(id),
			ConversationCount: len(m.ConversationHistory),
			FactCount:         len(m.Facts),
			LastUpdated:       m.LastUpdated.Format(time.RFC3339),
			EventCount:        len(s.gw.Events(id)),
		})
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].LastUpdated > result[j].LastUpdated
	})
	writeJSON(w, http.StatusOK, result)
}

// knownSession reports whether id already has stored memory, so that reads
// never create sessions.
func (s *Server) knownSession(ctx context.Context, id types.SessionID) (bool, error) {
	ids, err := s.memory.List(ctx)
	if err != nil {
		return false, err
	}
	for _, known := range ids {
		if known == id {
			return true, nil
		}
	}
	return false, nil
}

func (s *Server) handleAPISessionMemory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := types.SessionID(r.PathValue("id"))
	if err := types.ValidateSessionID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ok, err := s.knownSession(ctx, id)
	if err != nil {
		slog.Error("list sessions failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	m, err := s.memory.Load(ctx, id)
	if err != nil {
		slog.Error("load session failed", "session_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if r.URL.Query().Get("summary") == "true" {
		writeJSON(w, http.StatusOK, m.Summary())
		return
	}
	writeJSON(w, http.StatusOK, m)
}

type eventsResponse struct {
	SessionID string         `json:"session_id"`
	Events    []types.Event  `json:"events"`
	ToolUsage map[string]int `json:"tool_usage"`
}

func (s *Server) handleAPISessionEvents(w http.ResponseWriter, r *http.Request) {
	id := types.SessionID(r.PathValue("id"))

	limit := 200
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}

	events := s.gw.Events(id)
	if len(events) > limit {
		events = events[len(events)-limit:]
	}
	if events == nil {
		events = []types.Event{}
	}
	writeJSON(w, http.StatusOK, eventsResponse{
		SessionID: string(id),
		Events:    events,
		ToolUsage: s.gw.ToolUsage(id),
	})
}
