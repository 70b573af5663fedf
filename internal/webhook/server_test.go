package webhook

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/user/taskpilot/internal/gateway"
	"github.com/user/taskpilot/internal/observability"
	"github.com/user/taskpilot/internal/runtime"
	"github.com/user/taskpilot/internal/state"
	"github.com/user/taskpilot/internal/types"
)

type mockGateway struct {
	mu         sync.Mutex
	lastID     types.SessionID
	lastTask   string
	lastPrompt string
	result     runtime.TurnResult
	err        error
	chunks     []runtime.Chunk
	events     map[types.SessionID][]types.Event
}

func (m *mockGateway) Invoke(_ context.Context, sid types.SessionID, task, prompt string) (runtime.TurnResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastID, m.lastTask, m.lastPrompt = sid, task, prompt
	if m.err != nil {
		return runtime.ErrorResult(m.err), m.err
	}
	return m.result, nil
}

func (m *mockGateway) InvokeStreaming(_ context.Context, sid types.SessionID, prompt string) (<-chan runtime.Chunk, error) {
	m.mu.Lock()
	m.lastID, m.lastPrompt = sid, prompt
	m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	ch := make(chan runtime.Chunk, len(m.chunks))
	for _, c := range m.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func (m *mockGateway) Events(sid types.SessionID) []types.Event {
	return m.events[sid]
}

func (m *mockGateway) ToolUsage(sid types.SessionID) map[string]int {
	usage := map[string]int{}
	for _, e := range m.events[sid] {
		if e.Type == types.EventToolStart {
			usage[e.Payload["tool"].(string)]++
		}
	}
	return usage
}

type fixture struct {
	srv       *Server
	memory    *state.MemoryStore
	schedules *state.ScheduleStore
}

func setupServer(t *testing.T, mock *mockGateway, schedules ...*state.Schedule) *fixture {
	t.Helper()
	dir := t.TempDir()
	memory := state.NewFileMemoryStore(dir)
	store := state.NewScheduleStore(filepath.Join(dir, "schedules.json"))
	for _, sch := range schedules {
		if err := store.Add(sch); err != nil {
			t.Fatal(err)
		}
	}
	return &fixture{srv: NewServer(mock, memory, store, nil), memory: memory, schedules: store}
}

func do(srv http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func decodeResult(t *testing.T, w *httptest.ResponseRecorder) runtime.TurnResult {
	t.Helper()
	var res runtime.TurnResult
	if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	return res
}

func TestHealthEndpoint(t *testing.T) {
	f := setupServer(t, &mockGateway{})

	w := do(f.srv, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var resp map[string]string
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp["status"] != "ok" {
		t.Errorf("expected status ok, got %s", resp["status"])
	}
}

func TestInvoke(t *testing.T) {
	mock := &mockGateway{result: runtime.TurnResult{Answer: "Added", NextAction: runtime.ActionAdded, Data: map[string]any{"company": "Acme"}}}
	f := setupServer(t, mock)

	w := do(f.srv, http.MethodPost, "/invoke", `{"session_id":"http:test","task":"jobs","prompt":"add Acme"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	res := decodeResult(t, w)
	if res.Answer != "Added" || res.NextAction != runtime.ActionAdded || res.Data["company"] != "Acme" {
		t.Errorf("unexpected result %+v", res)
	}
	if mock.lastID != "http:test" || mock.lastTask != "jobs" || mock.lastPrompt != "add Acme" {
		t.Errorf("unexpected invocation %q %q %q", mock.lastID, mock.lastTask, mock.lastPrompt)
	}
}

func TestInvokeErrorStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{gateway.ErrEmptyPrompt, http.StatusBadRequest},
		{runtime.ErrUnknownTask, http.StatusBadRequest},
		{types.ErrInvalidSessionID, http.StatusBadRequest},
		{&runtime.ModelError{Err: errors.New("down")}, http.StatusBadGateway},
		{runtime.ErrLoopLimitExceeded, http.StatusInternalServerError},
		{gateway.ErrQueueStopped, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		f := setupServer(t, &mockGateway{err: tc.err})
		w := do(f.srv, http.MethodPost, "/invoke", `{"session_id":"s","prompt":"hi"}`)
		if w.Code != tc.want {
			t.Errorf("%v: expected status %d, got %d", tc.err, tc.want, w.Code)
		}
		if res := decodeResult(t, w); res.NextAction != runtime.ActionError {
			t.Errorf("%v: expected error result, got %+v", tc.err, res)
		}
	}
}

func TestInvokeInvalidJSON(t *testing.T) {
	f := setupServer(t, &mockGateway{})
	if w := do(f.srv, http.MethodPost, "/invoke", `{not json`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", w.Code)
	}
}

func TestInvokeStream(t *testing.T) {
	mock := &mockGateway{chunks: []runtime.Chunk{{Text: "Hel"}, {Text: "lo"}, {Done: true}}}
	f := setupServer(t, mock)

	w := do(f.srv, http.MethodPost, "/invoke/stream", `{"session_id":"http:s","prompt":"hi"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("expected event stream, got %q", ct)
	}

	var events []string
	var text strings.Builder
	scanner := bufio.NewScanner(w.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			events = append(events, strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "data: ") && events[len(events)-1] == "chunk":
			var c map[string]string
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &c); err != nil {
				t.Fatal(err)
			}
			text.WriteString(c["text"])
		}
	}
	if strings.Join(events, ",") != "chunk,chunk,done" {
		t.Errorf("unexpected event sequence %v", events)
	}
	if text.String() != "Hello" {
		t.Errorf("expected 'Hello', got %q", text.String())
	}
}

func TestInvokeStreamRejected(t *testing.T) {
	f := setupServer(t, &mockGateway{err: gateway.ErrEmptyPrompt})
	if w := do(f.srv, http.MethodPost, "/invoke/stream", `{"session_id":"s"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", w.Code)
	}
}

func TestWebhookNamedSchedule(t *testing.T) {
	mock := &mockGateway{result: runtime.TurnResult{Answer: "greetings!", NextAction: runtime.ActionNone}}
	f := setupServer(t, mock, &state.Schedule{
		Name:      "greet",
		Prompt:    "say hello",
		Task:      "chat",
		SessionID: "http:greet-session",
		Enabled:   true,
	})

	w := do(f.srv, http.MethodPost, "/webhook/greet", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if res := decodeResult(t, w); res.Answer != "greetings!" {
		t.Errorf("expected 'greetings!', got %q", res.Answer)
	}
	if mock.lastID != "http:greet-session" || mock.lastPrompt != "say hello" || mock.lastTask != "chat" {
		t.Errorf("unexpected invocation %q %q %q", mock.lastID, mock.lastTask, mock.lastPrompt)
	}
}

func TestWebhookNamedScheduleOverridePrompt(t *testing.T) {
	mock := &mockGateway{result: runtime.TurnResult{Answer: "custom", NextAction: runtime.ActionNone}}
	f := setupServer(t, mock, &state.Schedule{Name: "flex", Prompt: "default prompt", Enabled: true})

	w := do(f.srv, http.MethodPost, "/webhook/flex", `{"prompt":"override prompt"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if mock.lastPrompt != "override prompt" {
		t.Errorf("expected prompt 'override prompt', got %q", mock.lastPrompt)
	}
	if mock.lastID != "schedule:flex" {
		t.Errorf("expected the schedule's own session, got %q", mock.lastID)
	}
}

func TestWebhookNamedScheduleNotFoundOrDisabled(t *testing.T) {
	f := setupServer(t, &mockGateway{}, &state.Schedule{Name: "off", Prompt: "disabled", Enabled: false})

	if w := do(f.srv, http.MethodPost, "/webhook/nonexistent", ""); w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", w.Code)
	}
	if w := do(f.srv, http.MethodPost, "/webhook/off", ""); w.Code != http.StatusForbidden {
		t.Errorf("expected status 403, got %d", w.Code)
	}
}

func TestAPISessions(t *testing.T) {
	mock := &mockGateway{events: map[types.SessionID][]types.Event{
		"telegram:1:1": {
			{Type: types.EventModelStart},
			{Type: types.EventToolStart, Payload: map[string]any{"tool": "addJob"}},
		},
	}}
	f := setupServer(t, mock)
	ctx := context.Background()
	if err := f.memory.AddToHistory(ctx, "telegram:1:1", "user", "hi"); err != nil {
		t.Fatal(err)
	}
	if err := f.memory.AddFact(ctx, "telegram:1:1", "likes Go"); err != nil {
		t.Fatal(err)
	}

	w := do(f.srv, http.MethodGet, "/api/sessions", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var sessions []map[string]any
	if err := json.NewDecoder(w.Body).Decode(&sessions); err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 1 || sessions[0]["session_id"] != "telegram:1:1" {
		t.Fatalf("unexpected sessions %+v", sessions)
	}
	if sessions[0]["conversation_count"].(float64) != 1 || sessions[0]["fact_count"].(float64) != 1 || sessions[0]["event_count"].(float64) != 2 {
		t.Errorf("unexpected counts %+v", sessions[0])
	}

	w = do(f.srv, http.MethodGet, "/api/sessions/telegram:1:1/memory", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var mem types.SessionMemory
	if err := json.NewDecoder(w.Body).Decode(&mem); err != nil {
		t.Fatal(err)
	}
	if len(mem.Facts) != 1 || mem.Facts[0].Fact != "likes Go" {
		t.Errorf("unexpected memory %+v", mem)
	}

	w = do(f.srv, http.MethodGet, "/api/sessions/telegram:1:1/events?limit=1", "")
	var events struct {
		Events    []types.Event  `json:"events"`
		ToolUsage map[string]int `json:"tool_usage"`
	}
	if err := json.NewDecoder(w.Body).Decode(&events); err != nil {
		t.Fatal(err)
	}
	if len(events.Events) != 1 || events.Events[0].Type != types.EventToolStart {
		t.Errorf("expected the last event only, got %+v", events.Events)
	}
	if events.ToolUsage["addJob"] != 1 {
		t.Errorf("unexpected tool usage %+v", events.ToolUsage)
	}
}

func TestAPISessionMemoryUnknown(t *testing.T) {
	f := setupServer(t, &mockGateway{})

	if w := do(f.srv, http.MethodGet, "/api/sessions/nobody/memory", ""); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
	ids, err := f.memory.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 {
		t.Errorf("expected reading memory not to create a session, got %v", ids)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	metrics.RecordTurn("chat", "success")

	srv := NewServer(&mockGateway{}, state.NewFileMemoryStore(t.TempDir()), nil, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	w := do(srv, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "taskpilot_turns_total") {
		t.Errorf("expected turn counter in metrics output")
	}
}
