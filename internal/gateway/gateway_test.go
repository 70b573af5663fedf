package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	ctxengine "github.com/user/taskpilot/internal/context"
	"github.com/user/taskpilot/internal/runtime"
	"github.com/user/taskpilot/internal/runtime/tools"
	"github.com/user/taskpilot/internal/state"
	"github.com/user/taskpilot/internal/types"
	"github.com/user/taskpilot/pkg/llm"
)

// scriptProvider answers through respond and tracks overlapping calls.
type scriptProvider struct {
	respond func(messages []llm.Message) (*llm.Response, error)
	deltas  []string
	hold    bool
	delay   time.Duration

	mu          sync.Mutex
	inFlight    int
	maxInFlight int
	tools       [][]llm.Tool
}

func (p *scriptProvider) enter() {
	p.mu.Lock()
	p.inFlight++
	if p.inFlight > p.maxInFlight {
		p.maxInFlight = p.inFlight
	}
	p.mu.Unlock()
}

func (p *scriptProvider) leave() {
	p.mu.Lock()
	p.inFlight--
	p.mu.Unlock()
}

func (p *scriptProvider) peak() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxInFlight
}

func (p *scriptProvider) Complete(ctx context.Context, messages []llm.Message, tools []llm.Tool) (*llm.Response, error) {
	p.enter()
	defer p.leave()
	p.mu.Lock()
	p.tools = append(p.tools, tools)
	p.mu.Unlock()
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.respond == nil {
		return &llm.Response{Content: "ok"}, nil
	}
	return p.respond(messages)
}

func (p *scriptProvider) Stream(ctx context.Context, messages []llm.Message, tools []llm.Tool) (<-chan llm.Delta, error) {
	p.mu.Lock()
	p.tools = append(p.tools, tools)
	p.mu.Unlock()
	ch := make(chan llm.Delta)
	go func() {
		defer close(ch)
		for _, d := range p.deltas {
			select {
			case ch <- llm.Delta{Content: d}:
			case <-ctx.Done():
				return
			}
		}
		if p.hold {
			<-ctx.Done()
		}
	}()
	return ch, nil
}

type fixture struct {
	gw     *Gateway
	memory *state.MemoryStore
	jobs   *tools.JobStore
}

func newFixture(t *testing.T, provider llm.Provider, maxConcurrent int64) *fixture {
	t.Helper()
	dir := t.TempDir()
	memory := state.NewFileMemoryStore(dir)
	jobs := tools.NewJobStore(filepath.Join(dir, "jobs.json"))

	profiles, err := runtime.BuildProfiles(runtime.DefaultTaskFile(), tools.Builtins(tools.Deps{Jobs: jobs, Memory: memory}))
	if err != nil {
		t.Fatal(err)
	}
	gw := New(Deps{
		Engine:    runtime.NewEngine(provider, runtime.Options{}, nil),
		Streamer:  runtime.NewStreamer(provider, memory, 0, nil),
		Profiles:  profiles,
		Memory:    memory,
		Prompts:   ctxengine.NewWithCounter(func(s string) int { return len(strings.Fields(s)) }, 128000, 4096),
		Recorders: state.NewRecorders(),
	}, maxConcurrent)
	gw.Start(context.Background())
	t.Cleanup(gw.Stop)
	return &fixture{gw: gw, memory: memory, jobs: jobs}
}

func (f *fixture) history(t *testing.T, sid types.SessionID) []types.HistoryEntry {
	t.Helper()
	m, err := f.memory.Load(context.Background(), sid)
	if err != nil {
		t.Fatal(err)
	}
	return m.ConversationHistory
}

func TestInvokeChat(t *testing.T) {
	f := newFixture(t, &scriptProvider{respond: func([]llm.Message) (*llm.Response, error) {
		return &llm.Response{Content: "Hello there"}, nil
	}}, 2)

	res, err := f.gw.Invoke(context.Background(), "s1", "", "hi")
	if err != nil {
		t.Fatal(err)
	}
	if res.Answer != "Hello there" || res.NextAction != runtime.ActionNone {
		t.Errorf("unexpected result %+v", res)
	}

	h := f.history(t, "s1")
	if len(h) != 2 || h[0].Role != "user" || h[0].Content != "hi" || h[1].Role != "assistant" || h[1].Content != "Hello there" {
		t.Errorf("unexpected history %+v", h)
	}

	events := f.gw.Events("s1")
	if len(events) != 2 || events[0].Type != types.EventModelStart || events[1].Type != types.EventModelEnd {
		t.Errorf("unexpected events %+v", events)
	}
}

func TestInvokeJobsAddsJob(t *testing.T) {
	final := `{"answer":"Added Engineer at Acme","nextAction":"added","data":{"company":"Acme"}}`
	f := newFixture(t, &scriptProvider{respond: func(messages []llm.Message) (*llm.Response, error) {
		if messages[len(messages)-1].Role == llm.RoleUser {
			return &llm.Response{ToolCalls: []llm.ToolCall{{
				ID:       "call_1",
				Type:     "function",
				Function: llm.FunctionCall{Name: "addJob", Arguments: json.RawMessage(`{"company":"Acme","role":"Engineer"}`)},
			}}}, nil
		}
		return &llm.Response{Content: final}, nil
	}}, 2)

	res, err := f.gw.Invoke(context.Background(), "s1", "jobs", "Add the Acme engineer role")
	if err != nil {
		t.Fatal(err)
	}
	if res.NextAction != runtime.ActionAdded || res.Data["company"] != "Acme" {
		t.Errorf("unexpected result %+v", res)
	}

	jobs, err := f.jobs.List("")
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 || jobs[0].Company != "Acme" {
		t.Errorf("expected one Acme job, got %+v", jobs)
	}
	if n := f.gw.ToolUsage("s1")["addJob"]; n != 1 {
		t.Errorf("expected addJob used once, got %d", n)
	}

	h := f.history(t, "s1")
	if len(h) != 2 || h[1].Content != final {
		t.Errorf("expected raw final text in history, got %+v", h)
	}
}

func TestInvokeSerializesSession(t *testing.T) {
	provider := &scriptProvider{delay: 10 * time.Millisecond}
	f := newFixture(t, provider, 4)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.gw.Invoke(context.Background(), "shared", "", "ping"); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if p := provider.peak(); p != 1 {
		t.Errorf("expected turns on one session never to overlap, saw %d at once", p)
	}
	h := f.history(t, "shared")
	if len(h) != 20 {
		t.Fatalf("expected 20 history entries, got %d", len(h))
	}
	for i, e := range h {
		want := "user"
		if i%2 == 1 {
			want = "assistant"
		}
		if e.Role != want {
			t.Errorf("entry %d: expected role %s, got %s", i, want, e.Role)
		}
	}
}

func TestInvokeSessionsRunInParallel(t *testing.T) {
	provider := &scriptProvider{delay: 200 * time.Millisecond}
	f := newFixture(t, provider, 4)

	var wg sync.WaitGroup
	for _, sid := range []types.SessionID{"a", "b"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.gw.Invoke(context.Background(), sid, "", "ping"); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if p := provider.peak(); p != 2 {
		t.Errorf("expected two sessions to run together, peak was %d", p)
	}
}

func TestInvokeModelFailureCommitsNothing(t *testing.T) {
	f := newFixture(t, &scriptProvider{respond: func([]llm.Message) (*llm.Response, error) {
		return nil, errors.New("upstream down")
	}}, 2)

	res, err := f.gw.Invoke(context.Background(), "s1", "", "hi")
	var modelErr *runtime.ModelError
	if !errors.As(err, &modelErr) {
		t.Fatalf("expected ModelError, got %v", err)
	}
	if res.NextAction != runtime.ActionError || res.Answer == "" {
		t.Errorf("expected readable error result, got %+v", res)
	}
	if h := f.history(t, "s1"); len(h) != 0 {
		t.Errorf("expected no history after failed turn, got %+v", h)
	}
}

// flakyMemory fails the next failCommits exchange writes.
type flakyMemory struct {
	*state.MemoryStore
	mu          sync.Mutex
	failCommits int
}

func (m *flakyMemory) AddExchange(ctx context.Context, id types.SessionID, userText, answer string) error {
	m.mu.Lock()
	fail := m.failCommits > 0
	if fail {
		m.failCommits--
	}
	m.mu.Unlock()
	if fail {
		return fmt.Errorf("%w: disk full", state.ErrMemoryStore)
	}
	return m.MemoryStore.AddExchange(ctx, id, userText, answer)
}

func TestInvokeCommitFailureCommitsNothing(t *testing.T) {
	provider := &scriptProvider{respond: func([]llm.Message) (*llm.Response, error) {
		return &llm.Response{Content: "Hello there"}, nil
	}}
	dir := t.TempDir()
	store := state.NewFileMemoryStore(dir)
	memory := &flakyMemory{MemoryStore: store, failCommits: 1}
	jobs := tools.NewJobStore(filepath.Join(dir, "jobs.json"))
	profiles, err := runtime.BuildProfiles(runtime.DefaultTaskFile(), tools.Builtins(tools.Deps{Jobs: jobs, Memory: memory}))
	if err != nil {
		t.Fatal(err)
	}
	gw := New(Deps{
		Engine:   runtime.NewEngine(provider, runtime.Options{}, nil),
		Streamer: runtime.NewStreamer(provider, memory, 0, nil),
		Profiles: profiles,
		Memory:   memory,
		Prompts:  ctxengine.NewWithCounter(func(s string) int { return len(strings.Fields(s)) }, 128000, 4096),
	}, 2)
	gw.Start(context.Background())
	t.Cleanup(gw.Stop)
	ctx := context.Background()

	res, err := gw.Invoke(ctx, "s1", "", "hello")
	if !errors.Is(err, state.ErrMemoryStore) {
		t.Fatalf("expected ErrMemoryStore, got %v", err)
	}
	if res.NextAction != runtime.ActionError {
		t.Errorf("expected error result, got %+v", res)
	}
	m, err := store.Load(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(m.ConversationHistory) != 0 {
		t.Fatalf("failed turn left history %+v", m.ConversationHistory)
	}

	if _, err := gw.Invoke(ctx, "s1", "", "hello"); err != nil {
		t.Fatal(err)
	}
	m, err = store.Load(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	h := m.ConversationHistory
	if len(h) != 2 || h[0].Role != "user" || h[1].Role != "assistant" {
		t.Errorf("expected exactly one exchange after retry, got %+v", h)
	}
}

func TestInvokeRejectsBadInput(t *testing.T) {
	f := newFixture(t, &scriptProvider{}, 2)
	ctx := context.Background()

	if _, err := f.gw.Invoke(ctx, "s1", "", "   "); !errors.Is(err, ErrEmptyPrompt) {
		t.Errorf("expected ErrEmptyPrompt, got %v", err)
	}
	if _, err := f.gw.Invoke(ctx, "../etc", "", "hi"); err == nil {
		t.Error("expected invalid session id error")
	}
	res, err := f.gw.Invoke(ctx, "s1", "astrology", "hi")
	if !errors.Is(err, runtime.ErrUnknownTask) {
		t.Errorf("expected ErrUnknownTask, got %v", err)
	}
	if res.NextAction != runtime.ActionError {
		t.Errorf("expected error result, got %+v", res)
	}
	if _, err := f.gw.InvokeStreaming(ctx, "s1", ""); !errors.Is(err, ErrEmptyPrompt) {
		t.Errorf("expected ErrEmptyPrompt from streaming, got %v", err)
	}
}

func TestInvokeDetachedFromCaller(t *testing.T) {
	f := newFixture(t, &scriptProvider{delay: 150 * time.Millisecond}, 2)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	if _, err := f.gw.Invoke(ctx, "s1", "", "hi"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected caller to stop waiting with context.Canceled, got %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(f.history(t, "s1")) == 2 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("expected the turn to complete and commit after the caller left")
}

func TestInvokeAfterStop(t *testing.T) {
	f := newFixture(t, &scriptProvider{}, 2)
	f.gw.Stop()

	res, err := f.gw.Invoke(context.Background(), "s1", "", "hi")
	if !errors.Is(err, ErrQueueStopped) {
		t.Errorf("expected ErrQueueStopped, got %v", err)
	}
	if res.NextAction != runtime.ActionError {
		t.Errorf("expected error result, got %+v", res)
	}
}

func TestInvokeStreaming(t *testing.T) {
	provider := &scriptProvider{deltas: []string{"Hel", "lo"}}
	f := newFixture(t, provider, 2)

	ch, err := f.gw.InvokeStreaming(context.Background(), "s1", "hi")
	if err != nil {
		t.Fatal(err)
	}
	var text strings.Builder
	var last runtime.Chunk
	for c := range ch {
		text.WriteString(c.Text)
		last = c
	}
	if text.String() != "Hello" || !last.Done || last.Err != nil {
		t.Errorf("unexpected stream %q, last %+v", text.String(), last)
	}
	if tools := provider.tools[0]; tools != nil {
		t.Errorf("expected no tools on the streaming path, got %d", len(tools))
	}

	h := f.history(t, "s1")
	if len(h) != 2 || h[1].Content != "Hello" {
		t.Errorf("unexpected history %+v", h)
	}
}

func TestInvokeStreamingCancelCommitsPartial(t *testing.T) {
	f := newFixture(t, &scriptProvider{deltas: []string{"Hel"}, hold: true}, 2)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := f.gw.InvokeStreaming(ctx, "s1", "hi")
	if err != nil {
		t.Fatal(err)
	}
	first := <-ch
	if first.Text != "Hel" {
		t.Fatalf("expected first chunk 'Hel', got %+v", first)
	}
	cancel()
	for c := range ch {
		if c.Done {
			t.Errorf("expected no done chunk after cancellation, got %+v", c)
		}
	}

	h := f.history(t, "s1")
	if len(h) != 2 || h[0].Content != "hi" || h[1].Content != "Hel" {
		t.Errorf("expected partial text committed, got %+v", h)
	}
}

func TestInvokeAndStreamShareLane(t *testing.T) {
	provider := &scriptProvider{delay: 100 * time.Millisecond, deltas: []string{"streamed"}}
	f := newFixture(t, provider, 4)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := f.gw.Invoke(context.Background(), "s1", "", "first"); err != nil {
			t.Error(err)
		}
	}()
	time.Sleep(20 * time.Millisecond)

	ch, err := f.gw.InvokeStreaming(context.Background(), "s1", "second")
	if err != nil {
		t.Fatal(err)
	}
	for range ch {
	}
	<-done

	h := f.history(t, "s1")
	if len(h) != 4 || h[0].Content != "first" || h[2].Content != "second" || h[3].Content != "streamed" {
		t.Errorf("expected the streaming turn to follow the queued one, got %+v", h)
	}
}
