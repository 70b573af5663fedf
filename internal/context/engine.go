// internal/context/engine.go
package context

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"github.com/user/taskpilot/internal/types"
	"github.com/user/taskpilot/pkg/llm"
)

// Engine assembles token-budgeted prompts for the LLM.
type Engine struct {
	count     func(string) int
	maxTokens int
	reserve   int
	tmpl      *template.Template
	now       func() time.Time
}

// New creates a context engine with the specified token budget.
// model is used to select the appropriate tokenizer (e.g. "gpt-4").
// maxTokens is the model's context window size.
// reserve is the number of tokens to reserve for the model's response.
func New(model string, maxTokens, reserve int) (*Engine, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// Fallback to cl100k_base for unknown models
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	return NewWithCounter(func(s string) int {
		return len(enc.Encode(s, nil, nil))
	}, maxTokens, reserve), nil
}

// NewWithCounter creates an engine with a caller-supplied token counter.
func NewWithCounter(count func(string) int, maxTokens, reserve int) *Engine {
	return &Engine{
		count:     count,
		maxTokens: maxTokens,
		reserve:   reserve,
		tmpl:      template.Must(template.New("system").Parse(DefaultPrompt)),
		now:       time.Now,
	}
}

// SetTemplate replaces the system prompt template.
func (e *Engine) SetTemplate(text string) error {
	tmpl, err := template.New("system").Parse(text)
	if err != nil {
		return fmt.Errorf("parse prompt template: %w", err)
	}
	e.tmpl = tmpl
	return nil
}

// PromptInput is everything a turn's prompt is built from.
type PromptInput struct {
	SessionID    types.SessionID
	Task         string
	Instructions string
	Tools        []string
	Summary      *types.MemorySummary
	History      []types.HistoryEntry
	UserText     string
}

// Prompt is an assembled system prompt plus the history that fits the budget.
type Prompt struct {
	System  string
	History []llm.Message
	Dropped int
}

// Messages returns system, history and the user message as one transcript.
func (p *Prompt) Messages(userText string) []llm.Message {
	out := make([]llm.Message, 0, len(p.History)+2)
	out = append(out, llm.System(p.System))
	out = append(out, p.History...)
	return append(out, llm.User(userText))
}

// PromptData is the data the system prompt template sees.
type PromptData struct {
	Time              string
	SessionID         string
	Task              string
	Instructions      string
	Tools             string
	Preferences       []KeyValue
	Context           []KeyValue
	Facts             []string
	ConversationCount int
}

// KeyValue is one rendered map entry.
type KeyValue struct {
	Key   string
	Value string
}

// BuildPrompt renders the system prompt and keeps as much recent history as
// fits in the input budget. History is trimmed from the oldest end.
func (e *Engine) BuildPrompt(in PromptInput) (*Prompt, error) {
	system, err := e.renderSystem(in)
	if err != nil {
		return nil, err
	}

	budget := e.maxTokens - e.reserve - e.count(system) - e.count(in.UserText)

	var kept []llm.Message
	used := 0
	i := len(in.History) - 1
	for ; i >= 0; i-- {
		h := in.History[i]
		msg, ok := historyMessage(h)
		if !ok {
			continue
		}
		tokens := e.count(msg.Content)
		if used+tokens > budget {
			break
		}
		kept = append(kept, msg)
		used += tokens
	}
	dropped := i + 1

	for l, r := 0, len(kept)-1; l < r; l, r = l+1, r-1 {
		kept[l], kept[r] = kept[r], kept[l]
	}
	return &Prompt{System: system, History: kept, Dropped: dropped}, nil
}

func (e *Engine) renderSystem(in PromptInput) (string, error) {
	data := PromptData{
		Time:         e.now().Format(time.RFC3339),
		SessionID:    string(in.SessionID),
		Task:         in.Task,
		Instructions: in.Instructions,
		Tools:        strings.Join(in.Tools, ", "),
	}
	if s := in.Summary; s != nil {
		data.Preferences = sortedPairs(s.Preferences)
		data.Context = sortedPairs(s.Context)
		for _, f := range s.RecentFacts {
			data.Facts = append(data.Facts, f.Fact)
		}
		data.ConversationCount = s.ConversationCount
	}

	var buf bytes.Buffer
	if err := e.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return buf.String(), nil
}

func historyMessage(h types.HistoryEntry) (llm.Message, bool) {
	switch h.Role {
	case llm.RoleUser:
		return llm.User(h.Content), true
	case llm.RoleAssistant:
		return llm.Assistant(h.Content), true
	}
	return llm.Message{}, false
}

func sortedPairs(m map[string]any) []KeyValue {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]KeyValue, 0, len(keys))
	for _, k := range keys {
		out = append(out, KeyValue{Key: k, Value: renderValue(m[k])})
	}
	return out
}

func renderValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
