package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/user/taskpilot/pkg/llm"
)

// Client implements the llm.Provider interface for OpenAI-compatible APIs.
type Client struct {
	config *llm.Config
	api    *goopenai.Client
}

// New creates a new OpenAI-compatible client with the given configuration.
func New(config *llm.Config) *Client {
	cc := goopenai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		cc.BaseURL = config.BaseURL
	}
	return &Client{
		config: config,
		api:    goopenai.NewClientWithConfig(cc),
	}
}

func (c *Client) request(messages []llm.Message, tools []llm.Tool) goopenai.ChatCompletionRequest {
	req := goopenai.ChatCompletionRequest{
		Model:    c.config.Model,
		Messages: toRequestMessages(messages),
	}
	if len(tools) > 0 {
		req.Tools = toRequestTools(tools)
	}
	if c.config.MaxTokens > 0 {
		req.MaxTokens = c.config.MaxTokens
	}
	if c.config.Temperature != 0 {
		req.Temperature = c.config.Temperature
	}
	return req
}

func toRequestMessages(messages []llm.Message) []goopenai.ChatCompletionMessage {
	out := make([]goopenai.ChatCompletionMessage, len(messages))
	for i, msg := range messages {
		rm := goopenai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}
		switch {
		case msg.Role == llm.RoleTool:
			rm.ToolCallID = msg.ToolCallID
		case len(msg.ToolCalls) > 0:
			rm.ToolCalls = make([]goopenai.ToolCall, len(msg.ToolCalls))
			for j, tc := range msg.ToolCalls {
				rm.ToolCalls[j] = goopenai.ToolCall{
					ID:   tc.ID,
					Type: goopenai.ToolTypeFunction,
					Function: goopenai.FunctionCall{
						Name:      tc.Function.Name,
						Arguments: string(tc.Function.Arguments),
					},
				}
			}
		}
		out[i] = rm
	}
	return out
}

func toRequestTools(tools []llm.Tool) []goopenai.Tool {
	out := make([]goopenai.Tool, len(tools))
	for i, t := range tools {
		params := t.Function.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		out[i] = goopenai.Tool{
			Type: goopenai.ToolTypeFunction,
			Function: &goopenai.FunctionDefinition{
				Name:        t.Function.Name,
				Description: t.Function.Description,
				Parameters:  params,
			},
		}
	}
	return out
}

func fromToolCall(tc goopenai.ToolCall) llm.ToolCall {
	args := json.RawMessage(tc.Function.Arguments)
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	return llm.ToolCall{
		ID:   tc.ID,
		Type: "function",
		Function: llm.FunctionCall{
			Name:      tc.Function.Name,
			Arguments: args,
		},
	}
}

// Complete sends a chat completion request and returns the full response.
func (c *Client) Complete(ctx context.Context, messages []llm.Message, tools []llm.Tool) (*llm.Response, error) {
	resp, err := c.api.CreateChatCompletion(ctx, c.request(messages, tools))
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}

	choice := resp.Choices[0]
	out := &llm.Response{
		Content: choice.Message.Content,
		Usage: llm.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, fromToolCall(tc))
	}
	return out, nil
}

// Embed returns one vector per text using the configured embedding model.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	model := c.config.EmbeddingModel
	if model == "" {
		model = string(goopenai.SmallEmbedding3)
	}
	resp, err := c.api.CreateEmbeddings(ctx, goopenai.EmbeddingRequest{
		Input: texts,
		Model: goopenai.EmbeddingModel(model),
	})
	if err != nil {
		return nil, fmt.Errorf("create embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(resp.Data))
	}
	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("embedding index %d out of range", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

// Stream sends a streaming chat completion request and returns a channel of
// incremental deltas. Text is forwarded as it arrives; tool call fragments
// are accumulated by index and emitted once the stream ends. The channel is
// closed when the stream ends, fails, or ctx is done.
func (c *Client) Stream(ctx context.Context, messages []llm.Message, tools []llm.Tool) (<-chan llm.Delta, error) {
	req := c.request(messages, tools)
	req.Stream = true

	stream, err := c.api.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("open chat stream: %w", err)
	}

	ch := make(chan llm.Delta)
	go func() {
		defer close(ch)
		defer stream.Close()

		send := func(d llm.Delta) bool {
			select {
			case ch <- d:
				return true
			case <-ctx.Done():
				return false
			}
		}

		pending := make(map[int]*goopenai.ToolCall)
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				if calls := collectToolCalls(pending); len(calls) > 0 {
					send(llm.Delta{ToolCalls: calls})
				}
				return
			}
			if err != nil {
				send(llm.Delta{Err: fmt.Errorf("read chat stream: %w", err)})
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}

			delta := resp.Choices[0].Delta
			if delta.Content != "" {
				if !send(llm.Delta{Content: delta.Content}) {
					return
				}
			}
			for _, tc := range delta.ToolCalls {
				index := 0
				if tc.Index != nil {
					index = *tc.Index
				}
				acc, ok := pending[index]
				if !ok {
					acc = &goopenai.ToolCall{}
					pending[index] = acc
				}
				if tc.ID != "" {
					acc.ID = tc.ID
				}
				if tc.Function.Name != "" {
					acc.Function.Name = tc.Function.Name
				}
				acc.Function.Arguments += tc.Function.Arguments
			}
		}
	}()

	return ch, nil
}

func collectToolCalls(pending map[int]*goopenai.ToolCall) []llm.ToolCall {
	indexes := make([]int, 0, len(pending))
	for i := range pending {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	var out []llm.ToolCall
	for _, i := range indexes {
		tc := pending[i]
		if tc.ID == "" || tc.Function.Name == "" {
			continue
		}
		out = append(out, fromToolCall(*tc))
	}
	return out
}
