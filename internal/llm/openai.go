package llm

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// OpenAIClient speaks the OpenAI chat completions API. Any compatible
// gateway works by pointing BaseURL at it, e.g.
// https://openrouter.ai/api/v1.
type OpenAIClient struct {
	baseURL string
	apiKey  string
	wire    *wire
	logger  *slog.Logger
}

// NewOpenAIClient creates an OpenAI-compatible client.
func NewOpenAIClient(opts Options) *OpenAIClient {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.openai.com/v1"
	}
	opts.applyDefaults("openai")
	return &OpenAIClient{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		apiKey:  opts.APIKey,
		wire:    &wire{provider: "the OpenAI-compatible API", opts: opts},
		logger:  opts.Logger,
	}
}

type openaiRequest struct {
	Model    string          `json:"model"`
	Messages []openaiMessage `json:"messages"`
	Tools    []openaiTool    `json:"tools,omitempty"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    *string          `json:"content"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openaiTool struct {
	Type     string         `json:"type"`
	Function openaiFunction `json:"function"`
}

type openaiFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

type openaiResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      openaiMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (c *OpenAIClient) headers() map[string]string {
	h := map[string]string{}
	if c.apiKey != "" {
		h["Authorization"] = "Bearer " + c.apiKey
	}
	return h
}

// Chat sends a chat completion request.
func (c *OpenAIClient) Chat(ctx context.Context, model string, messages []Message, tools []Tool) (*ChatResponse, error) {
	req := openaiRequest{Model: model, Messages: toOpenAIMessages(messages)}
	for _, t := range tools {
		req.Tools = append(req.Tools, openaiTool{Type: "function", Function: openaiFunction{
			Name: t.Name, Description: t.Description, Parameters: t.Parameters,
		}})
	}

	start := time.Now()
	var resp openaiResponse
	if err := c.wire.send(ctx, "llm.chat", http.MethodPost, c.baseURL+"/chat/completions", c.headers(), req, &resp); err != nil {
		return nil, err
	}
	out := fromOpenAI(&resp)
	out.Elapsed = time.Since(start)

	c.logger.Debug("response received",
		"model", out.Model,
		"input_tokens", out.InputTokens,
		"output_tokens", out.OutputTokens,
		"tool_calls", len(out.Message.ToolCalls),
		"elapsed", out.Elapsed.Round(time.Millisecond),
	)
	return out, nil
}

// Ping lists models to verify reachability and the key.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	return c.wire.send(ctx, "llm.ping", http.MethodGet, c.baseURL+"/models", c.headers(), nil, nil)
}

func toOpenAIMessages(messages []Message) []openaiMessage {
	out := make([]openaiMessage, 0, len(messages))
	for _, m := range messages {
		content := m.Content
		om := openaiMessage{Role: m.Role, Content: &content, ToolCallID: m.ToolCallID}
		if len(m.ToolCalls) > 0 {
			if content == "" {
				om.Content = nil
			}
			for _, tc := range m.ToolCalls {
				args, _ := json.Marshal(nonNil(tc.Arguments))
				call := openaiToolCall{ID: tc.ID, Type: "function"}
				call.Function.Name = tc.Name
				call.Function.Arguments = string(args)
				om.ToolCalls = append(om.ToolCalls, call)
			}
		}
		out = append(out, om)
	}
	return out
}

func fromOpenAI(resp *openaiResponse) *ChatResponse {
	out := &ChatResponse{
		Model:        resp.Model,
		Message:      Message{Role: RoleAssistant},
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}
	if len(resp.Choices) == 0 {
		return out
	}
	choice := resp.Choices[0]
	out.StopReason = choice.FinishReason
	if choice.Message.Content != nil {
		out.Message.Content = *choice.Message.Content
	}
	for _, tc := range choice.Message.ToolCalls {
		out.Message.ToolCalls = append(out.Message.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: decodeArguments(tc.Function.Arguments),
		})
	}
	return out
}

func nonNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
