package llm

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	anthropicAPIVersion = "2023-06-01"
	anthropicMaxTokens  = 4096
)

// AnthropicClient is a client for the Anthropic Messages API.
type AnthropicClient struct {
	baseURL string
	apiKey  string
	wire    *wire
	logger  *slog.Logger
}

// NewAnthropicClient creates an Anthropic client.
func NewAnthropicClient(opts Options) *AnthropicClient {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.anthropic.com"
	}
	opts.applyDefaults("anthropic")
	return &AnthropicClient{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		apiKey:  opts.APIKey,
		wire:    &wire{provider: "Anthropic", opts: opts},
		logger:  opts.Logger,
	}
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	System    string             `json:"system,omitempty"`
	MaxTokens int                `json:"max_tokens"`
	Tools     []anthropicTool    `json:"tools,omitempty"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Input     any    `json:"input,omitempty"`
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"` // tool_result
	IsError   bool   `json:"is_error,omitempty"`
}

type anthropicTool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"input_schema"`
}

type anthropicResponse struct {
	Model      string             `json:"model"`
	Role       string             `json:"role"`
	Content    []anthropicContent `json:"content"`
	StopReason string             `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (c *AnthropicClient) headers() map[string]string {
	return map[string]string{
		"x-api-key":         c.apiKey,
		"anthropic-version": anthropicAPIVersion,
	}
}

// Chat sends a Messages API request.
func (c *AnthropicClient) Chat(ctx context.Context, model string, messages []Message, tools []Tool) (*ChatResponse, error) {
	msgs, system := toAnthropic(messages)
	req := anthropicRequest{
		Model:     model,
		Messages:  msgs,
		System:    system,
		MaxTokens: anthropicMaxTokens,
	}
	for _, t := range tools {
		params := any(t.Parameters)
		if t.Parameters == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		req.Tools = append(req.Tools, anthropicTool{Name: t.Name, Description: t.Description, InputSchema: params})
	}

	start := time.Now()
	var resp anthropicResponse
	if err := c.wire.send(ctx, "llm.chat", http.MethodPost, c.baseURL+"/v1/messages", c.headers(), req, &resp); err != nil {
		return nil, err
	}
	out := fromAnthropic(&resp)
	out.Elapsed = time.Since(start)

	c.logger.Debug("response received",
		"model", out.Model,
		"input_tokens", out.InputTokens,
		"output_tokens", out.OutputTokens,
		"tool_calls", len(out.Message.ToolCalls),
		"stop_reason", out.StopReason,
	)
	return out, nil
}

// Ping lists models to verify the key.
func (c *AnthropicClient) Ping(ctx context.Context) error {
	return c.wire.send(ctx, "llm.ping", http.MethodGet, c.baseURL+"/v1/models", c.headers(), nil, nil)
}

// toAnthropic converts messages to Anthropic's shape: system messages
// move to the system field, tool results become user-role tool_result
// blocks, and consecutive same-role messages are merged because the API
// requires alternation.
func toAnthropic(messages []Message) ([]anthropicMessage, string) {
	var (
		system []string
		out    []anthropicMessage
	)
	push := func(role string, blocks ...anthropicContent) {
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, blocks...)
			return
		}
		out = append(out, anthropicMessage{Role: role, Content: blocks})
	}

	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)
		case RoleUser:
			push("user", anthropicContent{Type: "text", Text: m.Content})
		case RoleTool:
			push("user", anthropicContent{Type: "tool_result", ToolUseID: m.ToolCallID, Content: m.Content})
		case RoleAssistant:
			var blocks []anthropicContent
			if m.Content != "" {
				blocks = append(blocks, anthropicContent{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, anthropicContent{Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: nonNil(tc.Arguments)})
			}
			if len(blocks) > 0 {
				push("assistant", blocks...)
			}
		}
	}
	return out, strings.Join(system, "\n\n")
}

func fromAnthropic(resp *anthropicResponse) *ChatResponse {
	out := &ChatResponse{
		Model:        resp.Model,
		Message:      Message{Role: RoleAssistant},
		StopReason:   resp.StopReason,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}
	var text strings.Builder
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			args, _ := block.Input.(map[string]any)
			out.Message.ToolCalls = append(out.Message.ToolCalls, ToolCall{ID: block.ID, Name: block.Name, Arguments: nonNil(args)})
		}
	}
	out.Message.Content = text.String()
	return out
}
