package llm

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// OllamaClient is a client for the Ollama chat API.
type OllamaClient struct {
	baseURL string
	wire    *wire
	logger  *slog.Logger
}

// NewOllamaClient creates an Ollama client.
func NewOllamaClient(opts Options) *OllamaClient {
	if opts.BaseURL == "" {
		opts.BaseURL = "http://localhost:11434"
	}
	opts.applyDefaults("ollama")
	return &OllamaClient{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		wire:    &wire{provider: "Ollama", opts: opts},
		logger:  opts.Logger,
	}
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Tools    []openaiTool    `json:"tools,omitempty"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type ollamaToolCall struct {
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"` // an object, not a string
	} `json:"function"`
}

type ollamaResponse struct {
	Model           string        `json:"model"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	DoneReason      string        `json:"done_reason"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
}

// Chat sends a non-streaming chat request.
func (c *OllamaClient) Chat(ctx context.Context, model string, messages []Message, tools []Tool) (*ChatResponse, error) {
	req := ollamaRequest{Model: model, Stream: false}
	for _, m := range messages {
		om := ollamaMessage{Role: m.Role, Content: m.Content, ToolName: m.ToolName}
		for _, tc := range m.ToolCalls {
			var call ollamaToolCall
			call.Function.Name = tc.Name
			call.Function.Arguments = nonNil(tc.Arguments)
			om.ToolCalls = append(om.ToolCalls, call)
		}
		req.Messages = append(req.Messages, om)
	}
	for _, t := range tools {
		req.Tools = append(req.Tools, openaiTool{Type: "function", Function: openaiFunction{
			Name: t.Name, Description: t.Description, Parameters: t.Parameters,
		}})
	}

	start := time.Now()
	var resp ollamaResponse
	if err := c.wire.send(ctx, "llm.chat", http.MethodPost, c.baseURL+"/api/chat", nil, req, &resp); err != nil {
		return nil, err
	}

	out := &ChatResponse{
		Model:        resp.Model,
		Message:      Message{Role: RoleAssistant, Content: resp.Message.Content},
		StopReason:   resp.DoneReason,
		InputTokens:  resp.PromptEvalCount,
		OutputTokens: resp.EvalCount,
		Elapsed:      time.Since(start),
	}
	for _, tc := range resp.Message.ToolCalls {
		out.Message.ToolCalls = append(out.Message.ToolCalls, ToolCall{Name: tc.Function.Name, Arguments: nonNil(tc.Function.Arguments)})
	}
	// Smaller local models often emit tool calls as JSON in the content.
	if len(out.Message.ToolCalls) == 0 && out.Message.Content != "" {
		if parsed := parseTextToolCalls(out.Message.Content); len(parsed) > 0 {
			out.Message.ToolCalls = parsed
			out.Message.Content = ""
		}
	}

	c.logger.Debug("response received",
		"model", out.Model,
		"input_tokens", out.InputTokens,
		"output_tokens", out.OutputTokens,
		"tool_calls", len(out.Message.ToolCalls),
		"elapsed", out.Elapsed.Round(time.Millisecond),
	)
	return out, nil
}

// Ping checks that Ollama answers.
func (c *OllamaClient) Ping(ctx context.Context) error {
	return c.wire.send(ctx, "llm.ping", http.MethodGet, c.baseURL+"/api/tags", nil, nil, nil)
}

// parseTextToolCalls extracts tool calls written into the content as
// JSON: a single {"name": ..., "arguments": {...}} object, an array of
// them, or either wrapped in <tool_call> tags.
func parseTextToolCalls(content string) []ToolCall {
	content = strings.TrimSpace(content)
	if start := strings.Index(content, "<tool_call>"); start != -1 {
		content = content[start+len("<tool_call>"):]
		if end := strings.Index(content, "</tool_call>"); end != -1 {
			content = content[:end]
		}
		content = strings.TrimSpace(content)
	}
	if content == "" || (content[0] != '{' && content[0] != '[') {
		return nil
	}

	type textCall struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	var calls []textCall
	if err := json.Unmarshal([]byte(content), &calls); err != nil {
		var single textCall
		if err := json.Unmarshal([]byte(content), &single); err != nil {
			return nil
		}
		calls = []textCall{single}
	}

	var out []ToolCall
	for _, c := range calls {
		if c.Name == "" {
			continue
		}
		out = append(out, ToolCall{Name: c.Name, Arguments: nonNil(c.Arguments)})
	}
	return out
}
