// Package llm provides clients for the planning model: OpenAI-compatible
// chat completions (OpenAI, OpenRouter and other gateways), Ollama and
// Anthropic.
package llm

import (
	"log/slog"
	"time"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is a provider-neutral chat message.
type Message struct {
	Role      string
	Content   string
	ToolCalls []ToolCall
	// ToolCallID links a tool message to the call it answers.
	ToolCallID string
	// ToolName names the tool a tool message answers; some providers
	// want it alongside the id.
	ToolName string
}

// ToolCall is a tool requested by the model.
type ToolCall struct {
	// ID is assigned by the provider or by the caller when replaying
	// history.
	ID        string
	Name      string
	Arguments map[string]any
}

// Tool describes a callable tool. Parameters is a JSON Schema object.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ChatResponse is the provider-neutral reply.
type ChatResponse struct {
	Model      string
	Message    Message
	StopReason string

	InputTokens  int
	OutputTokens int
	Elapsed      time.Duration
}
