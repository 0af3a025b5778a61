package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/akstspace/media-mgmt-agent/internal/llm"
	"github.com/akstspace/media-mgmt-agent/internal/prompts"
	"github.com/akstspace/media-mgmt-agent/internal/session"
	"github.com/akstspace/media-mgmt-agent/internal/tools"
)

// DefaultHistoryLimit caps how many trailing history messages are sent
// to the model per planning step.
const DefaultHistoryLimit = 60

// LLMPlanner plans with a chat model. Tool calls in the reply become
// invocations; a reply without tool calls is the final answer.
type LLMPlanner struct {
	client       llm.Client
	model        string
	services     []prompts.Service
	now          func() time.Time
	historyLimit int
	logger       *slog.Logger
}

// PlannerConfig configures an LLMPlanner.
type PlannerConfig struct {
	Model    string
	Services []prompts.Service
	// HistoryLimit defaults to DefaultHistoryLimit.
	HistoryLimit int
	Now          func() time.Time
	Logger       *slog.Logger
}

// NewLLMPlanner returns a planner backed by client.
func NewLLMPlanner(client llm.Client, cfg PlannerConfig) *LLMPlanner {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &LLMPlanner{
		client:       client,
		model:        cfg.Model,
		services:     cfg.Services,
		now:          cfg.Now,
		historyLimit: cfg.HistoryLimit,
		logger:       cfg.Logger.With("component", "planner"),
	}
}

// Plan implements Planner.
func (p *LLMPlanner) Plan(ctx context.Context, history []session.Message, catalog []tools.Descriptor) (*Plan, error) {
	msgs := make([]llm.Message, 0, len(history)+1)
	msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: prompts.System(p.services, p.now())})
	msgs = append(msgs, toLLMMessages(trimHistory(history, p.historyLimit))...)

	resp, err := p.client.Chat(ctx, p.model, msgs, toLLMTools(catalog))
	if err != nil {
		return nil, err
	}
	p.logger.Debug("plan received",
		"model", resp.Model,
		"tool_calls", len(resp.Message.ToolCalls),
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"elapsed", resp.Elapsed.Round(time.Millisecond),
	)

	plan := &Plan{Text: resp.Message.Content}
	for _, tc := range resp.Message.ToolCalls {
		// Provider ids are dropped; the loop assigns correlation ids and
		// they are replayed as tool call ids on the next request.
		plan.Invocations = append(plan.Invocations, tools.Invocation{
			Tool:      tc.Name,
			Arguments: tc.Arguments,
		})
	}
	return plan, nil
}

// trimHistory keeps about limit trailing messages, always starting at a
// user message so no tool result is sent without the call it answers.
// A turn longer than limit is kept whole from its user message.
func trimHistory(history []session.Message, limit int) []session.Message {
	if len(history) <= limit {
		return history
	}
	cut := len(history) - limit
	for i := cut; i < len(history); i++ {
		if history[i].Role == session.RoleUser {
			return history[i:]
		}
	}
	for i := cut - 1; i >= 0; i-- {
		if history[i].Role == session.RoleUser {
			return history[i:]
		}
	}
	return history
}

func toLLMMessages(history []session.Message) []llm.Message {
	out := make([]llm.Message, 0, len(history))
	for _, m := range history {
		switch m.Role {
		case session.RoleUser:
			out = append(out, llm.Message{Role: llm.RoleUser, Content: m.Content})
		case session.RoleAssistant:
			msg := llm.Message{Role: llm.RoleAssistant, Content: m.Content}
			for _, inv := range m.Invocations {
				msg.ToolCalls = append(msg.ToolCalls, llm.ToolCall{
					ID:        inv.CorrelationID,
					Name:      inv.Tool,
					Arguments: inv.Arguments,
				})
			}
			out = append(out, msg)
		case session.RoleTool:
			out = append(out, llm.Message{
				Role:       llm.RoleTool,
				Content:    m.Content,
				ToolCallID: m.CorrelationID,
				ToolName:   m.Tool,
			})
		}
	}
	return out
}

func toLLMTools(catalog []tools.Descriptor) []llm.Tool {
	out := make([]llm.Tool, 0, len(catalog))
	for _, d := range catalog {
		out = append(out, llm.Tool{Name: d.Name, Description: d.Description, Parameters: d.Parameters()})
	}
	return out
}
