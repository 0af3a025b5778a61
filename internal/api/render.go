package api

import (
	"bytes"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/akstspace/media-mgmt-agent/internal/agent"
	"github.com/akstspace/media-mgmt-agent/internal/session"
	"github.com/akstspace/media-mgmt-agent/internal/tools"
)

// markdown renders tool tables and assistant answers. Raw HTML in the
// source is escaped.
var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

func toHTML(md string) string {
	if md == "" {
		return ""
	}
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(md), &buf); err != nil {
		return ""
	}
	return buf.String()
}

// wireMessage is a history message as served to clients.
type wireMessage struct {
	Role          string             `json:"role"`
	Content       string             `json:"content"`
	HTML          string             `json:"html,omitempty"`
	Timestamp     time.Time          `json:"timestamp"`
	Invocations   []tools.Invocation `json:"invocations,omitempty"`
	CorrelationID string             `json:"correlation_id,omitempty"`
	Tool          string             `json:"tool,omitempty"`
	Kind          string             `json:"kind,omitempty"`
}

func toWire(m session.Message) wireMessage {
	return wireMessage{
		Role:          string(m.Role),
		Content:       m.Content,
		HTML:          toHTML(m.Content),
		Timestamp:     m.Timestamp,
		Invocations:   m.Invocations,
		CorrelationID: m.CorrelationID,
		Tool:          m.Tool,
		Kind:          string(m.Kind),
	}
}

// wireTool summarizes one tool result of a turn.
type wireTool struct {
	CorrelationID string `json:"correlation_id"`
	Tool          string `json:"tool"`
	Status        string `json:"status"`
	Kind          string `json:"kind,omitempty"`
	ElapsedMS     int64  `json:"elapsed_ms"`
}

// wireTurn is the reply to a chat request.
type wireTurn struct {
	TurnID     string     `json:"turn_id,omitempty"`
	Answer     string     `json:"answer"`
	AnswerHTML string     `json:"answer_html,omitempty"`
	Iterations int        `json:"iterations"`
	Kind       string     `json:"kind,omitempty"`
	Tools      []wireTool `json:"tools"`
	ElapsedMS  int64      `json:"elapsed_ms"`
}

func toWireTurn(t *agent.Turn) wireTurn {
	out := wireTurn{
		TurnID:     t.ID,
		Answer:     t.Answer,
		AnswerHTML: toHTML(t.Answer),
		Iterations: t.Iterations,
		Kind:       string(t.Kind),
		Tools:      make([]wireTool, 0, len(t.Results)),
		ElapsedMS:  t.Elapsed.Milliseconds(),
	}
	for _, r := range t.Results {
		out.Tools = append(out.Tools, wireTool{
			CorrelationID: r.CorrelationID,
			Tool:          r.Tool,
			Status:        string(r.Status),
			Kind:          string(r.Kind),
			ElapsedMS:     r.Elapsed.Milliseconds(),
		})
	}
	return out
}
