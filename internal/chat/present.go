// Package chat is the terminal surface: a line-oriented REPL over one
// session and a lipgloss presenter for its output.
package chat

import (
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/akstspace/media-mgmt-agent/internal/apperr"
	"github.com/akstspace/media-mgmt-agent/internal/session"
	"github.com/akstspace/media-mgmt-agent/internal/tools"
)

// Presenter renders conversation output.
type Presenter interface {
	// Message renders one history message.
	Message(m session.Message)
	// Progress reports a tool starting during a turn.
	Progress(tool string)
	// Notice prints an informational line.
	Notice(format string, args ...any)
	// Error renders a failure that is not part of the history.
	Error(err error)
}

// Terminal renders to a writer with lipgloss styles. Colors are dropped
// automatically when the writer is not a terminal.
type Terminal struct {
	w io.Writer

	user      lipgloss.Style
	assistant lipgloss.Style
	tool      lipgloss.Style
	content   lipgloss.Style
	progress  lipgloss.Style
	notice    lipgloss.Style
	failure   lipgloss.Style
}

// NewTerminal returns a presenter writing to w.
func NewTerminal(w io.Writer) *Terminal {
	r := lipgloss.NewRenderer(w)
	return &Terminal{
		w: w,
		user: r.NewStyle().
			Foreground(lipgloss.Color("39")).
			Bold(true),
		assistant: r.NewStyle().
			Foreground(lipgloss.Color("135")).
			Bold(true),
		tool: r.NewStyle().
			Foreground(lipgloss.Color("62")),
		content: r.NewStyle().
			PaddingLeft(2),
		progress: r.NewStyle().
			Foreground(lipgloss.Color("243")).
			Italic(true),
		notice: r.NewStyle().
			Foreground(lipgloss.Color("243")),
		failure: r.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true),
	}
}

// Message implements Presenter.
func (t *Terminal) Message(m session.Message) {
	switch m.Role {
	case session.RoleUser:
		fmt.Fprintln(t.w, t.user.Render("you")+" "+t.timestamp(m))
		fmt.Fprintln(t.w, t.content.Render(m.Content))
	case session.RoleAssistant:
		label := t.assistant.Render("mediabot")
		if m.Kind != "" {
			label = t.failure.Render("mediabot (" + string(m.Kind) + ")")
		}
		fmt.Fprintln(t.w, label+" "+t.timestamp(m))
		if m.Content != "" {
			fmt.Fprintln(t.w, t.content.Render(m.Content))
		}
		for _, inv := range m.Invocations {
			fmt.Fprintln(t.w, t.content.Render(t.tool.Render("→ "+callSummary(inv))))
		}
	case session.RoleTool:
		label := "← " + m.Tool
		if m.Kind != "" {
			label += " (" + string(m.Kind) + ")"
		}
		fmt.Fprintln(t.w, t.content.Render(t.tool.Render(label)))
		fmt.Fprintln(t.w, t.content.Render(m.Content))
	}
	fmt.Fprintln(t.w)
}

func (t *Terminal) timestamp(m session.Message) string {
	if m.Timestamp.IsZero() {
		return ""
	}
	return t.notice.Render(m.Timestamp.Format("15:04:05"))
}

// Progress implements Presenter.
func (t *Terminal) Progress(tool string) {
	fmt.Fprintln(t.w, t.progress.Render("  … "+tool))
}

// Notice implements Presenter.
func (t *Terminal) Notice(format string, args ...any) {
	fmt.Fprintln(t.w, t.notice.Render(fmt.Sprintf(format, args...)))
}

// Error implements Presenter.
func (t *Terminal) Error(err error) {
	fmt.Fprintln(t.w, t.failure.Render(fmt.Sprintf("%s: %s", apperr.KindOf(err), apperr.DetailOf(err))))
}

// callSummary renders an invocation as name(key=value, ...), keys sorted.
func callSummary(inv tools.Invocation) string {
	if len(inv.Arguments) == 0 {
		return inv.Tool + "()"
	}
	keys := make([]string, 0, len(inv.Arguments))
	for k := range inv.Arguments {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, inv.Arguments[k]))
	}
	return inv.Tool + "(" + strings.Join(parts, ", ") + ")"
}
