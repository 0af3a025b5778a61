// Package agent runs conversation turns: it consults the planner,
// executes the tools it requests through the catalog and feeds results
// back until the planner answers or the iteration cap is reached.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/akstspace/media-mgmt-agent/internal/apperr"
	"github.com/akstspace/media-mgmt-agent/internal/events"
	"github.com/akstspace/media-mgmt-agent/internal/session"
	"github.com/akstspace/media-mgmt-agent/internal/tools"
)

// DefaultMaxIterations bounds planner calls per turn.
const DefaultMaxIterations = 8

// State is a loop state.
type State string

// Loop states.
const (
	StateAwaitingInput State = "awaiting_user_input"
	StatePlanning      State = "planning"
	StateExecutingTool State = "executing_tool"
	StateResponding    State = "responding"
)

// Plan is a planner reply: a final answer when Invocations is empty,
// otherwise the tools to run next. Text may accompany invocations.
type Plan struct {
	Text        string
	Invocations []tools.Invocation
}

// Final reports whether the plan ends the turn.
func (p *Plan) Final() bool { return len(p.Invocations) == 0 }

// Planner decides, given the history and the catalog, whether to answer
// or to invoke tools.
type Planner interface {
	Plan(ctx context.Context, history []session.Message, catalog []tools.Descriptor) (*Plan, error)
}

// Turn reports one completed or failed turn.
type Turn struct {
	ID string
	// Answer is the final assistant message, or the explanation of what
	// failed.
	Answer     string
	Iterations int
	Results    []tools.Result
	// Trace lists the states visited, in order.
	Trace []State
	// Kind is set when the turn failed.
	Kind    apperr.Kind
	Elapsed time.Duration
}

// Loop runs turns. It holds no per-session state and is safe for
// concurrent use across sessions.
type Loop struct {
	catalog       *tools.Catalog
	planner       Planner
	maxIterations int
	logger        *slog.Logger
	bus           *events.Bus
}

// Option configures a Loop.
type Option func(*Loop)

// WithMaxIterations sets the planner-call cap per turn.
func WithMaxIterations(n int) Option {
	return func(l *Loop) {
		if n > 0 {
			l.maxIterations = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) { l.logger = logger }
}

// WithEvents publishes loop events to bus.
func WithEvents(bus *events.Bus) Option {
	return func(l *Loop) { l.bus = bus }
}

// NewLoop creates a loop over catalog and planner.
func NewLoop(catalog *tools.Catalog, planner Planner, opts ...Option) *Loop {
	l := &Loop{
		catalog:       catalog,
		planner:       planner,
		maxIterations: DefaultMaxIterations,
		logger:        slog.Default(),
	}
	for _, o := range opts {
		o(l)
	}
	l.logger = l.logger.With("component", "agent")
	return l
}

// MaxIterations returns the planner-call cap.
func (l *Loop) MaxIterations() int { return l.maxIterations }

// Run processes one user message. On failure it returns both the Turn,
// whose Answer explains the failure and is already in the history, and
// an error classified with apperr: SessionBusy, LoopLimitExceeded,
// Cancelled, or the planner's error.
func (l *Loop) Run(ctx context.Context, s *session.Session, text string) (*Turn, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, apperr.New(apperr.KindValidation, "agent.run", "message is empty")
	}
	end, err := s.TryBeginTurn()
	if err != nil {
		return nil, err
	}
	defer end()

	r := &run{
		loop:   l,
		sess:   s,
		ctx:    s.Context(ctx),
		parent: ctx,
		turn:   &Turn{ID: tools.NewCorrelationID()},
		start:  time.Now(),
	}
	r.log = l.logger.With("session_id", s.ID, "turn_id", r.turn.ID)
	r.emit(events.KindTurnStart, nil)

	if err := s.Append(session.Message{Role: session.RoleUser, Content: text}); err != nil {
		return nil, err
	}
	err = r.execute()
	r.finish(err)
	return r.turn, err
}

// run is the state of one turn.
type run struct {
	loop   *Loop
	sess   *session.Session
	ctx    context.Context // carries the vault handle
	parent context.Context
	turn   *Turn
	start  time.Time
	log    *slog.Logger
}

func (r *run) enter(st State) {
	r.turn.Trace = append(r.turn.Trace, st)
	r.emit(events.KindState, map[string]any{"state": string(st), "iteration": r.turn.Iterations})
}

func (r *run) execute() error {
	for r.turn.Iterations < r.loop.maxIterations {
		if err := r.parent.Err(); err != nil {
			return r.cancelled(nil)
		}
		r.turn.Iterations++
		r.enter(StatePlanning)

		planStart := time.Now()
		plan, err := r.loop.planner.Plan(r.ctx, r.sess.History(), r.loop.catalog.List())
		if err != nil {
			if r.parent.Err() != nil {
				return r.cancelled(nil)
			}
			return r.plannerFailed(err)
		}
		r.emit(events.KindPlan, map[string]any{
			"iteration":   r.turn.Iterations,
			"invocations": len(plan.Invocations),
			"elapsed_ms":  time.Since(planStart).Milliseconds(),
		})

		if plan.Final() {
			r.enter(StateResponding)
			answer := strings.TrimSpace(plan.Text)
			if answer == "" {
				answer = "I don't have anything to add."
			}
			r.turn.Answer = answer
			return r.sess.Append(session.Message{Role: session.RoleAssistant, Content: answer})
		}

		for i := range plan.Invocations {
			if plan.Invocations[i].CorrelationID == "" {
				plan.Invocations[i].CorrelationID = tools.NewCorrelationID()
			}
		}
		if err := r.sess.Append(session.Message{
			Role:        session.RoleAssistant,
			Content:     plan.Text,
			Invocations: plan.Invocations,
		}); err != nil {
			return err
		}

		r.enter(StateExecutingTool)
		for i, inv := range plan.Invocations {
			if r.parent.Err() != nil {
				return r.cancelled(plan.Invocations[i:])
			}
			res := r.invoke(inv)
			if err := r.sess.Append(session.Message{
				Role:          session.RoleTool,
				Content:       res.Content(),
				CorrelationID: res.CorrelationID,
				Tool:          res.Tool,
				Kind:          res.Kind,
			}); err != nil {
				return err
			}
			if res.Kind == apperr.KindCancelled && r.parent.Err() != nil {
				return r.cancelled(plan.Invocations[i+1:])
			}
		}
	}
	return r.limitExceeded()
}

// invoke runs one tool sequentially; tools never run concurrently
// within a turn.
func (r *run) invoke(inv tools.Invocation) tools.Result {
	r.emit(events.KindToolCall, map[string]any{"correlation_id": inv.CorrelationID, "tool": inv.Tool})
	res := r.loop.catalog.Invoke(r.ctx, inv)
	r.turn.Results = append(r.turn.Results, res)
	r.emit(events.KindToolDone, map[string]any{
		"correlation_id": res.CorrelationID,
		"tool":           res.Tool,
		"status":         string(res.Status),
		"kind":           string(res.Kind),
		"duration_ms":    res.Elapsed.Milliseconds(),
	})
	if !res.OK() {
		r.log.Info("tool failed", "tool", res.Tool, "correlation_id", res.CorrelationID, "kind", res.Kind, "detail", res.Detail)
	}
	return res
}

// cancelled records results for invocations that never ran so every
// requested call in the history has an answer, then explains the
// cancellation.
func (r *run) cancelled(pending []tools.Invocation) error {
	for _, inv := range pending {
		r.record(session.Message{
			Role:          session.RoleTool,
			Content:       "Error (cancelled): not run because the request was cancelled",
			CorrelationID: inv.CorrelationID,
			Tool:          inv.Tool,
			Kind:          apperr.KindCancelled,
		})
	}
	return r.fail(apperr.New(apperr.KindCancelled, "agent.run", "request cancelled"),
		"Request cancelled. Anything already done on the servers stays done.")
}

func (r *run) plannerFailed(err error) error {
	return r.fail(err, fmt.Sprintf("I couldn't reach the planning model: %s", apperr.DetailOf(err)))
}

func (r *run) limitExceeded() error {
	err := apperr.New(apperr.KindLoopLimitExceeded, "agent.run",
		"no answer after %d planning steps", r.loop.maxIterations)
	return r.fail(err, fmt.Sprintf(
		"I stopped after %d planning steps without finishing. Try a simpler or more specific request.",
		r.loop.maxIterations))
}

// fail appends the explanation as an assistant message.
func (r *run) fail(err error, explanation string) error {
	r.turn.Kind = apperr.KindOf(err)
	r.turn.Answer = explanation
	r.enter(StateResponding)
	r.record(session.Message{Role: session.RoleAssistant, Content: explanation, Kind: r.turn.Kind})
	return err
}

// record appends on the failure paths, where the turn's own error wins
// over a history write that fails because the session was closed.
func (r *run) record(m session.Message) {
	if err := r.sess.Append(m); err != nil {
		r.log.Warn("history append failed", "role", m.Role, "kind", apperr.KindOf(err), "error", err)
	}
}

func (r *run) finish(err error) {
	r.turn.Trace = append(r.turn.Trace, StateAwaitingInput)
	r.turn.Elapsed = time.Since(r.start)

	outcome := "answered"
	switch {
	case err == nil:
	case errors.Is(err, apperr.ErrCancelled):
		outcome = "cancelled"
	case errors.Is(err, apperr.ErrLoopLimitExceeded):
		outcome = "loop_limit"
	default:
		outcome = "failed"
	}
	r.emit(events.KindTurnComplete, map[string]any{
		"iterations": r.turn.Iterations,
		"outcome":    outcome,
		"kind":       string(r.turn.Kind),
		"elapsed_ms": r.turn.Elapsed.Milliseconds(),
	})

	level := slog.LevelInfo
	if err != nil && outcome == "failed" {
		level = slog.LevelWarn
	}
	r.log.Log(r.parent, level, "turn complete",
		"outcome", outcome,
		"iterations", r.turn.Iterations,
		"tools", len(r.turn.Results),
		"elapsed", r.turn.Elapsed.Round(time.Millisecond),
	)
}

func (r *run) emit(kind string, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["session_id"] = r.sess.ID
	data["turn_id"] = r.turn.ID
	r.loop.bus.Emit(events.SourceAgent, kind, data)
}
