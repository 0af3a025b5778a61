package chat

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/akstspace/media-mgmt-agent/internal/agent"
	"github.com/akstspace/media-mgmt-agent/internal/apperr"
	"github.com/akstspace/media-mgmt-agent/internal/events"
	"github.com/akstspace/media-mgmt-agent/internal/session"
	"github.com/akstspace/media-mgmt-agent/internal/tools"
)

// Runner runs one turn. *agent.Loop satisfies it.
type Runner interface {
	Run(ctx context.Context, s *session.Session, text string) (*agent.Turn, error)
}

// REPL reads user lines and runs them as turns against one session.
type REPL struct {
	runner  Runner
	sess    *session.Session
	catalog *tools.Catalog
	out     Presenter
	bus     *events.Bus
	logger  *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

// Config configures a REPL.
type Config struct {
	Runner  Runner
	Session *session.Session
	Catalog *tools.Catalog
	Out     Presenter
	// Events, when set, is watched for tool progress during turns.
	Events *events.Bus
	Logger *slog.Logger
}

// NewREPL returns a REPL.
func NewREPL(cfg Config) *REPL {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &REPL{
		runner:  cfg.Runner,
		sess:    cfg.Session,
		catalog: cfg.Catalog,
		out:     cfg.Out,
		bus:     cfg.Events,
		logger:  logger.With("component", "chat"),
	}
}

// Interrupt cancels the running turn. It reports false when no turn is
// running, in which case the caller may exit instead.
func (r *REPL) Interrupt() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel == nil {
		return false
	}
	r.cancel()
	return true
}

// Run reads lines from in until EOF, /quit or ctx is done.
func (r *REPL) Run(ctx context.Context, in io.Reader, prompt func()) error {
	if prompt == nil {
		prompt = func() {}
	}
	r.out.Notice("Logged in. Type a request, /help for commands, /quit to leave.")

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for {
		if ctx.Err() != nil {
			return nil
		}
		prompt()
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if quit := r.command(line); quit {
				return nil
			}
			continue
		}
		r.Turn(ctx, line)
	}
}

// command handles a slash command and reports whether to quit.
func (r *REPL) command(line string) bool {
	switch strings.Fields(line)[0] {
	case "/quit", "/exit":
		return true
	case "/tools":
		for _, d := range r.catalog.List() {
			r.out.Notice("%-24s %s", d.Name, d.Description)
		}
	case "/history":
		h := r.sess.History()
		if len(h) == 0 {
			r.out.Notice("No messages yet.")
		}
		for _, m := range h {
			r.out.Message(m)
		}
	case "/help":
		r.out.Notice("/tools    list the available tools")
		r.out.Notice("/history  show this session's messages")
		r.out.Notice("/quit     leave")
		r.out.Notice("Ctrl-C cancels a running request.")
	default:
		r.out.Notice("Unknown command %s; try /help.", line)
	}
	return false
}

// Turn runs text as one turn and renders the outcome.
func (r *REPL) Turn(ctx context.Context, text string) {
	turnCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.cancel = nil
		r.mu.Unlock()
		cancel()
	}()

	stop := r.watch(turnCtx)
	turn, err := r.runner.Run(turnCtx, r.sess, text)
	stop()

	switch {
	case turn != nil:
		h := r.sess.History()
		if len(h) > 0 {
			r.out.Message(h[len(h)-1])
		}
		if err != nil {
			r.logger.Debug("turn failed", "kind", apperr.KindOf(err), "error", err)
		}
	case err != nil:
		r.out.Error(err)
		if errors.Is(err, apperr.ErrAuth) {
			r.out.Notice("Run the command again to log in.")
		}
	}
}

// watch relays tool progress for this session until stop is called.
func (r *REPL) watch(ctx context.Context) (stop func()) {
	if r.bus == nil {
		return func() {}
	}
	ch := r.bus.Subscribe(32)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-ch:
				if !ok {
					return
				}
				if e.Kind == events.KindToolCall && e.Data["session_id"] == r.sess.ID {
					tool, _ := e.Data["tool"].(string)
					r.out.Progress(tool)
				}
			}
		}
	}()
	return func() {
		r.bus.Unsubscribe(ch)
		<-done
	}
}
