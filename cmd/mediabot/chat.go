package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/akstspace/media-mgmt-agent/internal/agent"
	"github.com/akstspace/media-mgmt-agent/internal/chat"
	"github.com/akstspace/media-mgmt-agent/internal/session"
)

func newChatCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat in the terminal",
		Long: `Logs in and reads requests line by line. Ctrl-C cancels the running
request; pressing it while idle leaves the chat.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runChat(cmd.Context())
		},
	}
}

func newAskCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ask <request>",
		Short: "Run a single request and print the answer",
		Example: `  mediabot ask "add Dune Part Two"
  mediabot ask -o json "what is downloading?"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runAsk(cmd.Context(), strings.Join(args, " "))
		},
	}
}

// login assembles the runtime and opens a session for the operator.
func (a *app) login(ctx context.Context) (*runtime, *session.Session, error) {
	if err := a.load(); err != nil {
		return nil, nil, err
	}
	rt, err := a.assemble()
	if err != nil {
		return nil, nil, err
	}
	username, secret, err := a.credentials()
	if err != nil {
		rt.Close()
		return nil, nil, err
	}
	sess, err := rt.gate.Login(ctx, username, secret)
	if err != nil {
		rt.Close()
		return nil, nil, err
	}
	return rt, sess, nil
}

func (a *app) runChat(ctx context.Context) error {
	rt, sess, err := a.login(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	repl := chat.NewREPL(chat.Config{
		Runner:  rt.loop,
		Session: sess,
		Catalog: rt.catalog,
		Out:     chat.NewTerminal(a.stdout),
		Events:  rt.bus,
		Logger:  a.logger,
	})

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	defer signal.Stop(sigs)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-sigs:
				if !repl.Interrupt() {
					fmt.Fprintln(a.stdout)
					cancel()
					return
				}
			}
		}
	}()

	// Run blocks in a read that cancellation cannot interrupt, so an idle
	// Ctrl-C returns from here and leaves the reader to process exit.
	done := make(chan error, 1)
	go func() { done <- repl.Run(ctx, a.lines, func() { fmt.Fprint(a.stdout, "› ") }) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return nil
	}
}

// askResult is the JSON shape of `ask -o json`.
type askResult struct {
	TurnID     string   `json:"turn_id"`
	Answer     string   `json:"answer"`
	Iterations int      `json:"iterations"`
	Tools      []string `json:"tools"`
	Kind       string   `json:"kind,omitempty"`
	ElapsedMS  int64    `json:"elapsed_ms"`
}

func (a *app) runAsk(ctx context.Context, text string) error {
	rt, sess, err := a.login(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	turn, runErr := rt.loop.Run(ctx, sess, text)
	if turn == nil {
		return runErr
	}
	if a.output == "json" {
		enc := json.NewEncoder(a.stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(toAskResult(turn)); err != nil {
			return err
		}
		return runErr
	}
	term := chat.NewTerminal(a.stdout)
	history := sess.History()
	term.Message(history[len(history)-1])
	return runErr
}

func toAskResult(t *agent.Turn) askResult {
	out := askResult{
		TurnID:     t.ID,
		Answer:     t.Answer,
		Iterations: t.Iterations,
		Tools:      make([]string, 0, len(t.Results)),
		ElapsedMS:  t.Elapsed.Milliseconds(),
	}
	if t.Kind != "" {
		out.Kind = string(t.Kind)
	}
	for _, r := range t.Results {
		out.Tools = append(out.Tools, r.Tool)
	}
	return out
}
