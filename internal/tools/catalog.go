// Package tools is the catalog of operations the planner may request.
//
// A [Descriptor] binds a unique tool name to an input schema and the
// target that performs it. [Catalog.Invoke] validates arguments before
// dispatch and converts every failure, including panics, into a
// [Result] so the agent loop and the planner always receive data.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/akstspace/media-mgmt-agent/internal/apperr"
)

// Target performs a tool with validated arguments and returns a
// human-readable payload.
type Target func(ctx context.Context, args Args) (string, error)

// Descriptor describes one tool.
type Descriptor struct {
	Name        string
	Description string
	Schema      []Field
	Target      Target
}

// Invocation is one planner request to run a tool.
type Invocation struct {
	CorrelationID string         `json:"correlation_id"`
	Tool          string         `json:"tool"`
	Arguments     map[string]any `json:"arguments"`
}

// Status is the outcome of an invocation.
type Status string

// Invocation outcomes.
const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// Result is the outcome of an invocation. Kind is set on errors and on
// informational outcomes such as already_exists.
type Result struct {
	CorrelationID string        `json:"correlation_id"`
	Tool          string        `json:"tool"`
	Status        Status        `json:"status"`
	Payload       string        `json:"payload,omitempty"`
	Kind          apperr.Kind   `json:"kind,omitempty"`
	Detail        string        `json:"error_detail,omitempty"`
	Elapsed       time.Duration `json:"-"`
}

// OK reports whether the invocation succeeded.
func (r Result) OK() bool { return r.Status == StatusOK }

// Content renders the result as the text of a tool message.
func (r Result) Content() string {
	switch {
	case r.Status == StatusError:
		return fmt.Sprintf("Error (%s): %s", r.Kind, r.Detail)
	case r.Kind == apperr.KindAlreadyExists:
		return "Already present, nothing changed: " + r.Payload
	default:
		return r.Payload
	}
}

// Catalog is the registry of tools. Registration happens at startup;
// after Seal the catalog is read-only and safe for concurrent use.
type Catalog struct {
	mu     sync.RWMutex
	byName map[string]*Descriptor
	order  []string
	sealed bool
	logger *slog.Logger
}

// NewCatalog creates an empty catalog.
func NewCatalog(logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		byName: make(map[string]*Descriptor),
		logger: logger.With("component", "tools"),
	}
}

// Register adds d. A name collision fails with DuplicateTool.
func (c *Catalog) Register(d Descriptor) error {
	const op = "tools.register"
	if d.Name == "" || d.Target == nil {
		return apperr.New(apperr.KindValidation, op, "tool needs a name and a target")
	}
	if err := checkSchema(d.Schema); err != nil {
		return apperr.New(apperr.KindValidation, op, "%s: %v", d.Name, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sealed {
		return apperr.New(apperr.KindValidation, op, "catalog is sealed; cannot register %s", d.Name)
	}
	if _, exists := c.byName[d.Name]; exists {
		return apperr.New(apperr.KindDuplicateTool, op, "tool %q is already registered", d.Name)
	}
	c.byName[d.Name] = &d
	c.order = append(c.order, d.Name)
	return nil
}

// Seal makes the catalog read-only.
func (c *Catalog) Seal() {
	c.mu.Lock()
	c.sealed = true
	c.mu.Unlock()
}

// List returns the descriptors in registration order.
func (c *Catalog) List() []Descriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Descriptor, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, *c.byName[name])
	}
	return out
}

// Get returns the descriptor for name.
func (c *Catalog) Get(name string) (Descriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.byName[name]
	if !ok {
		return Descriptor{}, false
	}
	return *d, true
}

// Names returns the tool names in registration order.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.order...)
}

// NewCorrelationID returns a time-sortable id for an invocation.
func NewCorrelationID() string {
	return ulid.Make().String()
}

// Invoke validates and runs inv. It never panics and never returns an
// error: every failure is a Result with StatusError.
func (c *Catalog) Invoke(ctx context.Context, inv Invocation) (res Result) {
	if inv.CorrelationID == "" {
		inv.CorrelationID = NewCorrelationID()
	}
	res = Result{CorrelationID: inv.CorrelationID, Tool: inv.Tool}
	start := time.Now()
	defer func() { res.Elapsed = time.Since(start) }()

	d, ok := c.Get(inv.Tool)
	if !ok {
		return res.fail(apperr.New(apperr.KindInvalidArguments, "tools.invoke", "unknown tool %q", inv.Tool))
	}

	args, err := validate(d.Schema, inv.Arguments)
	if err != nil {
		c.logger.Debug("tool arguments rejected", "tool", d.Name, "correlation_id", inv.CorrelationID, "error", err)
		return res.fail(err)
	}

	defer func() {
		if p := recover(); p != nil {
			c.logger.Error("tool panicked", "tool", d.Name, "correlation_id", inv.CorrelationID, "panic", p)
			res = Result{CorrelationID: inv.CorrelationID, Tool: inv.Tool}
			res = res.fail(apperr.New(apperr.KindInternal, "tools.invoke", "%s failed unexpectedly", d.Name))
		}
	}()

	payload, err := d.Target(WithCorrelationID(ctx, inv.CorrelationID), args)
	switch kind := apperr.KindOf(err); {
	case err == nil:
		res.Status = StatusOK
		res.Payload = payload
	case kind == apperr.KindAlreadyExists:
		res.Status = StatusOK
		res.Kind = kind
		res.Payload = apperr.DetailOf(err)
	default:
		res = res.fail(err)
	}

	c.logger.Debug("tool invoked",
		"tool", d.Name,
		"correlation_id", inv.CorrelationID,
		"session_id", SessionIDFromContext(ctx),
		"status", res.Status,
		"kind", res.Kind,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return res
}

func (r Result) fail(err error) Result {
	r.Status = StatusError
	r.Kind = apperr.KindOf(err)
	r.Detail = apperr.DetailOf(err)
	r.Payload = ""
	return r
}
