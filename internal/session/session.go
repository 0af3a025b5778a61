// Package session holds the state of one authenticated conversation: its
// ordered message history, its unlocked vault handle and the turn guard
// that keeps one agent turn in flight at a time.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/akstspace/media-mgmt-agent/internal/apperr"
	"github.com/akstspace/media-mgmt-agent/internal/tools"
	"github.com/akstspace/media-mgmt-agent/internal/vault"
)

// Role identifies the author of a message.
type Role string

// Message roles.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry in the conversation history.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`

	// Invocations are the tool calls an assistant message requested.
	Invocations []tools.Invocation `json:"invocations,omitempty"`

	// Tool results carry the invocation they answer.
	CorrelationID string `json:"correlation_id,omitempty"`
	Tool          string `json:"tool,omitempty"`

	// Kind classifies tool errors, informational tool outcomes and
	// assistant messages reporting a failed turn.
	Kind apperr.Kind `json:"kind,omitempty"`
}

// Session is one authenticated conversation. All methods are safe for
// concurrent use.
type Session struct {
	ID        string
	User      string
	CreatedAt time.Time

	mu         sync.Mutex
	history    []Message
	handle     *vault.Handle
	lastActive time.Time
	inTurn     bool
	closed     bool
	now        func() time.Time
}

// Option configures a Session.
type Option func(*Session)

// WithClock sets the clock used for timestamps and activity tracking.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// New creates a session for user that owns handle.
func New(user string, handle *vault.Handle, opts ...Option) *Session {
	s := &Session{User: user, handle: handle, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	s.ID = id.String()
	s.CreatedAt = s.now()
	s.lastActive = s.CreatedAt
	return s
}

// Append adds msg to the history. A zero timestamp is set to now;
// timestamps never go backwards.
func (s *Session) Append(msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed("session.append")
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now()
	}
	if n := len(s.history); n > 0 && msg.Timestamp.Before(s.history[n-1].Timestamp) {
		msg.Timestamp = s.history[n-1].Timestamp
	}
	s.history = append(s.history, msg)
	return nil
}

// History returns a copy of the messages in order.
func (s *Session) History() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.history))
	copy(out, s.history)
	return out
}

// Len returns the number of messages.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history)
}

// TryBeginTurn claims the session for one agent turn. It fails with
// SessionBusy while another turn is running. The returned func ends the
// turn and must be called exactly once.
func (s *Session) TryBeginTurn() (end func(), err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errClosed("session.turn")
	}
	if s.inTurn {
		return nil, apperr.New(apperr.KindSessionBusy, "session.turn",
			"a request is still running; wait for it to finish or cancel it")
	}
	s.inTurn = true
	s.lastActive = s.now()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.inTurn = false
			s.lastActive = s.now()
			s.mu.Unlock()
		})
	}, nil
}

// Busy reports whether a turn is in flight.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inTurn
}

// Touch records activity.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActive = s.now()
	s.mu.Unlock()
}

// LastActive returns the time of the last recorded activity.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// Expired reports whether the session has been idle longer than
// timeout. A session with a turn in flight never expires.
func (s *Session) Expired(timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inTurn {
		return false
	}
	return s.now().Sub(s.lastActive) > timeout
}

// Context returns ctx carrying the session's vault handle and id, the
// scope in which tool targets read credentials.
func (s *Session) Context(ctx context.Context) context.Context {
	s.mu.Lock()
	h := s.handle
	s.mu.Unlock()
	ctx = tools.WithSessionID(ctx, s.ID)
	if h != nil {
		ctx = vault.WithHandle(ctx, h)
	}
	return ctx
}

// Handle returns the session's vault handle.
func (s *Session) Handle() *vault.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// Close releases the vault handle and discards the history. It is
// idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.handle != nil {
		s.handle.Release()
	}
	s.history = nil
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func errClosed(op string) error {
	return apperr.New(apperr.KindAuth, op, "session has ended; log in again")
}
