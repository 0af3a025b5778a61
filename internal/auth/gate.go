// Package auth gates access behind the vault login. A successful login
// unlocks the vault and opens a session that owns the credential handle;
// sessions expire after a period of inactivity.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/akstspace/media-mgmt-agent/internal/apperr"
	"github.com/akstspace/media-mgmt-agent/internal/events"
	"github.com/akstspace/media-mgmt-agent/internal/session"
	"github.com/akstspace/media-mgmt-agent/internal/vault"
)

// DefaultTimeout is the inactivity window when none is configured.
const DefaultTimeout = 30 * time.Minute

// Config configures a Gate.
type Config struct {
	// Timeout is the inactivity window. Defaults to DefaultTimeout.
	Timeout time.Duration
	// Seed holds credentials supplied in configuration. They are written
	// to the vault on login when missing or different.
	Seed   []vault.Record
	Now    func() time.Time
	Logger *slog.Logger
	Events *events.Bus
}

// Gate owns the live sessions.
type Gate struct {
	vault   *vault.Vault
	timeout time.Duration
	seed    []vault.Record
	now     func() time.Time
	logger  *slog.Logger
	bus     *events.Bus

	mu       sync.Mutex
	sessions map[string]*session.Session
}

// NewGate returns a gate over v.
func NewGate(v *vault.Vault, cfg Config) *Gate {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Gate{
		vault:    v,
		timeout:  cfg.Timeout,
		seed:     cfg.Seed,
		now:      cfg.Now,
		logger:   cfg.Logger.With("component", "auth"),
		bus:      cfg.Events,
		sessions: make(map[string]*session.Session),
	}
}

// Timeout returns the inactivity window.
func (g *Gate) Timeout() time.Duration { return g.timeout }

// Login verifies the operator, unlocks the vault and opens a session.
// A failed login leaves no session and no unlocked handle.
func (g *Gate) Login(ctx context.Context, username, secret string) (*session.Session, error) {
	const op = "auth.login"
	if err := ctx.Err(); err != nil {
		return nil, apperr.Wrap(apperr.KindCancelled, op, err)
	}

	stored, err := g.vault.Username()
	if errors.Is(err, apperr.ErrNotFound) {
		g.loginFailed(username, "uninitialized")
		return nil, apperr.New(apperr.KindAuth, op, "vault is not initialized; run `mediabot init` first")
	}
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(stored), []byte(username)) != 1 {
		g.loginFailed(username, "unknown_user")
		return nil, invalidLogin()
	}

	h, err := g.vault.Unlock(secret)
	if err != nil {
		if errors.Is(err, apperr.ErrAuth) {
			g.loginFailed(username, "wrong_secret")
			return nil, invalidLogin()
		}
		return nil, err
	}
	if err := g.seedCredentials(h); err != nil {
		h.Release()
		return nil, err
	}

	s := session.New(username, h, session.WithClock(g.now))
	g.mu.Lock()
	g.sessions[s.ID] = s
	n := len(g.sessions)
	g.mu.Unlock()

	g.logger.Info("login", "username", username, "session_id", s.ID, "sessions", n)
	g.bus.Emit(events.SourceAuth, events.KindLogin, map[string]any{
		"ok":         true,
		"session_id": s.ID,
		"sessions":   n,
	})
	return s, nil
}

func invalidLogin() error {
	return apperr.New(apperr.KindAuth, "auth.login", "invalid username or secret")
}

func (g *Gate) loginFailed(username, reason string) {
	g.logger.Warn("login failed", "username", username, "reason", reason)
	g.bus.Emit(events.SourceAuth, events.KindLogin, map[string]any{"ok": false, "reason": reason})
}

// seedCredentials writes configured credentials that the vault lacks or
// holds with different values.
func (g *Gate) seedCredentials(h *vault.Handle) error {
	for _, rec := range g.seed {
		cur, err := h.Read(rec.Kind)
		switch {
		case err == nil && cur.BaseURL == rec.BaseURL && cur.APIKey == rec.APIKey:
			continue
		case err != nil && !errors.Is(err, apperr.ErrNotFound):
			return err
		}
		if err := h.Store(rec); err != nil {
			return err
		}
		g.logger.Info("stored configured credentials", "kind", rec.Kind, "base_url", rec.BaseURL)
	}
	return nil
}

// Session returns the live session id and records activity. An unknown
// or expired session fails with AuthError.
func (g *Gate) Session(id string) (*session.Session, error) {
	g.mu.Lock()
	s, ok := g.sessions[id]
	if ok && s.Expired(g.timeout) {
		delete(g.sessions, id)
		g.mu.Unlock()
		g.expire(s)
		return nil, apperr.New(apperr.KindAuth, "auth.session",
			"session expired after %s of inactivity; log in again", g.timeout)
	}
	g.mu.Unlock()
	if !ok {
		return nil, apperr.New(apperr.KindAuth, "auth.session", "not logged in")
	}
	s.Touch()
	return s, nil
}

// Logout ends the session, releasing its credential handle and
// discarding its history.
func (g *Gate) Logout(id string) error {
	g.mu.Lock()
	s, ok := g.sessions[id]
	delete(g.sessions, id)
	g.mu.Unlock()
	if !ok {
		return apperr.New(apperr.KindAuth, "auth.logout", "not logged in")
	}
	s.Close()
	g.logger.Info("logout", "session_id", id)
	g.bus.Emit(events.SourceAuth, events.KindLogout, map[string]any{"session_id": id})
	return nil
}

// Sweep ends every expired session and returns how many it ended.
func (g *Gate) Sweep() int {
	var expired []*session.Session
	g.mu.Lock()
	for id, s := range g.sessions {
		if s.Expired(g.timeout) {
			delete(g.sessions, id)
			expired = append(expired, s)
		}
	}
	g.mu.Unlock()
	for _, s := range expired {
		g.expire(s)
	}
	return len(expired)
}

func (g *Gate) expire(s *session.Session) {
	s.Close()
	g.logger.Info("session expired", "session_id", s.ID, "idle_since", s.LastActive())
	g.bus.Emit(events.SourceAuth, events.KindSessionExpired, map[string]any{"session_id": s.ID})
}

// RunSweeper calls Sweep every interval until ctx is done.
func (g *Gate) RunSweeper(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := g.Sweep(); n > 0 {
				g.logger.Debug("swept sessions", "expired", n)
			}
		}
	}
}

// Active returns the number of live sessions.
func (g *Gate) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}

// Close ends every session.
func (g *Gate) Close() {
	g.mu.Lock()
	all := g.sessions
	g.sessions = make(map[string]*session.Session)
	g.mu.Unlock()
	for _, s := range all {
		s.Close()
	}
}
