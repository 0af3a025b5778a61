// Package api implements the HTTP surface: login and logout, the tool
// catalog, session history, chat over JSON and WebSocket, metrics and
// health.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/akstspace/media-mgmt-agent/internal/agent"
	"github.com/akstspace/media-mgmt-agent/internal/apperr"
	"github.com/akstspace/media-mgmt-agent/internal/auth"
	"github.com/akstspace/media-mgmt-agent/internal/buildinfo"
	"github.com/akstspace/media-mgmt-agent/internal/connwatch"
	"github.com/akstspace/media-mgmt-agent/internal/events"
	"github.com/akstspace/media-mgmt-agent/internal/session"
	"github.com/akstspace/media-mgmt-agent/internal/tools"
	"github.com/akstspace/media-mgmt-agent/internal/web"
)

// SessionCookie carries the session id for browser clients.
const SessionCookie = "mediabot_session"

// maxBody bounds JSON request bodies.
const maxBody = 64 << 10

// Runner runs one turn. *agent.Loop satisfies it.
type Runner interface {
	Run(ctx context.Context, s *session.Session, text string) (*agent.Turn, error)
}

// Config wires a Server.
type Config struct {
	Listen  string
	Gate    *auth.Gate
	Runner  Runner
	Catalog *tools.Catalog
	// Metrics serves /metrics when set.
	Metrics http.Handler
	// Events, when set, is relayed to WebSocket clients.
	Events *events.Bus
	// Health, when set, adds downstream reachability to /healthz.
	Health *connwatch.Manager
	Logger *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	listen   string
	gate     *auth.Gate
	runner   Runner
	catalog  *tools.Catalog
	metrics  http.Handler
	bus      *events.Bus
	health   *connwatch.Manager
	logger   *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
func writeJSON(w http.ResponseWriter, status int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// NewServer creates a server.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		listen:  cfg.Listen,
		gate:    cfg.Gate,
		runner:  cfg.Runner,
		catalog: cfg.Catalog,
		metrics: cfg.Metrics,
		bus:     cfg.Events,
		health:  cfg.Health,
		logger:  logger.With("component", "api"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.withLogging)

	r.Get("/healthz", s.handleHealth)
	r.Get("/version", s.handleVersion)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/login", s.handleLogin)
		r.Group(func(r chi.Router) {
			r.Use(s.requireSession)
			r.Post("/logout", s.handleLogout)
			r.Get("/tools", s.handleTools)
			r.Get("/history", s.handleHistory)
			r.Post("/chat", s.handleChat)
			r.Get("/ws", s.handleWebSocket)
		})
	})

	r.Handle("/*", web.Handler())
	return r
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.logger.Info("starting API server", "listen", s.listen)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", chimw.GetReqID(r.Context()),
		)
	})
}

// statusFor maps an error kind to an HTTP status.
func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindAuth:
		return http.StatusUnauthorized
	case apperr.KindValidation, apperr.KindInvalidArguments, apperr.KindInvalidRequest:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindAlreadyExists, apperr.KindSessionBusy:
		return http.StatusConflict
	case apperr.KindLoopLimitExceeded:
		return http.StatusUnprocessableEntity
	case apperr.KindUpstreamUnavailable:
		return http.StatusServiceUnavailable
	case apperr.KindUpstream:
		return http.StatusBadGateway
	case apperr.KindCancelled:
		return http.StatusRequestTimeout
	}
	return http.StatusInternalServerError
}

type errorBody struct {
	Kind  string `json:"kind"`
	Error string `json:"error"`
}

func (s *Server) errorResponse(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	if kind == apperr.KindInternal {
		s.logger.Error("request failed", "error", err)
	}
	writeJSON(w, statusFor(kind), errorBody{Kind: string(kind), Error: apperr.DetailOf(err)}, s.logger)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperr.New(apperr.KindInvalidRequest, "api.decode", "invalid request body: %v", err)
	}
	return nil
}

// handleHealth always answers 200 while the process serves; a
// downstream outage shows as "degraded".
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := "healthy"
	if !s.health.Healthy() {
		status = "degraded"
	}
	body := map[string]any{
		"status":   status,
		"sessions": s.gate.Active(),
		"tools":    len(s.catalog.Names()),
		"uptime":   buildinfo.Uptime().Round(time.Second).String(),
	}
	if services := s.health.Status(); services != nil {
		body["services"] = services
	}
	writeJSON(w, http.StatusOK, body, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, buildinfo.BuildInfo(), s.logger)
}

type sessionKey struct{}

// requireSession resolves the session from the bearer token or cookie.
func (s *Server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := sessionID(r)
		if id == "" {
			s.errorResponse(w, apperr.New(apperr.KindAuth, "api.session", "not logged in"))
			return
		}
		sess, err := s.gate.Session(id)
		if err != nil {
			s.errorResponse(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey{}, sess)))
	})
}

func sessionID(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	if c, err := r.Cookie(SessionCookie); err == nil {
		return c.Value
	}
	return ""
}

func sessionFrom(r *http.Request) *session.Session {
	sess, _ := r.Context().Value(sessionKey{}).(*session.Session)
	return sess
}

type loginRequest struct {
	Username string `json:"username"`
	Secret   string `json:"secret"`
}

type loginResponse struct {
	SessionID string `json:"session_id"`
	ExpiresIn int    `json:"expires_in"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.errorResponse(w, err)
		return
	}
	sess, err := s.gate.Login(r.Context(), req.Username, req.Secret)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	timeout := s.gate.Timeout()
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    sess.ID,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		Secure:   r.TLS != nil,
	})
	writeJSON(w, http.StatusOK, loginResponse{SessionID: sess.ID, ExpiresIn: int(timeout.Seconds())}, s.logger)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.gate.Logout(sessionFrom(r).ID); err != nil {
		s.errorResponse(w, err)
		return
	}
	http.SetCookie(w, &http.Cookie{Name: SessionCookie, Value: "", Path: "/", MaxAge: -1})
	w.WriteHeader(http.StatusNoContent)
}

type wireDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

func (s *Server) handleTools(w http.ResponseWriter, _ *http.Request) {
	list := s.catalog.List()
	out := make([]wireDescriptor, 0, len(list))
	for _, d := range list {
		out = append(out, wireDescriptor{Name: d.Name, Description: d.Description, Parameters: d.Parameters()})
	}
	writeJSON(w, http.StatusOK, out, s.logger)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	h := sessionFrom(r).History()
	out := make([]wireMessage, 0, len(h))
	for _, m := range h {
		out = append(out, toWire(m))
	}
	writeJSON(w, http.StatusOK, out, s.logger)
}

type chatRequest struct {
	Message string `json:"message"`
}

// handleChat runs one turn synchronously. Turn failures that were
// explained in the history are returned with the turn body and the
// failure's status code.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.errorResponse(w, err)
		return
	}
	turn, err := s.runner.Run(r.Context(), sessionFrom(r), req.Message)
	if turn == nil {
		s.errorResponse(w, err)
		return
	}
	status := http.StatusOK
	if err != nil {
		status = statusFor(apperr.KindOf(err))
	}
	writeJSON(w, status, toWireTurn(turn), s.logger)
}
