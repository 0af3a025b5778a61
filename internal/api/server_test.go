package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/akstspace/media-mgmt-agent/internal/agent"
	"github.com/akstspace/media-mgmt-agent/internal/apperr"
	"github.com/akstspace/media-mgmt-agent/internal/auth"
	"github.com/akstspace/media-mgmt-agent/internal/connwatch"
	"github.com/akstspace/media-mgmt-agent/internal/events"
	"github.com/akstspace/media-mgmt-agent/internal/metrics"
	"github.com/akstspace/media-mgmt-agent/internal/session"
	"github.com/akstspace/media-mgmt-agent/internal/tools"
	"github.com/akstspace/media-mgmt-agent/internal/vault"
)

const secret = "correct horse"

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// searchPlanner searches once, then answers with the tool output.
type searchPlanner struct{}

func (searchPlanner) Plan(_ context.Context, h []session.Message, _ []tools.Descriptor) (*agent.Plan, error) {
	last := h[len(h)-1]
	switch {
	case last.Role == session.RoleUser && strings.Contains(last.Content, "slow"):
		return &agent.Plan{Invocations: []tools.Invocation{{Tool: "movie_wait"}}}, nil
	case last.Role == session.RoleUser:
		return &agent.Plan{Invocations: []tools.Invocation{{Tool: "movie_search", Arguments: map[string]any{"query": last.Content}}}}, nil
	}
	return &agent.Plan{Text: "Here is what I found:\n\n" + last.Content}, nil
}

type fixture struct {
	srv  *httptest.Server
	gate *auth.Gate
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	v, err := vault.Open(filepath.Join(t.TempDir(), "vault.db"), vault.WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { v.Close() })
	if err := v.Initialize("operator", secret); err != nil {
		t.Fatal(err)
	}

	bus := events.New()
	gate := auth.NewGate(v, auth.Config{Logger: quietLogger(), Events: bus})
	t.Cleanup(gate.Close)

	catalog := tools.NewCatalog(quietLogger())
	catalog.Register(tools.Descriptor{
		Name:        "movie_search",
		Description: "Search Radarr for movies by title.",
		Schema:      []tools.Field{{Name: "query", Type: tools.TypeString, Required: true}},
		Target: func(_ context.Context, args tools.Args) (string, error) {
			return "| Title | Year |\n| --- | --- |\n| " + args.String("query") + " | 2010 |\n", nil
		},
	})
	catalog.Register(tools.Descriptor{
		Name: "movie_wait",
		Target: func(ctx context.Context, _ tools.Args) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	})
	catalog.Seal()

	m := metrics.New()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	m.Consume(ctx, bus)

	health := connwatch.NewManager(bus, quietLogger())
	t.Cleanup(health.Stop)
	schedule := connwatch.Schedule{InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, PollInterval: 5 * time.Millisecond}
	health.Watch(ctx, "llm", func(context.Context) error { return nil }, schedule)
	health.Watch(ctx, "radarr", func(context.Context) error { return errors.New("connection refused") }, schedule)

	s := NewServer(Config{
		Gate:    gate,
		Runner:  agent.NewLoop(catalog, searchPlanner{}, agent.WithLogger(quietLogger()), agent.WithEvents(bus)),
		Catalog: catalog,
		Metrics: m.Handler(),
		Events:  bus,
		Health:  health,
		Logger:  quietLogger(),
	})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, gate: gate}
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (f *fixture) login(t *testing.T) string {
	t.Helper()
	resp := f.do(t, http.MethodPost, "/api/login", "", loginRequest{Username: "operator", Secret: secret})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d", resp.StatusCode)
	}
	var lr loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		t.Fatal(err)
	}
	if lr.SessionID == "" || lr.ExpiresIn != int(auth.DefaultTimeout.Seconds()) {
		t.Fatalf("login = %+v", lr)
	}
	return lr.SessionID
}

func decodeError(t *testing.T, resp *http.Response) errorBody {
	t.Helper()
	var e errorBody
	if err := json.NewDecoder(resp.Body).Decode(&e); err != nil {
		t.Fatal(err)
	}
	return e
}

func TestLogin_Failures(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodPost, "/api/login", "", loginRequest{Username: "operator", Secret: "wrong horse battery"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong secret status = %d", resp.StatusCode)
	}
	if e := decodeError(t, resp); e.Kind != string(apperr.KindAuth) {
		t.Errorf("error = %+v", e)
	}

	resp = f.do(t, http.MethodPost, "/api/login", "", map[string]any{"user": "operator"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad body status = %d", resp.StatusCode)
	}
	if f.gate.Active() != 0 {
		t.Error("failed login created a session")
	}
}

func TestRequiresSession(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{"/api/tools", "/api/history"} {
		if resp := f.do(t, http.MethodGet, path, "", nil); resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("GET %s without session = %d", path, resp.StatusCode)
		}
		if resp := f.do(t, http.MethodGet, path, "not-a-session", nil); resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("GET %s with bogus session = %d", path, resp.StatusCode)
		}
	}
}

func TestTools(t *testing.T) {
	f := newFixture(t)
	token := f.login(t)
	resp := f.do(t, http.MethodGet, "/api/tools", token, nil)
	var list []wireDescriptor
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].Name != "movie_search" || list[0].Parameters["type"] != "object" {
		t.Errorf("tools = %+v", list)
	}
}

func TestChatAndHistory(t *testing.T) {
	f := newFixture(t)
	token := f.login(t)

	resp := f.do(t, http.MethodPost, "/api/chat", token, chatRequest{Message: "Inception"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("chat status = %d", resp.StatusCode)
	}
	var turn wireTurn
	if err := json.NewDecoder(resp.Body).Decode(&turn); err != nil {
		t.Fatal(err)
	}
	if turn.Iterations != 2 || len(turn.Tools) != 1 || turn.Tools[0].Status != "ok" {
		t.Errorf("turn = %+v", turn)
	}
	if !strings.Contains(turn.AnswerHTML, "<table>") {
		t.Errorf("answer HTML has no table: %s", turn.AnswerHTML)
	}

	resp = f.do(t, http.MethodGet, "/api/history", token, nil)
	var history []wireMessage
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		t.Fatal(err)
	}
	if len(history) != 4 || history[1].Invocations[0].CorrelationID != history[2].CorrelationID {
		t.Errorf("history = %+v", history)
	}

	resp = f.do(t, http.MethodPost, "/api/chat", token, chatRequest{Message: "  "})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty message status = %d", resp.StatusCode)
	}
}

func TestLogout(t *testing.T) {
	f := newFixture(t)
	token := f.login(t)
	if resp := f.do(t, http.MethodPost, "/api/logout", token, nil); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("logout status = %d", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodGet, "/api/history", token, nil); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("history after logout = %d", resp.StatusCode)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	if resp := f.do(t, http.MethodGet, "/healthz", "", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("healthz = %d", resp.StatusCode)
	}
	resp := f.do(t, http.MethodGet, "/metrics", "", nil)
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "mediabot_logins_total") {
		t.Errorf("metrics body missing login counter")
	}
	if resp := f.do(t, http.MethodGet, "/", "", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("index = %d", resp.StatusCode)
	}
}

func TestHealth_ReportsServices(t *testing.T) {
	f := newFixture(t)
	var body struct {
		Status   string                    `json:"status"`
		Services []connwatch.ServiceStatus `json:"services"`
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp := f.do(t, http.MethodGet, "/healthz", "", nil)
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatal(err)
		}
		if len(body.Services) == 2 && !body.Services[0].LastCheck.IsZero() && !body.Services[1].LastCheck.IsZero() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("services never probed: %+v", body)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if body.Status != "degraded" {
		t.Errorf("status = %q, want degraded", body.Status)
	}
	if body.Services[0].Name != "llm" || !body.Services[0].Ready {
		t.Errorf("llm = %+v", body.Services[0])
	}
	if body.Services[1].Name != "radarr" || body.Services[1].Ready || body.Services[1].LastError != "connection refused" {
		t.Errorf("radarr = %+v", body.Services[1])
	}
}

func TestStatusFor(t *testing.T) {
	tests := map[apperr.Kind]int{
		apperr.KindAuth:                http.StatusUnauthorized,
		apperr.KindInvalidArguments:    http.StatusBadRequest,
		apperr.KindSessionBusy:         http.StatusConflict,
		apperr.KindLoopLimitExceeded:   http.StatusUnprocessableEntity,
		apperr.KindUpstreamUnavailable: http.StatusServiceUnavailable,
		apperr.KindInternal:            http.StatusInternalServerError,
	}
	for kind, want := range tests {
		if got := statusFor(kind); got != want {
			t.Errorf("statusFor(%s) = %d, want %d", kind, got, want)
		}
	}
}

func dialWS(t *testing.T, f *fixture, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/api/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Authorization": {"Bearer " + token}})
	if err != nil {
		t.Fatalf("dial: %v (resp %v)", err, resp)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readUntil(t *testing.T, conn *websocket.Conn, frameType string) outFrame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var f outFrame
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("read: %v", err)
		}
		if f.Type == frameType {
			return f
		}
	}
}

func TestWebSocket_Turn(t *testing.T) {
	f := newFixture(t)
	conn := dialWS(t, f, f.login(t))

	if err := conn.WriteJSON(inFrame{Type: frameMessage, Text: "Inception"}); err != nil {
		t.Fatal(err)
	}
	ev := readUntil(t, conn, frameEvent)
	if ev.Event == nil || ev.Event.Source != events.SourceAgent {
		t.Errorf("event = %+v", ev)
	}
	msg := readUntil(t, conn, frameMessage)
	if msg.Message == nil || !strings.Contains(msg.Message.Content, "Inception") {
		t.Errorf("message = %+v", msg)
	}
	turn := readUntil(t, conn, frameTurn)
	if turn.Turn == nil || turn.Turn.Iterations != 2 {
		t.Errorf("turn = %+v", turn)
	}
}

func TestWebSocket_Cancel(t *testing.T) {
	f := newFixture(t)
	conn := dialWS(t, f, f.login(t))

	conn.WriteJSON(inFrame{Type: frameMessage, Text: "slow request"})
	// Wait until the tool is running before cancelling.
	for {
		ev := readUntil(t, conn, frameEvent)
		if ev.Event.Kind == events.KindToolCall {
			break
		}
	}
	conn.WriteJSON(inFrame{Type: frameCancel})
	msg := readUntil(t, conn, frameMessage)
	if msg.Message.Kind != string(apperr.KindCancelled) {
		t.Errorf("message = %+v", msg.Message)
	}
}

func TestWebSocket_CancelAfterBusyMessage(t *testing.T) {
	f := newFixture(t)
	conn := dialWS(t, f, f.login(t))

	conn.WriteJSON(inFrame{Type: frameMessage, Text: "slow request"})
	for {
		ev := readUntil(t, conn, frameEvent)
		if ev.Event.Kind == events.KindToolCall {
			break
		}
	}
	conn.WriteJSON(inFrame{Type: frameMessage, Text: "Inception"})
	busy := readUntil(t, conn, frameError)
	if busy.Kind != string(apperr.KindSessionBusy) {
		t.Fatalf("second message = %+v, want session_busy", busy)
	}

	// The cancel must still reach the first turn.
	conn.WriteJSON(inFrame{Type: frameCancel})
	msg := readUntil(t, conn, frameMessage)
	if msg.Message.Kind != string(apperr.KindCancelled) {
		t.Errorf("message = %+v", msg.Message)
	}

	// The connection accepts a new turn once the cancelled one is done.
	readUntil(t, conn, frameTurn)
	conn.WriteJSON(inFrame{Type: frameMessage, Text: "Inception"})
	msg = readUntil(t, conn, frameMessage)
	if msg.Message == nil || !strings.Contains(msg.Message.Content, "Inception") {
		t.Errorf("message after cancel = %+v", msg)
	}
}

func TestWebSocket_UnknownFrame(t *testing.T) {
	f := newFixture(t)
	conn := dialWS(t, f, f.login(t))
	conn.WriteJSON(inFrame{Type: "shout"})
	e := readUntil(t, conn, frameError)
	if e.Kind != string(apperr.KindInvalidRequest) {
		t.Errorf("error frame = %+v", e)
	}
}
