package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/akstspace/media-mgmt-agent/internal/apperr"
	"github.com/akstspace/media-mgmt-agent/internal/events"
	"github.com/akstspace/media-mgmt-agent/internal/session"
)

// WebSocket frame types.
const (
	frameMessage = "message"
	frameCancel  = "cancel"
	frameEvent   = "event"
	frameError   = "error"
	frameTurn    = "turn"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

// inFrame is a client frame: {"type":"message","text":"..."} or
// {"type":"cancel"}.
type inFrame struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type outFrame struct {
	Type    string        `json:"type"`
	Message *wireMessage  `json:"message,omitempty"`
	Turn    *wireTurn     `json:"turn,omitempty"`
	Event   *events.Event `json:"event,omitempty"`
	Kind    string        `json:"kind,omitempty"`
	Error   string        `json:"error,omitempty"`
}

// wsConn serializes writes; gorilla allows one concurrent writer.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) send(f outFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteJSON(f)
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

// handleWebSocket runs a chat connection for the session. Messages start
// turns; a cancel frame cancels the running one. Agent events for the
// session are relayed as they happen.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)
	raw, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	conn := &wsConn{conn: raw}
	ctx, cancel := context.WithCancel(r.Context())
	log := s.logger.With("session_id", sess.ID)
	log.Debug("websocket connected")

	var (
		wg sync.WaitGroup
		ch <-chan events.Event
	)
	defer func() {
		cancel()
		if ch != nil {
			s.bus.Unsubscribe(ch)
		}
		wg.Wait()
		raw.Close()
		log.Debug("websocket closed")
	}()

	if s.bus != nil {
		ch = s.bus.Subscribe(64)
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.relayEvents(ctx, conn, ch, sess.ID)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(wsPingPeriod)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if conn.ping() != nil {
					cancel()
					return
				}
			}
		}
	}()

	raw.SetReadLimit(maxBody)
	raw.SetReadDeadline(time.Now().Add(wsPongWait))
	raw.SetPongHandler(func(string) error {
		return raw.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	// At most one turn runs per connection. cancelTurn is non-nil while
	// it does and is cleared by the turn goroutine when it finishes.
	var (
		turnMu     sync.Mutex
		cancelTurn context.CancelFunc
	)
	for {
		var f inFrame
		if err := raw.ReadJSON(&f); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("websocket read ended", "error", err)
			}
			return
		}
		raw.SetReadDeadline(time.Now().Add(wsPongWait))

		switch f.Type {
		case frameMessage:
			turnCtx, stop := context.WithCancel(ctx)
			turnMu.Lock()
			busy := cancelTurn != nil
			if !busy {
				cancelTurn = stop
			}
			turnMu.Unlock()
			if busy {
				stop()
				conn.send(outFrame{Type: frameError, Kind: string(apperr.KindSessionBusy),
					Error: "a request is still running; wait for it to finish or cancel it"})
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.runTurn(turnCtx, conn, sess, f.Text, func() {
					turnMu.Lock()
					cancelTurn = nil
					turnMu.Unlock()
					stop()
				})
			}()
		case frameCancel:
			turnMu.Lock()
			if cancelTurn != nil {
				cancelTurn()
			}
			turnMu.Unlock()
		default:
			conn.send(outFrame{Type: frameError, Kind: string(apperr.KindInvalidRequest), Error: "unknown frame type " + f.Type})
		}
	}
}

// runTurn runs one turn and sends its final message and summary.
// release is called before anything is sent, so a client that has seen
// the result can start the next turn.
func (s *Server) runTurn(ctx context.Context, conn *wsConn, sess *session.Session, text string, release func()) {
	turn, err := s.runner.Run(ctx, sess, text)
	release()
	if turn == nil {
		conn.send(outFrame{Type: frameError, Kind: string(apperr.KindOf(err)), Error: apperr.DetailOf(err)})
		return
	}
	if h := sess.History(); len(h) > 0 {
		m := toWire(h[len(h)-1])
		conn.send(outFrame{Type: frameMessage, Message: &m})
	}
	wt := toWireTurn(turn)
	conn.send(outFrame{Type: frameTurn, Turn: &wt})
}

func (s *Server) relayEvents(ctx context.Context, conn *wsConn, ch <-chan events.Event, sessionID string) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if e.Source != events.SourceAgent || e.Data["session_id"] != sessionID {
				continue
			}
			if conn.send(outFrame{Type: frameEvent, Event: &e}) != nil {
				return
			}
		}
	}
}
