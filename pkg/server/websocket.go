package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/aeolun/relay/pkg/hub"
	"github.com/aeolun/relay/pkg/protocol"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

const (
	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browser clients are served from anywhere; CORS origin policy applies to the API only
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConn writes envelopes as JSON text messages
type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

// WriteEvent sends one envelope as a single text message
func (c *wsConn) WriteEvent(env *protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame (best effort) and closes the socket
func (c *wsConn) Close() error {
	deadline := time.Now().Add(time.Second)
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return c.conn.Close()
}

// handleWebSocket upgrades the request and runs the session until the socket closes
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client
		debugLog.Printf("WebSocket upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}

	s.wg.Add(1)
	defer s.wg.Done()

	if s.stopping() {
		conn.Close()
		return
	}
	sess := s.sessions.CreateSession("websocket", r.RemoteAddr, &wsConn{conn: conn, writeTimeout: s.config.writeTimeout()})
	s.connectionsSinceReport.Add(1)
	debugLog.Printf("New WebSocket connection from %s (session %s)", r.RemoteAddr, sess.ID)

	go s.pingLoop(sess, conn)

	s.router.Connect(sess)
	s.wsMessageLoop(sess, conn)
}

// pingLoop keeps idle connections alive. WriteControl may run concurrently
// with the session's writer goroutine.
func (s *Server) pingLoop(sess *hub.Session, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-sess.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.config.writeTimeout())); err != nil {
				debugLog.Printf("Session %s: ping failed: %v", sess.ID, err)
				sess.Close()
				return
			}
		}
	}
}

// wsMessageLoop reads messages until the socket fails. Text messages carry a
// JSON envelope; binary messages carry one frame, as on the TCP transport.
func (s *Server) wsMessageLoop(sess *hub.Session, conn *websocket.Conn) {
	defer s.router.Disconnect(sess)

	conn.SetReadLimit(protocol.MaxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			s.disconnectionsSinceReport.Add(1)
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				debugLog.Printf("Session %s: WebSocket read error: %v", sess.ID, err)
			} else {
				debugLog.Printf("Session %s: client disconnected", sess.ID)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var env *protocol.Envelope
		if messageType == websocket.BinaryMessage {
			env, err = protocol.ReadEnvelope(bytes.NewReader(data))
		} else {
			env, err = protocol.ParseEnvelope(data)
		}
		if err != nil {
			debugLog.Printf("Session %s: bad message: %v", sess.ID, err)
			s.router.Handle(sess, nil)
			continue
		}

		debugLog.Printf("Session %s ← RECV: %q (%d bytes)", sess.ID, env.Event, len(env.Data))
		s.router.Handle(sess, env)
	}
}
