package realtime

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"scriptrun/internal/protocol"
	"scriptrun/internal/session"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
	sendBuffer    = 256
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // The csrf_token query parameter guards the handshake.
	},
}

var errClientClosed = errors.New("client closed")

// client is one WebSocket connection bound to one session.
type client struct {
	conn      *websocket.Conn
	send      chan []byte
	server    *Server
	sessionID string
	logger    zerolog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// handleWebSocket serves GET /script/ws?path=...&session_id=...&csrf_token=...
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if !s.guard.Validate(r, q.Get("csrf_token")) {
		s.logger.Warn().Msg("websocket: invalid csrf token")
		writeError(w, http.StatusForbidden, protocol.ErrInvalidToken)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("websocket upgrade")
		return
	}

	rel := q.Get("path")
	scriptPath, err := s.catalog.Resolve(rel)
	if err != nil {
		s.logger.Warn().Err(err).Str("path", rel).Msg("websocket: invalid script path")
		rejectConn(conn, protocol.ErrScriptNotFound+": "+rel)
		return
	}

	id := q.Get("session_id")
	if id == "" {
		id, err = s.startSession(scriptPath)
		if err != nil {
			s.logger.Error().Err(err).Str("script", scriptPath).Msg("websocket: start failed")
			rejectConn(conn, protocol.ErrStartFailed)
			return
		}
	} else if _, err := s.registry.Get(id); err != nil {
		rejectConn(conn, protocol.ErrSessionNotFound)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &client{
		conn:      conn,
		send:      make(chan []byte, sendBuffer),
		server:    s,
		sessionID: id,
		logger:    s.logger.With().Str("session", id).Logger(),
		ctx:       ctx,
		cancel:    cancel,
	}

	s.clientsMu.Lock()
	s.clients[c] = true
	s.clientsMu.Unlock()

	c.sendFrame(protocol.NewSessionFrame(id))

	go c.writePump()
	go c.readPump()
	go c.pump()
}

// rejectConn sends a single error frame and closes the connection.
func rejectConn(conn *websocket.Conn, text string) {
	defer conn.Close()
	data, err := protocol.Encode(protocol.NewErrorFrame(text))
	if err != nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return
	}
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// Emit queues a session message for the write pump.
func (c *client) Emit(msg session.Message) error {
	return c.sendFrame(protocol.FromMessage(msg))
}

func (c *client) sendFrame(f protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	case <-c.ctx.Done():
		return errClientClosed
	}
}

// pump forwards the session's messages and closes the connection once the
// run is over.
func (c *client) pump() {
	err := Pump(c.ctx, c.server.engine, c.sessionID, c, c.server.opts.DrainInterval)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, errClientClosed) {
		c.logger.Error().Err(err).Msg("websocket stream failed")
	}
	c.close()
}

// readPump reads frames from the WebSocket connection.
func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn().Err(err).Msg("websocket read error")
			}
			return
		}

		c.handleFrame(message)
	}
}

// writePump writes queued frames to the WebSocket connection. Once the
// client is closed it flushes what is already queued and sends a close frame.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.close()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}

		case <-c.ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if c.flush() {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			}
			return
		}
	}
}

// flush writes the frames still queued. It reports false on a write error.
func (c *client) flush() bool {
	for {
		select {
		case message := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return false
			}
		default:
			return true
		}
	}
}

// close stops the pumps. The connection itself is closed by writePump.
func (c *client) close() {
	c.closeOnce.Do(c.cancel)
}

// handleFrame processes one client frame.
func (c *client) handleFrame(raw []byte) {
	frame, err := protocol.ValidateClientFrame(raw)
	if err != nil {
		c.sendFrame(protocol.NewErrorFrame(err.Error()))
		return
	}

	engine := c.server.engine
	switch frame.Kind {
	case protocol.KindInput:
		if err := engine.SendInput(c.sessionID, frame.Text); err != nil {
			c.logger.Debug().Err(err).Msg("websocket: input rejected")
			c.sendFrame(protocol.NewErrorFrame(err.Error()))
			return
		}
		engine.UpdateActivity(c.sessionID)
	case protocol.KindKeepalive:
		if err := engine.UpdateActivity(c.sessionID); err != nil {
			c.sendFrame(protocol.NewErrorFrame(err.Error()))
		}
	case protocol.KindStop:
		c.server.registry.Destroy(c.sessionID)
		c.close()
	}
}

// removeClient cleans up a disconnected client and destroys its session.
func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()

	c.close()
	if err := s.registry.Destroy(c.sessionID); err == nil {
		c.logger.Info().Msg("websocket: client disconnected, session destroyed")
	}
}
