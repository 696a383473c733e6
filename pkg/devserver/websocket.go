package devserver

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/verastack/chatline/pkg/envelope"
)

// handleWebSocket upgrades the request, waits for the AUTHORIZATION frame
// and then serves the connection through the hub.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("WebSocket upgrade failed", "error", err)
		return
	}

	u, err := s.awaitAuthorization(conn)
	if err != nil {
		s.log.Warn("Rejecting websocket connection", "remote", r.RemoteAddr, "error", err)

		//nolint:errcheck,gosec // connection is being dropped
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthorized"),
			time.Now().Add(writeWait),
		)
		conn.Close() //nolint:errcheck,gosec // see above

		return
	}

	c := &client{
		id:   uuid.NewString(),
		user: u,
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}

	if !s.hub.add(c) {
		conn.Close() //nolint:errcheck,gosec // server stopping
		return
	}

	go c.writePump()
	s.readPump(c)
}

// awaitAuthorization reads the first frame, which must carry a valid token.
func (s *Server) awaitAuthorization(conn *websocket.Conn) (*user, error) {
	//nolint:errcheck,gosec // read errors surface below
	conn.SetReadDeadline(time.Now().Add(s.opts.AuthTimeout))

	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("no authorization frame: %w", err)
	}

	env, err := envelope.Parse(data)
	if err != nil {
		return nil, err
	}

	if env.Type != envelope.TypeAuthorization {
		return nil, fmt.Errorf("expected %s frame, got %s", envelope.TypeAuthorization, env.Type)
	}

	var payload envelope.Authorization
	if err := env.DecodePayload(&payload); err != nil {
		return nil, err
	}

	if payload.Token == "" {
		return nil, errors.New("empty token")
	}

	u, err := s.userForToken(payload.Token)
	if err != nil {
		return nil, err
	}

	//nolint:errcheck,gosec // clear the handshake deadline
	conn.SetReadDeadline(time.Time{})

	return u, nil
}

// readPump handles inbound frames until the socket fails.
func (s *Server) readPump(c *client) {
	defer func() {
		s.hub.remove(c)
		c.conn.Close() //nolint:errcheck,gosec // best-effort
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Warn("WebSocket read error", "connection_id", c.id, "error", err)
			}

			return
		}

		env, err := envelope.Parse(data)
		if err != nil {
			s.log.Warn("Dropping malformed frame", "connection_id", c.id, "error", err)
			continue
		}

		switch env.Type {
		case envelope.TypeMessage:
			var in envelope.ChatMessage
			if err := env.DecodePayload(&in); err != nil {
				s.log.Warn("Dropping malformed message", "connection_id", c.id, "error", err)
				continue
			}

			msg, err := s.post(c.user, in.ConversationID, in.Body, in.Type)
			if err != nil {
				s.log.Warn("Rejecting message", "connection_id", c.id, "error", err)
				continue
			}

			s.fanOut(msg, c, env.IgnoreUserOnlines)

		case envelope.TypeAuthorization:
			s.log.Debug("Ignoring repeated authorization", "connection_id", c.id)

		default:
			s.log.Debug("Ignoring frame", "connection_id", c.id, "type", env.Type)
		}
	}
}
