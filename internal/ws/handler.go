// Package ws owns the websocket transport: admission, the register
// handshake, the per-connection read loop, and frame dispatch.
package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"xchat/server/internal/admin"
	"xchat/server/internal/ban"
	"xchat/server/internal/core"
	"xchat/server/internal/protocol"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

const (
	writeTimeout = 5 * time.Second

	// Transport keepalive: server pings every pingPeriod and expects a
	// pong (or any read) within pongWait.
	pingPeriod = 20 * time.Second
	pongWait   = 30 * time.Second

	maxFrameBytes = 1 << 20
)

// Handler serves websocket connections against the hub.
type Handler struct {
	hub      *core.Hub
	bans     *ban.Store
	secrets  *admin.Rotator
	upgrader websocket.Upgrader
}

// NewHandler creates a websocket handler bound to the hub, ban store, and
// admin secret.
func NewHandler(hub *core.Hub, bans *ban.Store, secrets *admin.Rotator) *Handler {
	return &Handler{
		hub:     hub,
		bans:    bans,
		secrets: secrets,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// Register binds websocket routes on an Echo router.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/ws", h.HandleWebSocket)
}

// HandleWebSocket upgrades one request and serves it until disconnect.
// Banned peers get a single error frame and are closed before admission.
func (h *Handler) HandleWebSocket(c echo.Context) error {
	ip := c.RealIP()
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("upgrade websocket: %w", err)
	}

	if h.bans.Contains(ip) {
		slog.Info("rejected banned peer", "ip", ip)
		h.writeDirect(conn, protocol.Outbound{
			Type:    protocol.TypeError,
			Message: "You are banned from this server",
		})
		conn.Close()
		return nil
	}

	h.serveConn(conn, ip)
	return nil
}

func (h *Handler) serveConn(conn *websocket.Conn, ip string) {
	defer conn.Close()
	conn.SetReadLimit(maxFrameBytes)

	session := h.handshake(conn, ip)
	if session == nil {
		return
	}

	// The closure re-reads Username so a /changeuname before disconnect
	// still unregisters the current identity.
	defer func() { h.cleanup(session.Username) }()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		h.hub.Touch(session.Username)
		return nil
	})

	go h.writer(conn, session.Send)
	h.announce(session)

	for {
		var in protocol.Inbound
		if err := conn.ReadJSON(&in); err != nil {
			if isMalformed(err) {
				h.hub.SendTo(session.Username, protocol.Outbound{
					Type:    protocol.TypeError,
					Message: "Invalid message format",
				})
				continue
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		h.dispatch(session, in)
	}
}

// handshake consumes frames until a valid register arrives. Frames sent
// before registration get a single "must register first" error. A register
// with an invalid username is an error and closes the connection.
func (h *Handler) handshake(conn *websocket.Conn, ip string) *core.Session {
	for {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		var in protocol.Inbound
		if err := conn.ReadJSON(&in); err != nil {
			if isMalformed(err) {
				h.writeDirect(conn, protocol.Outbound{
					Type:    protocol.TypeError,
					Message: "Invalid message format",
				})
				continue
			}
			return nil
		}
		if in.MessageType != protocol.KindRegister {
			h.writeDirect(conn, protocol.Outbound{
				Type:    protocol.TypeError,
				Message: "Must register first",
			})
			continue
		}

		session, err := h.hub.Register(in.Username, ip, 64, func() { conn.Close() })
		if err != nil {
			h.writeDirect(conn, protocol.Outbound{
				Type:    protocol.TypeError,
				Message: fmt.Sprintf("Invalid username: %s", err),
			})
			return nil
		}
		return session
	}
}

// writer drains the session's send channel onto the connection and keeps
// the transport-level ping/pong alive. When the channel closes it flushes
// the remaining frames and drops the connection.
func (h *Handler) writer(conn *websocket.Conn, send <-chan protocol.Outbound) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer conn.Close()

	for {
		select {
		case out, ok := <-send:
			if !ok {
				conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(out); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// announce sends the welcome frame and broadcasts the arrival.
func (h *Handler) announce(s *core.Session) {
	h.hub.SendTo(s.Username, protocol.Outbound{
		Type:     protocol.TypeWelcome,
		Username: s.Username,
		Message:  fmt.Sprintf("Connected as %s", s.Username),
		Rooms:    s.Rooms,
	})
	h.hub.Broadcast(protocol.Outbound{
		Type:      protocol.TypeUserJoined,
		Username:  s.Username,
		Message:   fmt.Sprintf("%s joined the chat", s.Username),
		Timestamp: now(),
	}, s.Username)
	h.broadcastUsersList()
	for _, room := range s.Rooms {
		h.broadcastRoomRoster(room)
	}
	slog.Info("peer registered", "user", s.Username)
}

// cleanup drains the session from the hub and broadcasts the departure.
// Safe to call from both the reader defer and the kick/ban paths; only the
// call that actually removes the session broadcasts.
func (h *Handler) cleanup(username string) {
	rooms, ok := h.hub.Unregister(username)
	if !ok {
		return
	}
	h.hub.Broadcast(protocol.Outbound{
		Type:      protocol.TypeUserLeft,
		Username:  username,
		Message:   fmt.Sprintf("%s left the chat", username),
		Timestamp: now(),
	}, "")
	h.broadcastUsersList()
	for _, room := range rooms {
		h.broadcastRoomRoster(room)
	}
}

func (h *Handler) broadcastUsersList() {
	h.hub.Broadcast(protocol.Outbound{
		Type:  protocol.TypeUsersList,
		Users: h.hub.UsersSnapshot(),
	}, "")
}

func (h *Handler) broadcastRoomRoster(room string) {
	roster, ok := h.hub.RoomMembers(room)
	if !ok {
		return
	}
	h.hub.BroadcastRoom(room, protocol.Outbound{
		Type:     protocol.TypeRoomUsersList,
		RoomName: room,
		Users:    roster,
	}, "")
}

func (h *Handler) sendError(username, msg string) {
	h.hub.SendTo(username, protocol.Outbound{Type: protocol.TypeError, Message: msg})
}

func (h *Handler) writeDirect(conn *websocket.Conn, out protocol.Outbound) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = conn.WriteJSON(out)
}

// isMalformed distinguishes a bad JSON payload (connection stays up) from
// a transport failure (connection is torn down).
func isMalformed(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return true
	}
	if websocket.IsUnexpectedCloseError(err) || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		return false
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		return false
	}
	// json.Unmarshal of a non-object top level ("hi", [1,2]) reports a
	// plain error mentioning json; transport failures do not.
	return strings.Contains(err.Error(), "json")
}

func now() string {
	return time.Now().Format(time.RFC3339)
}
