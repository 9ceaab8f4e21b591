package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"audiowallet/host/internal/config"
	"audiowallet/host/internal/core"
	"audiowallet/host/internal/hub"
	"audiowallet/host/internal/protocol"
)

// Handler owns the websocket transport. It upgrades connections, pairs each
// with a session, and shuttles frames between the socket and the hub. All
// protocol decisions live in the hub; the handler only enforces frame-size
// transport limits.
type Handler struct {
	hub      *hub.Hub
	cfg      *config.Config
	upgrader websocket.Upgrader
}

// NewHandler creates a websocket handler bound to the hub.
func NewHandler(h *hub.Hub, cfg *config.Config) *Handler {
	return &Handler{
		hub: h,
		cfg: cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// Register binds the session endpoint. Clients dial the advertised port at
// "/"; "/ws" is kept as an alias for manual-IP setups.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/", h.HandleWebSocket)
	e.GET("/ws", h.HandleWebSocket)
}

// HandleWebSocket upgrades one request and serves it until disconnect.
func (h *Handler) HandleWebSocket(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	h.serveConn(conn)
	return nil
}

func (h *Handler) serveConn(conn *websocket.Conn) {
	sess := core.NewSession(conn.RemoteAddr().String(), 64)
	slog.Debug("session opened", "remote", sess.Remote())

	// Per-kind limits are enforced below so the close frame carries our own
	// code; the read limit is only a backstop against runaway frames.
	conn.SetReadLimit(2 * h.cfg.MaxBinaryFrame())

	go h.writer(conn, sess)

	// The writer pump owns the socket teardown so the close frame it sends is
	// never raced by a Close here.
	defer func() {
		h.hub.HandleDisconnect(sess)
		sess.Close(protocol.CloseNormal)
		slog.Debug("session closed", "remote", sess.Remote(), "code", sess.CloseCode())
	}()

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				sess.Close(protocol.CloseFrameTooLarge)
			}
			return
		}

		switch kind {
		case websocket.TextMessage:
			if len(data) > protocol.MaxTextFrame {
				sess.Close(protocol.CloseFrameTooLarge)
				return
			}
			h.hub.HandleText(sess, data)
		case websocket.BinaryMessage:
			if int64(len(data)) > h.cfg.MaxBinaryFrame() {
				sess.Close(protocol.CloseFrameTooLarge)
				return
			}
			h.hub.HandleBinary(sess, data)
		}

		select {
		case <-sess.Done():
			return
		default:
		}
	}
}

// writer is the sole owner of the socket's write half. It drains the session
// queue and, once the session closes, delivers the close frame carrying the
// recorded code and reason.
func (h *Handler) writer(conn *websocket.Conn, sess *core.Session) {
	defer sess.DrainOutbound()
	for {
		select {
		case f := <-sess.Outbound():
			_ = conn.SetWriteDeadline(time.Now().Add(h.cfg.SendTimeout()))
			var err error
			if f.IsText() {
				var data []byte
				data, err = json.Marshal(f.Msg)
				if err == nil {
					err = conn.WriteMessage(websocket.TextMessage, data)
				}
			} else {
				err = conn.WriteMessage(websocket.BinaryMessage, f.Data)
			}
			f.Release()
			if err != nil {
				sess.Close(protocol.CloseNormal)
				conn.Close()
				return
			}
		case <-sess.Done():
			code := sess.CloseCode()
			_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, protocol.CloseReason(code)))
			conn.Close()
			return
		}
	}
}
