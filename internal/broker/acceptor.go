package broker

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/loopback-labs/promptrelay/internal/security"
	"github.com/loopback-labs/promptrelay/pkg/protocol"
)

const (
	// writeWait bounds a single envelope write so a stalled consumer cannot
	// block the goroutine that dispatched to it.
	writeWait = 10 * time.Second

	// closeWait bounds the close handshake during shutdown.
	closeWait = 2 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Local consumer processes usually send no Origin header. When a
	// browser-originated connection does, it must satisfy the same origin
	// policy as prompt submissions.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		return security.ValidateSourceOrigin(origin) == nil
	},
}

// wsConn wraps a websocket connection behind the registry's Conn interface.
// The write mutex serializes envelope writes, preserving per-connection
// FIFO delivery.
type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsConn) WriteEnvelope(env *protocol.Envelope) (int, error) {
	data, err := env.Encode()
	if err != nil {
		return 0, err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return 0, err
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return 0, err
	}
	return len(data), nil
}

func (c *wsConn) Close(code int, reason string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(closeWait)
	message := websocket.FormatCloseMessage(code, reason)
	// Best effort; the transport close below runs regardless.
	_ = c.conn.WriteControl(websocket.CloseMessage, message, deadline)
	return c.conn.Close()
}

func (c *wsConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// handleUpgrade accepts a consumer connection. Non-loopback peers are
// closed immediately with a policy violation and never registered.
func (s *Server) handleUpgrade(c *gin.Context) {
	if s.isDraining() {
		c.JSON(http.StatusServiceUnavailable, newError(CodeInternal, "broker is shutting down"))
		return
	}

	raw, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		s.logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}
	conn := &wsConn{conn: raw}

	client, err := s.registry.Register(conn)
	if err != nil {
		s.logger.Warn("Rejected non-loopback consumer connection",
			zap.String("remote_addr", conn.RemoteAddr()),
			zap.Error(err))
		_ = conn.Close(websocket.ClosePolicyViolation, "non-loopback connections are not permitted")
		return
	}
	connectedConsumers.Inc()

	if _, err := conn.WriteEnvelope(protocol.NewConnectionEnvelope(client.ID)); err != nil {
		s.logger.Warn("Failed to send connection envelope",
			zap.Int("client_id", client.ID),
			zap.Error(err))
		if s.registry.Unregister(client.ID) {
			connectedConsumers.Dec()
		}
		_ = conn.Close(websocket.CloseInternalServerErr, "failed to complete handshake")
		return
	}

	go s.readLoop(client.ID, conn)
}

// readLoop consumes inbound frames from one consumer until the connection
// closes, then unregisters it unconditionally. A malformed frame never
// closes the connection; only a transport error or shutdown does. A panic
// here is logged and confined to this connection.
func (s *Server) readLoop(clientID int, conn *wsConn) {
	logger := s.logger.With(zap.Int("client_id", clientID))

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Connection handler panic recovered", zap.Any("panic", r))
		}
		if s.registry.Unregister(clientID) {
			connectedConsumers.Dec()
		}
		_ = conn.conn.Close()
	}()

	// Transport backstop above the protocol ceiling: frames between the two
	// limits are dropped by the protocol check below without losing the
	// connection.
	conn.conn.SetReadLimit(2 * protocol.MaxFrameBytes)

	for {
		_, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("Consumer connection error", zap.Error(err))
			} else {
				logger.Info("Consumer disconnected")
			}
			return
		}
		s.registry.RecordReceive(clientID, len(data))

		frame, err := protocol.ParseInboundFrame(data)
		if err != nil {
			switch {
			case errors.Is(err, protocol.ErrFrameTooLarge):
				framesDroppedTotal.WithLabelValues("oversized").Inc()
				logger.Warn("Dropped oversized frame", zap.Int("bytes", len(data)))
			default:
				framesDroppedTotal.WithLabelValues("malformed").Inc()
				logger.Warn("Dropped malformed frame", zap.Error(err))
			}
			continue
		}

		switch frame.Type {
		case protocol.TypeClientInfo:
			s.registry.UpdateInfo(clientID, *frame.ClientInfo)
			logger.Debug("Client info updated",
				security.LogString("workspace", frame.ClientInfo.Workspace),
				security.LogString("active_file", frame.ClientInfo.ActiveFile))
		case protocol.TypeHeartbeat:
			s.registry.Touch(clientID)
		default:
			// Forward-compatible no-op for frame types this broker does not
			// know yet.
			logger.Debug("Ignoring unknown frame type", zap.String("type", string(frame.Type)))
		}
	}
}
