package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/codexbridge/internal/agent/types"
	"github.com/kandev/codexbridge/internal/common/logger"
	"github.com/kandev/codexbridge/internal/events"
	"github.com/kandev/codexbridge/internal/events/bus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
	sendBuffer     = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// StreamHandler forwards a topic's bus events to WebSocket clients.
type StreamHandler struct {
	bus    bus.EventBus
	logger *logger.Logger
}

// NewStreamHandler creates a stream handler reading from eventBus.
func NewStreamHandler(eventBus bus.EventBus, log *logger.Logger) *StreamHandler {
	return &StreamHandler{
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "ws_stream")),
	}
}

// HandleConnection upgrades the request and streams the topic's events until
// the client goes away. A client too slow to keep up is disconnected.
func (h *StreamHandler) HandleConnection(c *gin.Context, topic types.TopicKey) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	log := h.logger.WithTopic(topic.String()).WithFields(zap.String("client_id", clientID))

	ctx, cancel := context.WithCancel(context.Background())
	send := make(chan []byte, sendBuffer)

	sub, err := h.bus.Subscribe(events.TopicWildcard(topic), func(_ context.Context, event *bus.Event) error {
		data, err := json.Marshal(event)
		if err != nil {
			return err
		}
		select {
		case send <- data:
		case <-ctx.Done():
		default:
			log.Warn("Client send buffer full, disconnecting")
			cancel()
		}
		return nil
	})
	if err != nil {
		log.Error("Failed to subscribe to topic events", zap.Error(err))
		cancel()
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscribe failed"))
		_ = conn.Close()
		return
	}
	log.Debug("WebSocket stream opened", zap.String("remote_addr", c.Request.RemoteAddr))

	go h.readPump(conn, cancel)
	h.writePump(ctx, conn, send)

	cancel()
	_ = sub.Unsubscribe()
	_ = conn.Close()
	log.Debug("WebSocket stream closed")
}

// readPump discards client messages and ends the stream when the peer closes.
func (h *StreamHandler) readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("WebSocket read error", zap.Error(err))
			}
			return
		}
	}
}

func (h *StreamHandler) writePump(ctx context.Context, conn *websocket.Conn, send <-chan []byte) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}
