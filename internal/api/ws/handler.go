package ws

import (
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/flatnas/scripthost/internal/bus"
	"github.com/flatnas/scripthost/internal/infrastructure/logging"
	"github.com/flatnas/scripthost/internal/infrastructure/monitoring"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// The bus namespace is the application's open two-way channel.
		return true
	},
}

// Frame is one outbound bus event.
type Frame struct {
	Topic     string      `json:"topic"`
	Detail    interface{} `json:"detail"`
	Timestamp int64       `json:"timestamp"`
}

// Inbound is one client message.
type Inbound struct {
	Type   string      `json:"type"` // "emit" or "ping"
	Event  string      `json:"event"`
	Detail interface{} `json:"detail"`
}

// Handler bridges the event bus onto WebSocket connections.
type Handler struct {
	bus     *bus.Bus
	logger  *logging.Logger
	metrics *monitoring.Metrics
}

// NewHandler creates a new WebSocket handler.
func NewHandler(eventBus *bus.Bus, logger *logging.Logger, metrics *monitoring.Metrics) *Handler {
	return &Handler{
		bus:     eventBus,
		logger:  logger.Named("ws"),
		metrics: metrics,
	}
}

// HandleConnection handles WebSocket upgrade and messages.
func (h *Handler) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	if h.metrics != nil {
		h.metrics.WSConnections.Inc()
		defer h.metrics.WSConnections.Dec()
	}

	var writeMu sync.Mutex
	write := func(v interface{}) error {
		data, err := sonic.Marshal(v)
		if err != nil {
			return err
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteMessage(websocket.TextMessage, data)
	}

	untap := h.bus.Tap(func(topic string, detail interface{}) {
		if err := write(Frame{Topic: topic, Detail: detail, Timestamp: time.Now().UnixMilli()}); err != nil {
			h.logger.Debug("websocket push failed", zap.Error(err))
		}
	})
	defer untap()

	for {
		var msg Inbound
		if err := conn.ReadJSON(&msg); err != nil {
			h.logger.Debug("websocket closed", zap.Error(err))
			return
		}

		switch msg.Type {
		case "emit":
			if msg.Event == "" {
				continue
			}
			h.bus.Emit(msg.Event, msg.Detail)
			h.metrics.ObserveBusEvent("ws")
		case "ping":
			write(map[string]interface{}{"type": "pong"})
		default:
			write(map[string]interface{}{"type": "error", "message": "unknown message type"})
		}
	}
}
