package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/rawblock/fraud-engine/internal/observability"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // origin policy is enforced by the CORS middleware
	},
}

// Hub maintains the set of active websocket clients and fans alert payloads
// out to all of them.
type Hub struct {
	clients   map[*websocket.Conn]bool
	broadcast chan []byte
	mutex     sync.Mutex
	metrics   *observability.Metrics
	log       *zap.Logger
}

func NewHub(metrics *observability.Metrics, log *zap.Logger) *Hub {
	return &Hub{
		broadcast: make(chan []byte, 256),
		clients:   make(map[*websocket.Conn]bool),
		metrics:   metrics,
		log:       log,
	}
}

func (h *Hub) Run() {
	for message := range h.broadcast {
		h.mutex.Lock()
		for client := range h.clients {
			// Write deadline keeps a blocked client from hanging the hub.
			_ = client.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
				h.log.Debug("websocket write failed, dropping client", zap.Error(err))
				client.Close()
				delete(h.clients, client)
			}
		}
		h.gauge(len(h.clients))
		h.mutex.Unlock()
	}
}

// Subscribe upgrades the request and registers the client.
func (h *Hub) Subscribe(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	h.mutex.Lock()
	h.clients[conn] = true
	total := len(h.clients)
	h.gauge(total)
	h.mutex.Unlock()

	h.log.Info("websocket client connected", zap.Int("clients", total))

	// Push-only stream; the read loop exists to notice disconnects.
	go func() {
		defer func() {
			h.mutex.Lock()
			delete(h.clients, conn)
			h.gauge(len(h.clients))
			h.mutex.Unlock()
			conn.Close()
			h.log.Info("websocket client disconnected")
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					h.log.Debug("websocket read error", zap.Error(err))
				}
				return
			}
		}
	}()
}

// Broadcast queues a JSON payload for all connected clients.
func (h *Hub) Broadcast(data []byte) {
	select {
	case h.broadcast <- data:
	default:
		h.log.Warn("websocket broadcast queue full, dropping message")
	}
}

func (h *Hub) gauge(n int) {
	if h.metrics != nil {
		h.metrics.WebsocketClients.Set(float64(n))
	}
}
