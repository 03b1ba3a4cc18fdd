package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/atlas-desktop/portfolio-engine/pkg/types"
)

// MessageType defines WebSocket message types.
type MessageType string

const (
	MsgTypeBatchUpdate  MessageType = "batch_update"
	MsgTypeRegimeUpdate MessageType = "regime_update"
	MsgTypeHealthUpdate MessageType = "health_update"
	MsgTypeRiskAlert    MessageType = "risk_alert"
	MsgTypeHeartbeat    MessageType = "heartbeat"
)

// WSMessage is one WebSocket frame.
type WSMessage struct {
	Type      MessageType `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// wsClient is one connected subscriber.
type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Hub fans engine events out to WebSocket subscribers. Slow clients are
// dropped rather than allowed to block the broadcast loop.
type Hub struct {
	logger     *zap.Logger
	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan []byte
	done       chan struct{}

	mu      sync.RWMutex
	clients map[*wsClient]bool
}

// NewHub creates a WebSocket hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:     logger.Named("ws"),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan []byte, 256),
		done:       make(chan struct{}),
		clients:    make(map[*wsClient]bool),
	}
}

// Run is the hub's event loop. Call in a goroutine; Stop terminates it.
func (h *Hub) Run() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client connected", zap.String("id", client.id))

		case client := <-h.unregister:
			h.drop(client)

		case message := <-h.broadcast:
			h.mu.RLock()
			stale := make([]*wsClient, 0)
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					stale = append(stale, client)
				}
			}
			h.mu.RUnlock()
			for _, client := range stale {
				h.drop(client)
			}

		case <-ticker.C:
			h.Broadcast(MsgTypeHeartbeat, nil)

		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				client.conn.Close()
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Stop shuts the hub down and disconnects every client.
func (h *Hub) Stop() {
	close(h.done)
}

// Broadcast queues one message for every client.
func (h *Hub) Broadcast(msgType MessageType, data interface{}) {
	payload, err := json.Marshal(WSMessage{
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		h.logger.Error("marshal broadcast", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- payload:
	default:
		h.logger.Warn("broadcast queue full, dropping message", zap.String("type", string(msgType)))
	}
}

// BroadcastBatch publishes a batch state change.
func (h *Hub) BroadcastBatch(b *types.OrderBatch) {
	h.Broadcast(MsgTypeBatchUpdate, b)
}

// BroadcastRegime publishes a new regime record.
func (h *Hub) BroadcastRegime(record types.MarketRegimeRecord) {
	h.Broadcast(MsgTypeRegimeUpdate, record)
}

// BroadcastHealth publishes a completed health report.
func (h *Hub) BroadcastHealth(report *types.HealthReport) {
	h.Broadcast(MsgTypeHealthUpdate, report)
}

// BroadcastRiskAlert publishes blocked-transition risk violations.
func (h *Hub) BroadcastRiskAlert(batchID string, violations interface{}) {
	h.Broadcast(MsgTypeRiskAlert, map[string]interface{}{
		"batchId":    batchID,
		"violations": violations,
	})
}

func (h *Hub) drop(client *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
	client.conn.Close()
	h.logger.Debug("client disconnected", zap.String("id", client.id))
}

// handleWebSocket upgrades the connection and starts the client pumps.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &wsClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, 64),
	}
	s.hub.register <- client

	go s.writePump(client)
	go s.readPump(client)
}

// readPump drains client frames; the engine accepts no commands over the
// socket, so inbound traffic only keeps the connection alive.
func (s *Server) readPump(client *wsClient) {
	defer func() {
		s.hub.unregister <- client
	}()
	client.conn.SetReadLimit(4096)
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) writePump(client *wsClient) {
	for message := range client.send {
		client.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
	client.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
