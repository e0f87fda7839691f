package handlers

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"

	"mongowatch/internal/models"
	"mongowatch/internal/monitor"
	"mongowatch/internal/services"
)

// StreamWebSocketHandler streams a session's records to WebSocket clients.
type StreamWebSocketHandler struct {
	manager *services.SessionManager
	bus     *services.RecordBus
}

// NewStreamWebSocketHandler creates a new stream WebSocket handler
func NewStreamWebSocketHandler(manager *services.SessionManager, bus *services.RecordBus) *StreamWebSocketHandler {
	return &StreamWebSocketHandler{manager: manager, bus: bus}
}

// StreamClientMessage represents a message from the client
type StreamClientMessage struct {
	Type string `json:"type"` // status
}

// StreamServerMessage represents a message to send to the client
type StreamServerMessage struct {
	Type    string          `json:"type"` // connected, record, status, error
	Record  *models.Record  `json:"record,omitempty"`
	Status  *monitor.Status `json:"status,omitempty"`
	Dropped uint64          `json:"dropped,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// safeConn wraps a websocket.Conn with a mutex for thread-safe writes.
// gorilla/websocket does not support concurrent writers.
type safeConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (sc *safeConn) writeJSON(v interface{}) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.conn.WriteJSON(v)
}

// Handle handles a new WebSocket connection streaming one session's records
func (h *StreamWebSocketHandler) Handle(c *websocket.Conn) {
	sessionID := c.Params("id")
	connID := uuid.New().String()
	sc := &safeConn{conn: c}

	sess, exists := h.manager.Get(sessionID)
	if !exists {
		sc.writeJSON(StreamServerMessage{
			Type:  "error",
			Error: "Session not found",
		})
		c.Close()
		return
	}

	log.Printf("🔌 [STREAM-WS] New connection: connID=%s, sessionID=%s", connID, sessionID)
	if m := services.GetMetrics(); m != nil {
		m.RecordWebSocketConnect()
		defer m.RecordWebSocketDisconnect()
	}

	// Keepalive to survive proxies: without this, nginx's default 60s
	// proxy_read_timeout kills the connection on a quiet collection.
	c.SetReadDeadline(time.Now().Add(360 * time.Second))
	c.SetPongHandler(func(appData string) error {
		c.SetReadDeadline(time.Now().Add(360 * time.Second))
		return nil
	})

	status := sess.Status()
	if err := sc.writeJSON(StreamServerMessage{
		Type:   "connected",
		Status: &status,
	}); err != nil {
		log.Printf("❌ [STREAM-WS] Failed to send connected message: %v", err)
		return
	}

	records := h.bus.Subscribe(sessionID, connID)
	defer h.bus.Unsubscribe(sessionID, connID)

	done := make(chan struct{})
	defer close(done)

	// Ping goroutine keeps the connection alive while the stream is quiet.
	go func() {
		ticker := time.NewTicker(20 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				sc.mu.Lock()
				err := c.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second))
				sc.mu.Unlock()
				if err != nil {
					log.Printf("🏓 [STREAM-WS] Ping failed for %s: %v", connID, err)
					return
				}
			}
		}
	}()

	// Writer goroutine pushes records as they arrive on the bus.
	go func() {
		for {
			select {
			case <-done:
				return
			case rec := <-records:
				if err := sc.writeJSON(StreamServerMessage{Type: "record", Record: rec}); err != nil {
					log.Printf("❌ [STREAM-WS] Write failed for %s: %v", connID, err)
					return
				}
			}
		}
	}()

	// Read loop — handles status requests and detects disconnect.
	for {
		_, msg, err := c.ReadMessage()
		if err != nil {
			log.Printf("🔌 [STREAM-WS] Connection closed for %s: %v", connID, err)
			return
		}
		c.SetReadDeadline(time.Now().Add(360 * time.Second))

		var clientMsg StreamClientMessage
		if err := json.Unmarshal(msg, &clientMsg); err != nil {
			sc.writeJSON(StreamServerMessage{
				Type:  "error",
				Error: "Invalid message format",
			})
			continue
		}

		switch clientMsg.Type {
		case "status":
			status := sess.Status()
			sc.writeJSON(StreamServerMessage{
				Type:    "status",
				Status:  &status,
				Dropped: h.bus.DroppedCount(sessionID),
			})
		default:
			sc.writeJSON(StreamServerMessage{
				Type:  "error",
				Error: "Unknown message type: " + clientMsg.Type,
			})
		}
	}
}
