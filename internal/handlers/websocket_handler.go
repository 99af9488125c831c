package handlers

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"proof-orchestrator/internal/events"
	"proof-orchestrator/internal/metrics"
	"proof-orchestrator/internal/models"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsBuffer     = 256
)

// WebSocketHandler streams task status events
type WebSocketHandler struct {
	hub      *events.Hub
	upgrader websocket.Upgrader
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(hub *events.Hub) *WebSocketHandler {
	return &WebSocketHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// SubscriptionMessage client request to narrow or widen the stream. An empty
// subscription set streams every task.
type SubscriptionMessage struct {
	Action       string               `json:"action"` // "subscribe" or "unsubscribe"
	Fingerprints []models.Fingerprint `json:"fingerprints"`
}

// StatusMessage one event pushed to the client
type StatusMessage struct {
	Type string `json:"type"`
	events.StatusEvent
}

type subscription struct {
	mu  sync.RWMutex
	fps map[models.Fingerprint]struct{}
}

func (s *subscription) apply(msg *SubscriptionMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, fp := range msg.Fingerprints {
		switch msg.Action {
		case "subscribe":
			s.fps[fp] = struct{}{}
		case "unsubscribe":
			delete(s.fps, fp)
		}
	}
}

func (s *subscription) wants(fp models.Fingerprint) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.fps) == 0 {
		return true
	}
	_, ok := s.fps[fp]
	return ok
}

// HandleWebSocket GET /v1/proofs/ws[?fingerprint=a,b]
func (h *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	sub := &subscription{fps: make(map[models.Fingerprint]struct{})}
	if raw := c.Query("fingerprint"); raw != "" {
		msg := &SubscriptionMessage{Action: "subscribe"}
		for _, part := range strings.Split(raw, ",") {
			msg.Fingerprints = append(msg.Fingerprints, models.Fingerprint(strings.TrimSpace(part)))
		}
		sub.apply(msg)
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("❌ WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	clientID := uuid.New().String()
	updates, unsubscribe := h.hub.Subscribe(wsBuffer)
	defer unsubscribe()

	metrics.WebSocketClients.Inc()
	defer metrics.WebSocketClients.Dec()
	log.Printf("📡 WebSocket client connected: %s", clientID)

	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(map[string]interface{}{
		"type":      "connected",
		"client_id": clientID,
		"timestamp": time.Now(),
	}); err != nil {
		return
	}

	readDone := make(chan struct{})
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("❌ [WebSocket] PANIC recovered in read goroutine for client %s: %v", clientID, r)
			}
			close(readDone)
		}()

		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(wsPongWait))
			return nil
		})

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Printf("⚠️ [WebSocket] Read error for client %s: %v", clientID, err)
				}
				return
			}
			var msg SubscriptionMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				log.Printf("⚠️ [WebSocket] Ignoring malformed message from client %s: %v", clientID, err)
				continue
			}
			sub.apply(&msg)
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-readDone:
			log.Printf("🔌 [WebSocket] Client %s disconnected", clientID)
			return
		case ev, ok := <-updates:
			if !ok {
				return
			}
			if !sub.wants(ev.Fingerprint) {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(StatusMessage{Type: "status", StatusEvent: ev}); err != nil {
				log.Printf("❌ [WebSocket] Write error for client %s: %v", clientID, err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				log.Printf("❌ [WebSocket] Ping error for client %s: %v", clientID, err)
				return
			}
		}
	}
}
