package handlers

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/defiguard/backend/internal/ingestion"
	"github.com/defiguard/backend/pkg/logger"
)

const (
	clientBuffer = 32
	pingInterval = 30 * time.Second
	writeTimeout = 10 * time.Second
)

type subscriber struct {
	send chan []byte
}

// Hub fans ingestion events out to connected WebSocket clients. A client
// whose buffer is full misses the event instead of stalling the run.
type Hub struct {
	mu      sync.RWMutex
	clients map[*subscriber]struct{}
	log     *zap.Logger
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[*subscriber]struct{}),
		log:     logger.Named("ws"),
	}
}

func (h *Hub) Notify(e ingestion.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		h.log.Error("Failed to encode event", zap.String("type", e.Type), zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for s := range h.clients {
		select {
		case s.send <- data:
		default:
			h.log.Debug("Dropping event for slow client", zap.String("type", e.Type))
		}
	}
}

func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) subscribe() *subscriber {
	s := &subscriber{send: make(chan []byte, clientBuffer)}
	h.mu.Lock()
	h.clients[s] = struct{}{}
	h.mu.Unlock()
	return s
}

func (h *Hub) unsubscribe(s *subscriber) {
	h.mu.Lock()
	delete(h.clients, s)
	h.mu.Unlock()
}

// Upgrade rejects plain HTTP requests to the WebSocket route.
func (h *Hub) Upgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

func (h *Hub) HandleConnection(c *websocket.Conn) {
	s := h.subscribe()
	h.log.Info("WebSocket client connected", zap.Int("clients", h.Clients()))

	defer func() {
		h.unsubscribe(s)
		c.Close()
		h.log.Info("WebSocket client disconnected", zap.Int("clients", h.Clients()))
	}()

	// Clients only listen. Reading is still needed to notice the close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case data := <-s.send:
			_ = c.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
				h.log.Debug("WebSocket write failed", zap.Error(err))
				return
			}
		case <-ping.C:
			_ = c.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
