package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/frostdev-ops/trustgate/internal/core/anomaly"
	"github.com/frostdev-ops/trustgate/internal/core/throttle"
	"github.com/sirupsen/logrus"
)

// ConnectionRecorder is told about every connect (+1) and disconnect (-1).
type ConnectionRecorder interface {
	RecordWebSocketConnection(delta int)
}

// HubConfig tunes client keepalive.
type HubConfig struct {
	PingInterval time.Duration
	WriteTimeout time.Duration
}

// Hub maintains the set of active dashboard clients and pushes anomaly
// alerts and throttle level changes to them.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan Message
	register   chan *Client
	unregister chan *Client
	done       chan struct{} // closed when Run returns

	config   HubConfig
	recorder ConnectionRecorder
	logger   *logrus.Logger

	mu    sync.RWMutex
	stats HubStats
}

// HubStats is served on the admin API next to the health report.
// MessagesDropped counts events lost to a full broadcast queue.
type HubStats struct {
	ConnectedClients int       `json:"connected_clients"`
	TotalConnections int64     `json:"total_connections"`
	MessagesSent     int64     `json:"messages_sent"`
	MessagesReceived int64     `json:"messages_received"`
	MessagesDropped  int64     `json:"messages_dropped"`
	LastActivity     time.Time `json:"last_activity"`
}

// NewHub creates a new WebSocket hub
func NewHub(config HubConfig, logger *logrus.Logger) *Hub {
	if config.PingInterval <= 0 {
		config.PingInterval = 30 * time.Second
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan Message, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		config:     config,
		logger:     logger,
		stats: HubStats{
			LastActivity: time.Now(),
		},
	}
}

// SetRecorder attaches connection metrics. Call before Run.
func (h *Hub) SetRecorder(r ConnectionRecorder) {
	h.recorder = r
}

// Run handles client registration and broadcasting until ctx is done, then
// disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")

	ticker := time.NewTicker(h.config.PingInterval)
	defer ticker.Stop()
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			h.logger.Info("WebSocket hub stopped")
			return

		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case message := <-h.broadcast:
			h.broadcastMessage(message)

		case <-ticker.C:
			h.broadcastMessage(Message{
				Type: MessageTypeHeartbeat,
				Data: map[string]interface{}{
					"clients": h.GetClientCount(),
				},
			})
		}
	}
}

func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	h.stats.TotalConnections++
	h.stats.ConnectedClients = len(h.clients)
	h.stats.LastActivity = time.Now()
	count := len(h.clients)
	h.mu.Unlock()

	if h.recorder != nil {
		h.recorder.RecordWebSocketConnection(1)
	}

	h.logger.WithFields(logrus.Fields{
		"client_id":         client.ID,
		"remote_addr":       client.RemoteAddr,
		"connected_clients": count,
	}).Info("WebSocket client connected")

	welcome := Message{
		Type: MessageTypeConnection,
		Data: map[string]interface{}{
			"status":    "connected",
			"client_id": client.ID,
			"topics":    client.Topics(),
		},
	}
	client.send <- welcome.ToJSON()
}

func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	_, ok := h.clients[client]
	if ok {
		delete(h.clients, client)
		close(client.send)
		h.stats.ConnectedClients = len(h.clients)
		h.stats.LastActivity = time.Now()
	}
	count := len(h.clients)
	h.mu.Unlock()

	if !ok {
		return
	}
	if h.recorder != nil {
		h.recorder.RecordWebSocketConnection(-1)
	}

	h.logger.WithFields(logrus.Fields{
		"client_id":         client.ID,
		"connected_clients": count,
	}).Info("WebSocket client disconnected")
}

// broadcastMessage runs on the hub goroutine. A client whose buffer is full
// is disconnected rather than allowed to stall the others.
func (h *Hub) broadcastMessage(message Message) {
	data := message.ToJSON()

	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		if message.Topic == "" || client.IsSubscribed(message.Topic) {
			clients = append(clients, client)
		}
	}
	h.mu.RUnlock()

	var slow []*Client
	for _, client := range clients {
		select {
		case client.send <- data:
		default:
			slow = append(slow, client)
		}
	}
	for _, client := range slow {
		h.logger.WithField("client_id", client.ID).Warn("WebSocket client too slow, disconnecting")
		h.unregisterClient(client)
	}

	h.mu.Lock()
	h.stats.MessagesSent++
	h.stats.LastActivity = time.Now()
	h.mu.Unlock()

	h.logger.WithFields(logrus.Fields{
		"message_type": message.Type,
		"message_size": len(data),
		"clients_sent": len(clients) - len(slow),
	}).Debug("Message broadcasted to WebSocket clients")
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		h.unregisterClient(client)
	}
}

// Broadcast queues message for delivery. It never blocks.
func (h *Hub) Broadcast(message Message) {
	select {
	case h.broadcast <- message:
	default:
		h.mu.Lock()
		h.stats.MessagesDropped++
		h.mu.Unlock()
		h.logger.WithField("message_type", message.Type).Warn("Broadcast channel is full, message dropped")
	}
}

// LevelChanged implements throttle.Observer.
func (h *Hub) LevelChanged(change throttle.LevelChange) {
	h.Broadcast(LevelMessage(change))
}

// Name and Emit implement anomaly.Sink.
func (h *Hub) Name() string {
	return "websocket"
}

func (h *Hub) Emit(_ context.Context, result *anomaly.Result) error {
	h.Broadcast(AlertMessage(result))
	return nil
}

// GetStats returns a copy of the counters.
func (h *Hub) GetStats() HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	stats := h.stats
	stats.ConnectedClients = len(h.clients)
	return stats
}

func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) messageReceived() {
	h.mu.Lock()
	h.stats.MessagesReceived++
	h.mu.Unlock()
}
