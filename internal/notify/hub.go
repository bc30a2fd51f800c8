package notify

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"watchtower/services/agent/internal/logging"
)

// ChannelMonitoring receives check_result events. Everything else is broadcast to all clients.
const ChannelMonitoring = "monitoring"

const (
	clientSendBuffer = 32
	writeWait        = 10 * time.Second
	pingInterval     = 30 * time.Second
	pongWait         = 60 * time.Second
)

// StatsFunc supplies the initial_stats payload sent to each new connection.
type StatsFunc func(ctx context.Context) (map[string]any, error)

type clientMessage struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

type hubClient struct {
	id   string
	conn *websocket.Conn
	send chan Event

	mu       sync.Mutex
	channels map[string]bool
}

func (c *hubClient) subscribed(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels[channel]
}

func (c *hubClient) setChannel(channel string, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if on {
		c.channels[channel] = true
		return
	}
	delete(c.channels, channel)
}

// Hub pushes agent events to websocket clients.
type Hub struct {
	upgrader websocket.Upgrader
	stats    StatsFunc
	logger   *slog.Logger

	mu      sync.RWMutex
	clients map[*hubClient]struct{}
}

func NewHub(stats StatsFunc, logger *slog.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		stats:   stats,
		logger:  logging.OrDefault(logger),
		clients: make(map[*hubClient]struct{}),
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "err", err)
		return
	}

	client := &hubClient{
		id:       uuid.NewString(),
		conn:     conn,
		send:     make(chan Event, clientSendBuffer),
		channels: make(map[string]bool),
	}
	if h.stats != nil {
		stats, err := h.stats(r.Context())
		if err != nil {
			h.logger.Warn("initial stats unavailable", "err", err)
		} else {
			client.send <- NewEvent(EventInitialStats, "", stats)
		}
	}
	h.register(client)
	h.logger.Info("websocket client connected", "client_id", client.id)

	go h.writeLoop(client)
	h.readLoop(client)
}

func (h *Hub) readLoop(client *hubClient) {
	defer h.unregister(client)

	client.conn.SetReadLimit(4096)
	_ = client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var message clientMessage
		if err := client.conn.ReadJSON(&message); err != nil {
			h.logger.Debug("websocket client disconnected", "client_id", client.id, "err", err)
			return
		}
		switch message.Type {
		case "subscribe":
			client.setChannel(message.Channel, true)
		case "unsubscribe":
			client.setChannel(message.Channel, false)
		}
	}
}

func (h *Hub) writeLoop(client *hubClient) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = client.conn.Close()
	}()

	for {
		select {
		case event, ok := <-client.send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteJSON(event); err != nil {
				h.logger.Debug("websocket write failed", "client_id", client.id, "err", err)
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) register(client *hubClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(client *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
}

// Publish never blocks; a client whose buffer is full is disconnected.
func (h *Hub) Publish(_ context.Context, event Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		if event.Type == EventCheckResult && !client.subscribed(ChannelMonitoring) {
			continue
		}
		select {
		case client.send <- event:
		default:
			h.logger.Warn("websocket client too slow, dropping", "client_id", client.id)
			delete(h.clients, client)
			close(client.send)
		}
	}
	return nil
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		delete(h.clients, client)
		close(client.send)
	}
}
