package signaling

import (
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Hub is a minimal websocket signaling server. Every connection is assigned
// a fresh id, announced to the client in an open signal, and may then address
// signals to any other connected id.
type Hub struct {
	logger   *zap.Logger
	upgrader websocket.Upgrader
	newID    func() string

	mu      sync.RWMutex
	clients map[string]*hubClient
}

type hubClient struct {
	id   string
	conn *websocket.Conn

	writeMu sync.Mutex
}

func (c *hubClient) write(signal Signal) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(signal)
}

// NewHub creates a hub. Any origin may connect.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		newID:   uuid.NewString,
		clients: make(map[string]*hubClient),
	}
}

// ServeHTTP upgrades the request and relays signals until the client leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &hubClient{id: h.newID(), conn: conn}
	h.mu.Lock()
	h.clients[client.id] = client
	h.mu.Unlock()
	defer h.drop(client)

	if err := client.write(Signal{Type: SignalOpen, To: client.id}); err != nil {
		h.logger.Debug("send open failed", zap.String("peer", client.id), zap.Error(err))
		return
	}
	h.logger.Info("signaling client registered", zap.String("peer", client.id))

	for {
		var signal Signal
		if err := conn.ReadJSON(&signal); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("signaling read ended", zap.String("peer", client.id), zap.Error(err))
			}
			return
		}
		h.relay(client, signal)
	}
}

func (h *Hub) relay(sender *hubClient, signal Signal) {
	signal.From = sender.id

	h.mu.RLock()
	target, ok := h.clients[signal.To]
	h.mu.RUnlock()

	if !ok {
		h.logger.Debug("signal for unknown peer",
			zap.String("from", sender.id),
			zap.String("to", signal.To),
		)
		if err := sender.write(Signal{Type: SignalError, From: signal.To, To: sender.id, Reason: ReasonPeerUnavailable}); err != nil {
			h.logger.Debug("send error signal failed", zap.String("peer", sender.id), zap.Error(err))
		}
		return
	}

	if err := target.write(signal); err != nil {
		h.logger.Warn("relay signal failed",
			zap.String("from", sender.id),
			zap.String("to", target.id),
			zap.Error(err),
		)
	}
}

func (h *Hub) drop(client *hubClient) {
	h.mu.Lock()
	if h.clients[client.id] == client {
		delete(h.clients, client.id)
	}
	h.mu.Unlock()
	_ = client.conn.Close()
	h.logger.Info("signaling client left", zap.String("peer", client.id))
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() error {
	h.mu.Lock()
	clients := make([]*hubClient, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.Unlock()

	var err error
	for _, client := range clients {
		err = multierr.Append(err, client.conn.Close())
	}
	return err
}
