package session

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/btc1m/exchange/internal/metrics"
)

// Manager tracks connected clients and the userID -> connections reverse
// map needed to push per-user events (order updates, trades, balance
// changes) to every session that user has open.
type Manager struct {
	mu         sync.RWMutex
	clients    map[string]*Client
	byUser     map[string]map[string]*Client
	bufferSize int
	logger     *slog.Logger
}

// NewManager creates a session manager.
func NewManager(bufferSize int, logger *slog.Logger) *Manager {
	return &Manager{
		clients:    make(map[string]*Client),
		byUser:     make(map[string]map[string]*Client),
		bufferSize: bufferSize,
		logger:     logger.With("component", "session.manager"),
	}
}

// Register adds a new, as-yet-unauthenticated client.
func (m *Manager) Register(conn *websocket.Conn) *Client {
	c := NewClient(conn, m.bufferSize)
	m.mu.Lock()
	m.clients[c.ID] = c
	m.mu.Unlock()
	metrics.WSConnectedClients.Inc()
	var remote string
	if conn != nil {
		remote = conn.RemoteAddr().String()
	}
	m.logger.Info("client connected", "client_id", c.ID, "remote", remote)
	return c
}

// Unregister removes a client from every index and closes its connection.
func (m *Manager) Unregister(c *Client) {
	m.mu.Lock()
	delete(m.clients, c.ID)
	if uid := c.UserID(); uid != "" {
		if set, ok := m.byUser[uid]; ok {
			delete(set, c.ID)
			if len(set) == 0 {
				delete(m.byUser, uid)
			}
		}
	}
	m.mu.Unlock()
	c.Close()
	metrics.WSConnectedClients.Dec()
	m.logger.Info("client disconnected", "client_id", c.ID)
}

// BindUser associates a now-authenticated client with its user ID.
func (m *Manager) BindUser(c *Client, userID string) {
	c.SetUserID(userID)
	m.mu.Lock()
	set, ok := m.byUser[userID]
	if !ok {
		set = make(map[string]*Client)
		m.byUser[userID] = set
	}
	set[c.ID] = c
	m.mu.Unlock()
}

// SendToUser pushes a message to every connection a user currently holds
// open. No-op if the user has no live connections.
func (m *Manager) SendToUser(userID, msgType string, data []byte, droppable bool) {
	m.mu.RLock()
	set := m.byUser[userID]
	targets := make([]*Client, 0, len(set))
	for _, c := range set {
		targets = append(targets, c)
	}
	m.mu.RUnlock()
	for _, c := range targets {
		c.send(msgType, data, droppable)
	}
}

// Broadcast pushes a message to every connected client, authenticated or
// not (used for price ticks and market lifecycle events).
func (m *Manager) Broadcast(msgType string, data []byte, droppable bool) {
	m.mu.RLock()
	targets := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		targets = append(targets, c)
	}
	m.mu.RUnlock()
	for _, c := range targets {
		c.send(msgType, data, droppable)
	}
}

// SendToClient pushes a message to one specific connection (replies to a
// request-scoped inbound message).
func (m *Manager) SendToClient(c *Client, msgType string, data []byte, droppable bool) {
	c.send(msgType, data, droppable)
}

// ClientCount returns the number of connected clients.
func (m *Manager) ClientCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}
