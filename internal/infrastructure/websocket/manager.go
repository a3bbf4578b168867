package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"castlemate/pkg/chatproto"
	"castlemate/pkg/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Client represents one WebSocket connection for an authenticated user.
type Client struct {
	UserID   string
	UserName string
	Conn     *websocket.Conn
	Send     chan []byte

	mu     sync.Mutex
	closed bool
}

type sendResult int

const (
	sendQueued sendResult = iota
	sendFull
	sendClosed
)

// queue enqueues a frame for WritePump. The closed flag and the channel
// close happen under the same lock, so a concurrent fan-out can never hit
// a closed channel.
func (c *Client) queue(payload []byte) sendResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return sendClosed
	}

	select {
	case c.Send <- payload:
		return sendQueued
	default:
		return sendFull
	}
}

// shutdown closes the send channel exactly once. WritePump sees the close
// and tears the connection down.
func (c *Client) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.Send)
	}
}

// Manager owns all active connections and conversation room membership.
type Manager struct {
	clients    map[string]*Client
	rooms      map[string]map[string]bool // conversationID -> set of userIDs
	Register   chan *Client
	Unregister chan *Client
	mutex      sync.RWMutex

	handler *EventHandler
}

// NewManager creates a new WebSocket connection manager
func NewManager() *Manager {
	return &Manager{
		clients:    make(map[string]*Client),
		rooms:      make(map[string]map[string]bool),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
	}
}

// SetEventHandler wires the inbound event handler. Must be called before
// Start; the handler needs the manager for fan-out, so it cannot be a
// constructor argument.
func (m *Manager) SetEventHandler(h *EventHandler) {
	m.handler = h
}

// Start runs the manager's main loop in a goroutine
func (m *Manager) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case client := <-m.Register:
				m.registerClient(client)

			case client := <-m.Unregister:
				m.unregisterClient(client)

			case <-ctx.Done():
				return
			}
		}
	}()
}

func (m *Manager) registerClient(client *Client) {
	m.mutex.Lock()
	if old, ok := m.clients[client.UserID]; ok {
		// A fresh connection replaces any stale one for the same user
		old.shutdown()
	}
	m.clients[client.UserID] = client
	online := make([]string, 0, len(m.clients))
	for userID := range m.clients {
		online = append(online, userID)
	}
	m.mutex.Unlock()

	logger.Info("WebSocket: client registered: %s", client.UserID)

	// Presence snapshot to the new client, online broadcast to everyone else
	m.sendToClient(client, chatproto.NewEvent(chatproto.EventPresenceSnapshot, chatproto.PresenceSnapshotPayload{UserIDs: online}))
	m.broadcastExcept(client.UserID, chatproto.NewEvent(chatproto.EventUserOnline, chatproto.PresencePayload{UserID: client.UserID}))
}

func (m *Manager) unregisterClient(client *Client) {
	m.mutex.Lock()
	current, ok := m.clients[client.UserID]
	if ok && current == client {
		delete(m.clients, client.UserID)
		client.shutdown()
		for conversationID, members := range m.rooms {
			delete(members, client.UserID)
			if len(members) == 0 {
				delete(m.rooms, conversationID)
			}
		}
	}
	m.mutex.Unlock()

	if ok && current == client {
		logger.Info("WebSocket: client unregistered: %s", client.UserID)
		m.broadcastExcept(client.UserID, chatproto.NewEvent(chatproto.EventUserOffline, chatproto.PresencePayload{UserID: client.UserID}))
	}
}

// JoinRoom adds a user to a conversation room
func (m *Manager) JoinRoom(conversationID, userID string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.rooms[conversationID] == nil {
		m.rooms[conversationID] = make(map[string]bool)
	}
	m.rooms[conversationID][userID] = true
}

// LeaveRoom removes a user from a conversation room
func (m *Manager) LeaveRoom(conversationID, userID string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if members, ok := m.rooms[conversationID]; ok {
		delete(members, userID)
		if len(members) == 0 {
			delete(m.rooms, conversationID)
		}
	}
}

// IsOnline reports whether the user has a live connection
func (m *Manager) IsOnline(userID string) bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	_, ok := m.clients[userID]
	return ok
}

// SendToUser delivers an event to a specific user if connected
func (m *Manager) SendToUser(userID string, event chatproto.Event) {
	m.mutex.RLock()
	client, ok := m.clients[userID]
	m.mutex.RUnlock()

	if ok {
		m.sendToClient(client, event)
	}
}

// BroadcastToRoom delivers an event to every room member except one
func (m *Manager) BroadcastToRoom(conversationID string, event chatproto.Event, exceptUserID string) {
	m.mutex.RLock()
	members := make([]*Client, 0)
	for userID := range m.rooms[conversationID] {
		if userID == exceptUserID {
			continue
		}
		if client, ok := m.clients[userID]; ok {
			members = append(members, client)
		}
	}
	m.mutex.RUnlock()

	for _, client := range members {
		m.sendToClient(client, event)
	}
}

func (m *Manager) broadcastExcept(exceptUserID string, event chatproto.Event) {
	m.mutex.RLock()
	targets := make([]*Client, 0, len(m.clients))
	for userID, client := range m.clients {
		if userID != exceptUserID {
			targets = append(targets, client)
		}
	}
	m.mutex.RUnlock()

	for _, client := range targets {
		m.sendToClient(client, event)
	}
}

func (m *Manager) sendToClient(client *Client, event chatproto.Event) {
	payload, err := marshalEvent(event)
	if err != nil {
		logger.Error("WebSocket: failed to marshal event for client %s: %v", client.UserID, err)
		return
	}

	switch client.queue(payload) {
	case sendQueued, sendClosed:
	case sendFull:
		logger.Warn("WebSocket: client %s send channel full, dropping connection", client.UserID)
		go func() { m.Unregister <- client }()
	}
}

// ReadPump reads events from the WebSocket connection
func (c *Client) ReadPump(m *Manager) {
	defer func() {
		m.Unregister <- c
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Warn("WebSocket: read error for client %s: %v", c.UserID, err)
			}
			break
		}

		if m.handler != nil {
			m.handler.HandleClientEvent(c, payload)
		}
	}
}

// WritePump sends events to the WebSocket connection
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				logger.Warn("WebSocket: write error for client %s: %v", c.UserID, err)
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
