package chatclient

import (
	"encoding/json"

	"castlemate/pkg/chatproto"
	"castlemate/pkg/logger"
)

// IsUserOnline reports whether a counterpart user currently has a live
// connection, according to the presence events received so far.
func (c *Coordinator) IsUserOnline(userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online[userID]
}

// OnlineUsers returns a snapshot of the online set.
func (c *Coordinator) OnlineUsers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	users := make([]string, 0, len(c.online))
	for userID := range c.online {
		users = append(users, userID)
	}
	return users
}

// handlePresenceSnapshot replaces the online set with the server's full
// view, delivered once per connection as part of the handshake.
func (c *Coordinator) handlePresenceSnapshot(event chatproto.Event) {
	var payload chatproto.PresenceSnapshotPayload
	if err := json.Unmarshal(event.Data, &payload); err != nil {
		logger.Warn("chatclient: malformed presence snapshot: %v", err)
		return
	}

	c.mu.Lock()
	c.online = make(map[string]bool, len(payload.UserIDs))
	for _, userID := range payload.UserIDs {
		c.online[userID] = true
	}
	c.mu.Unlock()
}

func (c *Coordinator) handlePresence(event chatproto.Event, online bool) {
	var payload chatproto.PresencePayload
	if err := json.Unmarshal(event.Data, &payload); err != nil || payload.UserID == "" {
		return
	}

	c.mu.Lock()
	if online {
		c.online[payload.UserID] = true
	} else {
		delete(c.online, payload.UserID)
	}
	c.mu.Unlock()
}
