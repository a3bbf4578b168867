package chatclient

import (
	"encoding/json"
	"time"

	"castlemate/pkg/chatproto"
)

// Typing reports local keyboard activity for a conversation. The first call
// emits typing:start; subsequent calls within the quiet window re-arm the
// stop timer, and re-emit the start once half the remote TTL has elapsed so
// a continuously typing user keeps the counterpart's indicator alive. Once
// the quiet window elapses without another call, typing:stop is emitted
// automatically.
func (c *Coordinator) Typing(conversationID string) {
	c.mu.Lock()
	now := time.Now()
	emitStart := now.Sub(c.typingStartedAt[conversationID]) >= c.cfg.TypingExpiry/2

	if timer, alreadyTyping := c.localTypingTimers[conversationID]; alreadyTyping {
		timer.Reset(c.cfg.TypingQuietWindow)
	} else {
		emitStart = true
		c.localTypingTimers[conversationID] = time.AfterFunc(c.cfg.TypingQuietWindow, func() {
			c.StopTyping(conversationID)
		})
	}
	if emitStart {
		c.typingStartedAt[conversationID] = now
	}
	c.mu.Unlock()

	if emitStart {
		c.emit(chatproto.NewEvent(chatproto.EventTypingStart, chatproto.TypingPayload{
			ConversationID: conversationID,
		}))
	}
}

// StopTyping ends the local typing session immediately, e.g. on message send
// or input blur. A no-op when no typing session is in progress, so the quiet
// window timer and an explicit call never produce a duplicate stop.
func (c *Coordinator) StopTyping(conversationID string) {
	c.mu.Lock()
	timer, wasTyping := c.localTypingTimers[conversationID]
	if wasTyping {
		timer.Stop()
		delete(c.localTypingTimers, conversationID)
		delete(c.typingStartedAt, conversationID)
	}
	c.mu.Unlock()

	if !wasTyping {
		return
	}

	c.emit(chatproto.NewEvent(chatproto.EventTypingStop, chatproto.TypingPayload{
		ConversationID: conversationID,
	}))
}

// TypingUsers returns the names of the users currently typing in a
// conversation, keyed by user id.
func (c *Coordinator) TypingUsers(conversationID string) map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]string, len(c.typing[conversationID]))
	for userID, name := range c.typing[conversationID] {
		out[userID] = name
	}
	return out
}

func (c *Coordinator) handleRemoteTypingStart(event chatproto.Event) {
	var payload chatproto.TypingPayload
	if err := json.Unmarshal(event.Data, &payload); err != nil || payload.UserID == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.typing[payload.ConversationID] == nil {
		c.typing[payload.ConversationID] = make(map[string]string)
		c.typingExpiry[payload.ConversationID] = make(map[string]*time.Timer)
	}
	c.typing[payload.ConversationID][payload.UserID] = payload.UserName

	// Each indicator carries a TTL so a lost typing:stop cannot leave a
	// user typing forever.
	if timer, ok := c.typingExpiry[payload.ConversationID][payload.UserID]; ok {
		timer.Reset(c.cfg.TypingExpiry)
		return
	}
	c.typingExpiry[payload.ConversationID][payload.UserID] = time.AfterFunc(c.cfg.TypingExpiry, func() {
		c.mu.Lock()
		c.removeTypingLocked(payload.ConversationID, payload.UserID)
		c.mu.Unlock()
	})
}

func (c *Coordinator) handleRemoteTypingStop(event chatproto.Event) {
	var payload chatproto.TypingPayload
	if err := json.Unmarshal(event.Data, &payload); err != nil || payload.UserID == "" {
		return
	}

	c.mu.Lock()
	c.removeTypingLocked(payload.ConversationID, payload.UserID)
	c.mu.Unlock()
}

func (c *Coordinator) removeTypingLocked(conversationID, userID string) {
	if timer, ok := c.typingExpiry[conversationID][userID]; ok {
		timer.Stop()
		delete(c.typingExpiry[conversationID], userID)
	}
	delete(c.typing[conversationID], userID)
}

func (c *Coordinator) clearTypingLocked(conversationID string) {
	for _, timer := range c.typingExpiry[conversationID] {
		timer.Stop()
	}
	delete(c.typingExpiry, conversationID)
	delete(c.typing, conversationID)

	if timer, ok := c.localTypingTimers[conversationID]; ok {
		timer.Stop()
		delete(c.localTypingTimers, conversationID)
	}
	delete(c.typingStartedAt, conversationID)
}
