package chatclient

import (
	"context"
	"sort"

	"castlemate/pkg/chatproto"
)

// OpenConversation loads the conversation's message history, joins its room
// and makes it the active conversation. The returned slice is ordered by
// creation time ascending. While disconnected the join emission is skipped;
// it is replayed automatically when the transport comes back.
func (c *Coordinator) OpenConversation(ctx context.Context, conversationID string) ([]chatproto.Message, error) {
	history, _, err := c.rest.listMessages(ctx, conversationID, 0, 50)
	if err != nil {
		return nil, err
	}

	// The server returns newest first
	sort.Slice(history, func(i, j int) bool {
		return history[i].CreatedAt.Before(history[j].CreatedAt)
	})

	c.mu.Lock()
	c.joined[conversationID] = true
	c.active = conversationID
	c.messages[conversationID] = history
	ids := make(map[string]bool, len(history))
	for _, message := range history {
		ids[message.ID] = true
	}
	c.seen[conversationID] = ids
	c.mu.Unlock()

	c.emit(chatproto.NewEvent(chatproto.EventConversationJoin, chatproto.ConversationRef{ConversationID: conversationID}))

	return c.Messages(conversationID), nil
}

// CloseConversation leaves the conversation's room and drops its local
// message and typing state. Typing indicators are cleared even if the remote
// typing:stop never arrives, so no stale "is typing" survives navigation.
func (c *Coordinator) CloseConversation(conversationID string) {
	c.mu.Lock()
	delete(c.joined, conversationID)
	delete(c.messages, conversationID)
	delete(c.seen, conversationID)
	if c.active == conversationID {
		c.active = ""
	}
	c.clearTypingLocked(conversationID)
	c.mu.Unlock()

	c.emit(chatproto.NewEvent(chatproto.EventConversationLeave, chatproto.ConversationRef{ConversationID: conversationID}))
}

// Messages returns a copy of the locally held list for an open conversation.
func (c *Coordinator) Messages(conversationID string) []chatproto.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	held := c.messages[conversationID]
	out := make([]chatproto.Message, len(held))
	copy(out, held)
	return out
}

// ActiveConversation returns the id of the conversation currently in view.
func (c *Coordinator) ActiveConversation() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}
