package chatclient

import (
	"context"

	"castlemate/pkg/chatproto"
	"castlemate/pkg/logger"
)

// UnreadCount returns the locally tracked unread counter for a conversation.
func (c *Coordinator) UnreadCount(conversationID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unread[conversationID]
}

// MarkMessagesAsRead records that the given messages have been seen: the
// read receipt is announced on the transport when connected, persisted via
// REST, and the local unread counter is reset. A no-op for an empty id list.
// The REST persist is best effort; a failure is logged, not surfaced, since
// the counterpart's receipt already went out.
func (c *Coordinator) MarkMessagesAsRead(ctx context.Context, conversationID string, messageIDs []string) {
	if len(messageIDs) == 0 {
		return
	}

	c.emit(chatproto.NewEvent(chatproto.EventMessageRead, chatproto.MessageReadPayload{
		ConversationID: conversationID,
		MessageIDs:     messageIDs,
	}))

	if err := c.rest.markRead(ctx, conversationID, messageIDs); err != nil {
		logger.Warn("chatclient: persisting read state failed: %v", err)
	}

	ids := make(map[string]bool, len(messageIDs))
	for _, id := range messageIDs {
		ids[id] = true
	}

	c.mu.Lock()
	held := c.messages[conversationID]
	for i := range held {
		if ids[held[i].ID] {
			held[i].IsRead = true
		}
	}
	c.unread[conversationID] = 0
	c.mu.Unlock()
}
