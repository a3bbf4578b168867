package chatclient

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"castlemate/pkg/chatproto"
	"castlemate/pkg/errors"
	"castlemate/pkg/logger"
)

// SendMessage delivers a text message with the best available guarantee:
// over the transport with an acknowledgement when connected, otherwise via
// the durable REST endpoint. Either way the stored message (with its
// server-assigned id) is appended to local state exactly once.
func (c *Coordinator) SendMessage(ctx context.Context, conversationID, content string) (chatproto.Message, error) {
	if conversationID == "" || content == "" {
		return chatproto.Message{}, errors.BadRequest("conversation id and content are required", nil)
	}

	return c.deliver(ctx, chatproto.SendMessagePayload{
		ConversationID: conversationID,
		Content:        content,
		MessageType:    chatproto.MessageTypeText,
	})
}

// SendFileMessage delivers a file message referencing an uploaded attachment.
func (c *Coordinator) SendFileMessage(ctx context.Context, conversationID string, file chatproto.FileMeta) (chatproto.Message, error) {
	if conversationID == "" || file.URL == "" {
		return chatproto.Message{}, errors.BadRequest("conversation id and an uploaded file are required", nil)
	}

	return c.deliver(ctx, chatproto.SendMessagePayload{
		ConversationID: conversationID,
		MessageType:    chatproto.MessageTypeFile,
		File:           &file,
	})
}

func (c *Coordinator) deliver(ctx context.Context, payload chatproto.SendMessagePayload) (chatproto.Message, error) {
	if c.IsConnected() {
		message, err := c.sendOverSocket(ctx, payload)
		if err != nil {
			return chatproto.Message{}, err
		}
		c.appendMessage(message)
		return message, nil
	}

	// REST fallback: no transport event will arrive for our own message,
	// so the result is appended locally here.
	message, err := c.rest.createMessage(ctx, payload)
	if err != nil {
		return chatproto.Message{}, err
	}
	c.appendMessage(message)
	return message, nil
}

func (c *Coordinator) sendOverSocket(ctx context.Context, payload chatproto.SendMessagePayload) (chatproto.Message, error) {
	ackID := uuid.New().String()
	ackCh := make(chan chatproto.AckPayload, 1)

	c.mu.Lock()
	c.acks[ackID] = ackCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.acks, ackID)
		c.mu.Unlock()
	}()

	event := chatproto.NewEvent(chatproto.EventMessageSend, payload)
	event.AckID = ackID

	if !c.emit(event) {
		// Connection dropped between the check and the write; use the
		// durable path instead.
		return c.rest.createMessage(ctx, payload)
	}

	timeout, cancel := context.WithTimeout(ctx, c.cfg.AckTimeout)
	defer cancel()

	select {
	case ack := <-ackCh:
		if ack.Error != "" {
			return chatproto.Message{}, fmt.Errorf("send rejected: %s", ack.Error)
		}
		if ack.Message == nil {
			return chatproto.Message{}, fmt.Errorf("send ack carried no message")
		}
		return *ack.Message, nil
	case <-timeout.Done():
		return chatproto.Message{}, timeout.Err()
	}
}

func (c *Coordinator) resolveAck(event chatproto.Event) {
	var payload chatproto.AckPayload
	if err := json.Unmarshal(event.Data, &payload); err != nil {
		logger.Warn("chatclient: malformed ack: %v", err)
		return
	}

	c.mu.Lock()
	ackCh, ok := c.acks[event.AckID]
	c.mu.Unlock()

	if ok {
		// Non-blocking: a duplicate ack for the same id must not wedge
		// the read loop
		select {
		case ackCh <- payload:
		default:
		}
	}
}

// handleMessageReceive consumes an inbound message: dedup by server id,
// append when the conversation is open, bump the unread counter unless the
// conversation is the one in view. The id is recorded whether or not the
// conversation is open, so a redelivered message never double-counts.
func (c *Coordinator) handleMessageReceive(event chatproto.Event) {
	var payload chatproto.MessageReceivePayload
	if err := json.Unmarshal(event.Data, &payload); err != nil || payload.Message == nil {
		logger.Warn("chatclient: malformed message:receive event")
		return
	}
	message := *payload.Message

	c.mu.Lock()
	if !c.markSeenLocked(message) {
		c.mu.Unlock()
		return
	}
	if _, open := c.messages[message.ConversationID]; open {
		c.messages[message.ConversationID] = append(c.messages[message.ConversationID], message)
	}
	if message.ConversationID != c.active {
		c.unread[message.ConversationID]++
	}
	c.mu.Unlock()

	if c.cfg.OnMessage != nil {
		c.cfg.OnMessage(message)
	}
}

// appendMessage records a message produced by our own send path. Dedup by
// id protects against the optimistic append racing a transport event for
// the same message.
func (c *Coordinator) appendMessage(message chatproto.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.markSeenLocked(message) {
		return
	}
	if _, open := c.messages[message.ConversationID]; open {
		c.messages[message.ConversationID] = append(c.messages[message.ConversationID], message)
	}
}

// markSeenLocked records a message id, reporting false for duplicates.
func (c *Coordinator) markSeenLocked(message chatproto.Message) bool {
	seen := c.seen[message.ConversationID]
	if seen == nil {
		seen = make(map[string]bool)
		c.seen[message.ConversationID] = seen
	}
	if seen[message.ID] {
		return false
	}
	seen[message.ID] = true
	return true
}

// handleReadReceipt flips the read flag on our locally held copies when a
// counterpart reports having read them.
func (c *Coordinator) handleReadReceipt(event chatproto.Event) {
	var payload chatproto.MessageReadPayload
	if err := json.Unmarshal(event.Data, &payload); err != nil || payload.ConversationID == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	held, open := c.messages[payload.ConversationID]
	if !open {
		return
	}

	ids := make(map[string]bool, len(payload.MessageIDs))
	for _, id := range payload.MessageIDs {
		ids[id] = true
	}

	for i := range held {
		if ids[held[i].ID] {
			held[i].IsRead = true
		}
	}
}

func (c *Coordinator) handleConversationNew(event chatproto.Event) {
	var payload chatproto.ConversationNewPayload
	if err := json.Unmarshal(event.Data, &payload); err != nil || payload.Conversation == nil {
		return
	}

	if c.cfg.OnConversationNew != nil {
		c.cfg.OnConversationNew(*payload.Conversation)
	}
}

func (c *Coordinator) handleServerError(event chatproto.Event) {
	var payload chatproto.ErrorPayload
	if err := json.Unmarshal(event.Data, &payload); err != nil {
		return
	}
	logger.Warn("chatclient: server error: %s", payload.Message)
}
