package websocket

import (
	"context"
	"encoding/json"
	"time"

	"castlemate/internal/infrastructure/ratelimit"
	"castlemate/pkg/chatproto"
	"castlemate/pkg/logger"
)

// ChatService is the slice of the chat usecase the socket layer needs.
type ChatService interface {
	SendMessage(ctx context.Context, senderID string, payload chatproto.SendMessagePayload) (*chatproto.Message, error)
	MarkMessagesRead(ctx context.Context, userID, conversationID string, messageIDs []string) error
	NotifyConversationCreated(ctx context.Context, userID, conversationID string) error
}

// EventHandler dispatches inbound client events.
type EventHandler struct {
	manager     *Manager
	chatService ChatService
	rateLimiter *ratelimit.RateLimiter
}

func NewEventHandler(manager *Manager, chatService ChatService, rateLimiter *ratelimit.RateLimiter) *EventHandler {
	return &EventHandler{
		manager:     manager,
		chatService: chatService,
		rateLimiter: rateLimiter,
	}
}

func marshalEvent(event chatproto.Event) ([]byte, error) {
	return json.Marshal(event)
}

// HandleClientEvent processes one inbound frame from a client
func (h *EventHandler) HandleClientEvent(client *Client, payload []byte) {
	var event chatproto.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		logger.Warn("WebSocket: malformed frame from client %s: %v", client.UserID, err)
		h.sendError(client, "Invalid event format")
		return
	}

	switch event.Type {
	case chatproto.EventConversationJoin:
		h.handleJoin(client, event)

	case chatproto.EventConversationLeave:
		h.handleLeave(client, event)

	case chatproto.EventMessageSend:
		h.handleSendMessage(client, event)

	case chatproto.EventMessageRead:
		h.handleMessageRead(client, event)

	case chatproto.EventTypingStart, chatproto.EventTypingStop:
		h.handleTyping(client, event)

	case chatproto.EventConversationCreated:
		h.handleConversationCreated(client, event)

	default:
		logger.Warn("WebSocket: unknown event type %q from client %s", event.Type, client.UserID)
		h.sendError(client, "Unknown event type")
	}
}

func (h *EventHandler) handleJoin(client *Client, event chatproto.Event) {
	var ref chatproto.ConversationRef
	if err := json.Unmarshal(event.Data, &ref); err != nil || ref.ConversationID == "" {
		h.sendError(client, "Missing conversation_id")
		return
	}

	h.manager.JoinRoom(ref.ConversationID, client.UserID)
	logger.Debug("WebSocket: client %s joined conversation %s", client.UserID, ref.ConversationID)
}

func (h *EventHandler) handleLeave(client *Client, event chatproto.Event) {
	var ref chatproto.ConversationRef
	if err := json.Unmarshal(event.Data, &ref); err != nil || ref.ConversationID == "" {
		h.sendError(client, "Missing conversation_id")
		return
	}

	h.manager.LeaveRoom(ref.ConversationID, client.UserID)

	// Anyone still in the room should not keep showing this user as typing
	h.manager.BroadcastToRoom(ref.ConversationID, chatproto.NewEvent(chatproto.EventTypingStop, chatproto.TypingPayload{
		ConversationID: ref.ConversationID,
		UserID:         client.UserID,
	}), client.UserID)
}

func (h *EventHandler) handleSendMessage(client *Client, event chatproto.Event) {
	var payload chatproto.SendMessagePayload
	if err := json.Unmarshal(event.Data, &payload); err != nil {
		h.sendAck(client, event.AckID, chatproto.AckPayload{Error: "Invalid message payload"})
		return
	}

	if payload.ConversationID == "" || (payload.Content == "" && payload.File == nil) {
		h.sendAck(client, event.AckID, chatproto.AckPayload{Error: "Missing required fields"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	message, err := h.chatService.SendMessage(ctx, client.UserID, payload)
	if err != nil {
		logger.Warn("WebSocket: send from %s to conversation %s failed: %v", client.UserID, payload.ConversationID, err)
		h.sendAck(client, event.AckID, chatproto.AckPayload{Error: err.Error()})
		return
	}

	h.sendAck(client, event.AckID, chatproto.AckPayload{Message: message})
}

func (h *EventHandler) handleMessageRead(client *Client, event chatproto.Event) {
	var payload chatproto.MessageReadPayload
	if err := json.Unmarshal(event.Data, &payload); err != nil || payload.ConversationID == "" {
		h.sendError(client, "Invalid read payload")
		return
	}
	if len(payload.MessageIDs) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Best-effort from the client's point of view; the durable path is the
	// REST endpoint. Failures are logged, never reported back.
	if err := h.chatService.MarkMessagesRead(ctx, client.UserID, payload.ConversationID, payload.MessageIDs); err != nil {
		logger.Warn("WebSocket: mark read failed for %s in conversation %s: %v", client.UserID, payload.ConversationID, err)
	}
}

func (h *EventHandler) handleTyping(client *Client, event chatproto.Event) {
	var payload chatproto.TypingPayload
	if err := json.Unmarshal(event.Data, &payload); err != nil || payload.ConversationID == "" {
		return
	}

	if allowed, _ := h.rateLimiter.Allow(client.UserID, "typing"); !allowed {
		return
	}

	payload.UserID = client.UserID
	payload.UserName = client.UserName

	h.manager.BroadcastToRoom(payload.ConversationID, chatproto.NewEvent(event.Type, payload), client.UserID)
}

func (h *EventHandler) handleConversationCreated(client *Client, event chatproto.Event) {
	var ref chatproto.ConversationRef
	if err := json.Unmarshal(event.Data, &ref); err != nil || ref.ConversationID == "" {
		h.sendError(client, "Missing conversation_id")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := h.chatService.NotifyConversationCreated(ctx, client.UserID, ref.ConversationID); err != nil {
		logger.Warn("WebSocket: conversation:created notification from %s failed: %v", client.UserID, err)
	}
}

func (h *EventHandler) sendAck(client *Client, ackID string, payload chatproto.AckPayload) {
	event := chatproto.NewEvent(chatproto.EventAck, payload)
	event.AckID = ackID
	h.manager.sendToClient(client, event)
}

func (h *EventHandler) sendError(client *Client, message string) {
	h.manager.sendToClient(client, chatproto.NewEvent(chatproto.EventError, chatproto.ErrorPayload{Message: message}))
}
