package chatproto

import (
	"encoding/json"
	"time"
)

// Event types sent by clients
const (
	EventConversationJoin    = "conversation:join"
	EventConversationLeave   = "conversation:leave"
	EventMessageSend         = "message:send"
	EventMessageRead         = "message:read"
	EventTypingStart         = "typing:start"
	EventTypingStop          = "typing:stop"
	EventConversationCreated = "conversation:created"
)

// Event types sent by the server
const (
	EventUserOnline       = "user:online"
	EventUserOffline      = "user:offline"
	EventPresenceSnapshot = "presence:snapshot"
	EventMessageReceive   = "message:receive"
	EventConversationNew  = "conversation:new"
	EventAck              = "ack"
	EventError            = "error"
)

// Event is the envelope for every frame on the chat socket. AckID correlates
// a message:send request with the ack carrying the stored message.
type Event struct {
	Type      string          `json:"type"`
	AckID     string          `json:"ack_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp string          `json:"timestamp"`
}

// NewEvent marshals data into an event envelope. Marshal failures are
// programming errors on our own payload types, so they surface as an
// empty data field rather than an error return.
func NewEvent(eventType string, data interface{}) Event {
	raw, _ := json.Marshal(data)
	return Event{
		Type:      eventType,
		Data:      raw,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

type ConversationRef struct {
	ConversationID string `json:"conversation_id"`
}

type SendMessagePayload struct {
	ConversationID string    `json:"conversation_id"`
	Content        string    `json:"content"`
	MessageType    string    `json:"message_type"`
	File           *FileMeta `json:"file,omitempty"`
}

type AckPayload struct {
	Error   string   `json:"error,omitempty"`
	Message *Message `json:"message,omitempty"`
}

type MessageReadPayload struct {
	ConversationID string   `json:"conversation_id"`
	MessageIDs     []string `json:"message_ids"`
	ReaderID       string   `json:"reader_id,omitempty"`
}

type TypingPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id,omitempty"`
	UserName       string `json:"user_name,omitempty"`
}

type PresencePayload struct {
	UserID string `json:"user_id"`
}

type PresenceSnapshotPayload struct {
	UserIDs []string `json:"user_ids"`
}

type MessageReceivePayload struct {
	Message *Message `json:"message"`
}

type ConversationNewPayload struct {
	Conversation *Conversation `json:"conversation"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}
