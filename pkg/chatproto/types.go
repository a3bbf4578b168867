package chatproto

import "time"

// Message types
const (
	MessageTypeText = "text"
	MessageTypeFile = "file"
)

// Conversation types
const (
	ConversationTypeDirect = "direct"
	ConversationTypeBatch  = "batch"
)

// Message is the wire representation of a chat message. The ID is assigned
// by the server; clients deduplicate on it.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	SenderName     string    `json:"sender_name,omitempty"`
	Content        string    `json:"content,omitempty"`
	Type           string    `json:"type"`
	File           *FileMeta `json:"file,omitempty"`
	IsRead         bool      `json:"is_read"`
	CreatedAt      time.Time `json:"created_at"`
}

// FileMeta describes an uploaded attachment for file-type messages.
type FileMeta struct {
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
}

type Participant struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Role   string `json:"role"`
}

type Conversation struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	BatchID      string         `json:"batch_id,omitempty"`
	Participants []Participant  `json:"participants"`
	LastMessage  *Message       `json:"last_message,omitempty"`
	UnreadCount  map[string]int `json:"unread_count,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}
