package entity

import "time"

type FileMeta struct {
	Name     string `json:"name" firestore:"name"`
	Size     int64  `json:"size" firestore:"size"`
	URL      string `json:"url" firestore:"url"`
	MimeType string `json:"mime_type" firestore:"mimeType"`
}

type Message struct {
	ID             string    `json:"id" firestore:"id"`
	ConversationID string    `json:"conversation_id" firestore:"conversationId"`
	SenderID       string    `json:"sender_id" firestore:"senderId"`
	Content        string    `json:"content,omitempty" firestore:"content,omitempty"`
	Type           string    `json:"type" firestore:"type"` // "text", "file"
	File           *FileMeta `json:"file,omitempty" firestore:"file,omitempty"`
	ReadBy         []string  `json:"read_by" firestore:"readBy"`
	CreatedAt      time.Time `json:"created_at" firestore:"createdAt"`
}
