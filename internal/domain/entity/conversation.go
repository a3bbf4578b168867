package entity

import "time"

type Participant struct {
	UserID string `json:"user_id" firestore:"userId"`
	Name   string `json:"name" firestore:"name"`
	Role   string `json:"role" firestore:"role"` // "student", "coach", "admin"
}

type Conversation struct {
	ID             string         `json:"id" firestore:"id"`
	Type           string         `json:"type" firestore:"type"` // "direct", "batch"
	BatchID        string         `json:"batch_id,omitempty" firestore:"batchId,omitempty"`
	Participants   []Participant  `json:"participants" firestore:"participants"`
	ParticipantIDs []string       `json:"-" firestore:"participantIds"` // Denormalized for array-contains queries
	LastMessage    string         `json:"last_message,omitempty" firestore:"lastMessage,omitempty"`
	LastMessageAt  time.Time      `json:"last_message_at" firestore:"lastMessageAt"`
	UnreadCount    map[string]int `json:"unread_count" firestore:"unreadCount"` // Map of userID to unread count
	CreatedAt      time.Time      `json:"created_at" firestore:"createdAt"`
	UpdatedAt      time.Time      `json:"updated_at" firestore:"updatedAt"`
}

func (c *Conversation) HasParticipant(userID string) bool {
	for _, id := range c.ParticipantIDs {
		if id == userID {
			return true
		}
	}
	return false
}
