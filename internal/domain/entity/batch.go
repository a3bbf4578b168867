package entity

import "time"

// Batch is a training batch: one coach, a set of enrolled students. Batch
// membership drives the contact list and batch group conversations.
type Batch struct {
	ID         string    `json:"id" firestore:"id"`
	Name       string    `json:"name" firestore:"name"`
	CoachID    string    `json:"coach_id" firestore:"coachId"`
	StudentIDs []string  `json:"student_ids" firestore:"studentIds"`
	CreatedAt  time.Time `json:"created_at" firestore:"createdAt"`
	UpdatedAt  time.Time `json:"updated_at" firestore:"updatedAt"`
}
