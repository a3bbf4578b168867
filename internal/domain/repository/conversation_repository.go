package repository

import (
	"context"

	"castlemate/internal/domain/entity"
)

type ConversationRepository interface {
	Create(ctx context.Context, conversation *entity.Conversation) error
	GetByID(ctx context.Context, id string) (*entity.Conversation, error)
	ListByUserID(ctx context.Context, userID string, skip, limit int) ([]*entity.Conversation, int64, error)
	FindDirect(ctx context.Context, userID1, userID2 string) (*entity.Conversation, error)
	FindByBatchID(ctx context.Context, batchID string) (*entity.Conversation, error)
	Update(ctx context.Context, conversation *entity.Conversation) error

	// Message methods
	CreateMessage(ctx context.Context, message *entity.Message) error
	GetMessagesByConversation(ctx context.Context, conversationID string, skip, limit int) ([]*entity.Message, int64, error)
	MarkMessagesRead(ctx context.Context, conversationID string, messageIDs []string, userID string) error
}
