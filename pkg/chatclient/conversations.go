package chatclient

import (
	"context"
	"io"

	"castlemate/pkg/chatproto"
)

// Conversations lists the user's conversations, most recently active first.
func (c *Coordinator) Conversations(ctx context.Context, skip, limit int) ([]chatproto.Conversation, int64, error) {
	return c.rest.listConversations(ctx, skip, limit)
}

// StartDirectConversation opens (or returns the existing) one-to-one
// conversation with the recipient, then announces it so the recipient gets a
// conversation:new notification while we are still on the conversation list.
func (c *Coordinator) StartDirectConversation(ctx context.Context, recipientID string) (chatproto.Conversation, error) {
	conversation, err := c.rest.createConversation(ctx, recipientID, "")
	if err != nil {
		return chatproto.Conversation{}, err
	}

	c.emit(chatproto.NewEvent(chatproto.EventConversationCreated, chatproto.ConversationRef{ConversationID: conversation.ID}))
	return conversation, nil
}

// StartBatchConversation opens (or returns the existing) group conversation
// for a training batch.
func (c *Coordinator) StartBatchConversation(ctx context.Context, batchID string) (chatproto.Conversation, error) {
	conversation, err := c.rest.createConversation(ctx, "", batchID)
	if err != nil {
		return chatproto.Conversation{}, err
	}

	c.emit(chatproto.NewEvent(chatproto.EventConversationCreated, chatproto.ConversationRef{ConversationID: conversation.ID}))
	return conversation, nil
}

// Contacts lists the users the current user is allowed to message.
func (c *Coordinator) Contacts(ctx context.Context) ([]chatproto.Participant, error) {
	return c.rest.contacts(ctx)
}

// UploadAttachment stores a file and returns the metadata to attach to a
// message via SendFileMessage.
func (c *Coordinator) UploadAttachment(ctx context.Context, fileName string, content io.Reader) (chatproto.FileMeta, error) {
	return c.rest.uploadAttachment(ctx, fileName, content)
}
