package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"castlemate/internal/usecase"
	"castlemate/pkg/chatproto"
	"castlemate/pkg/response"
	"castlemate/pkg/utils"
)

type ChatHandler struct {
	chatUseCase *usecase.ChatUseCase
}

func NewChatHandler(chatUseCase *usecase.ChatUseCase) *ChatHandler {
	return &ChatHandler{
		chatUseCase: chatUseCase,
	}
}

type createConversationRequest struct {
	RecipientID string `json:"recipient_id"`
	BatchID     string `json:"batch_id"`
}

type sendMessageRequest struct {
	Content     string              `json:"content"`
	MessageType string              `json:"message_type" validate:"omitempty,oneof=text file"`
	File        *chatproto.FileMeta `json:"file,omitempty"`
}

type markReadRequest struct {
	MessageIDs []string `json:"message_ids" validate:"required,min=1"`
}

// CreateConversation creates a direct or batch conversation
func (h *ChatHandler) CreateConversation(c echo.Context) error {
	var req createConversationRequest
	if err := c.Bind(&req); err != nil {
		return response.Error(c, err)
	}

	userID := c.Get("uid").(string)

	conversation, err := h.chatUseCase.CreateConversation(c.Request().Context(), userID, usecase.CreateConversationInput{
		RecipientID: req.RecipientID,
		BatchID:     req.BatchID,
	})
	if err != nil {
		return response.Error(c, err)
	}

	return response.Created(c, conversation)
}

// GetUserConversations lists conversations for the authenticated user
func (h *ChatHandler) GetUserConversations(c echo.Context) error {
	userID := c.Get("uid").(string)
	params := utils.GetPaginationParams(c)

	conversations, total, err := h.chatUseCase.GetUserConversations(c.Request().Context(), userID, params.Skip, params.Limit)
	if err != nil {
		return response.Error(c, err)
	}

	return response.SuccessPaginated(c, conversations, total, params.Skip, params.Limit)
}

// GetConversationMessages lists messages of one conversation
func (h *ChatHandler) GetConversationMessages(c echo.Context) error {
	conversationID := c.Param("id")
	userID := c.Get("uid").(string)
	params := utils.GetPaginationParams(c)

	messages, total, err := h.chatUseCase.GetConversationMessages(c.Request().Context(), userID, conversationID, params.Skip, params.Limit)
	if err != nil {
		return response.Error(c, err)
	}

	return response.SuccessPaginated(c, messages, total, params.Skip, params.Limit)
}

// SendMessage is the durable fallback path for message delivery when the
// client has no live socket.
func (h *ChatHandler) SendMessage(c echo.Context) error {
	conversationID := c.Param("id")
	userID := c.Get("uid").(string)

	var req sendMessageRequest
	if err := c.Bind(&req); err != nil {
		return response.Error(c, err)
	}
	if err := c.Validate(&req); err != nil {
		return response.Error(c, err)
	}

	message, err := h.chatUseCase.SendMessage(c.Request().Context(), userID, chatproto.SendMessagePayload{
		ConversationID: conversationID,
		Content:        req.Content,
		MessageType:    req.MessageType,
		File:           req.File,
	})
	if err != nil {
		return response.Error(c, err)
	}

	return response.Created(c, message)
}

// MarkMessagesRead persists read state for a set of messages
func (h *ChatHandler) MarkMessagesRead(c echo.Context) error {
	conversationID := c.Param("id")
	userID := c.Get("uid").(string)

	var req markReadRequest
	if err := c.Bind(&req); err != nil {
		return response.Error(c, err)
	}
	if err := c.Validate(&req); err != nil {
		return response.Error(c, err)
	}

	if err := h.chatUseCase.MarkMessagesRead(c.Request().Context(), userID, conversationID, req.MessageIDs); err != nil {
		return response.Error(c, err)
	}

	return c.NoContent(http.StatusOK)
}

// GetContacts lists users the requester can chat with
func (h *ChatHandler) GetContacts(c echo.Context) error {
	userID := c.Get("uid").(string)

	contacts, err := h.chatUseCase.Contacts(c.Request().Context(), userID)
	if err != nil {
		return response.Error(c, err)
	}

	return response.Success(c, contacts)
}
