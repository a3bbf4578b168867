package router

import (
	"github.com/labstack/echo/v4"

	"castlemate/internal/adapter/api/handler"
	"castlemate/internal/adapter/api/middleware"
)

// SetupChatRouter sets up all chat-related routes (excluding WebSocket)
func SetupChatRouter(e *echo.Echo, chatHandler *handler.ChatHandler, fileHandler *handler.FileHandler, authMiddleware *middleware.AuthMiddleware) {
	chatGroup := e.Group("/v1/conversations")
	chatGroup.Use(authMiddleware.Authenticate)

	chatGroup.POST("", chatHandler.CreateConversation)
	chatGroup.GET("", chatHandler.GetUserConversations)
	chatGroup.GET("/:id/messages", chatHandler.GetConversationMessages)
	chatGroup.POST("/:id/messages", chatHandler.SendMessage)
	chatGroup.PUT("/:id/read", chatHandler.MarkMessagesRead)

	contactsGroup := e.Group("/v1/contacts")
	contactsGroup.Use(authMiddleware.Authenticate)
	contactsGroup.GET("", chatHandler.GetContacts)

	uploadGroup := e.Group("/v1/uploads")
	uploadGroup.Use(authMiddleware.Authenticate)
	uploadGroup.POST("", fileHandler.UploadAttachment)
}
