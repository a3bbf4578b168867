package usecase

import (
	"context"
	"time"

	"castlemate/internal/domain/entity"
	"castlemate/internal/domain/repository"
	"castlemate/internal/infrastructure/ratelimit"
	"castlemate/pkg/chatproto"
	"castlemate/pkg/errors"
	"castlemate/pkg/logger"
)

type ChatUseCase struct {
	conversationRepo repository.ConversationRepository
	userRepo         repository.UserRepository
	batchRepo        repository.BatchRepository
	realtime         Realtime
	rateLimiter      *ratelimit.RateLimiter
}

func NewChatUseCase(
	conversationRepo repository.ConversationRepository,
	userRepo repository.UserRepository,
	batchRepo repository.BatchRepository,
	realtime Realtime,
	rateLimiter *ratelimit.RateLimiter,
) *ChatUseCase {
	return &ChatUseCase{
		conversationRepo: conversationRepo,
		userRepo:         userRepo,
		batchRepo:        batchRepo,
		realtime:         realtime,
		rateLimiter:      rateLimiter,
	}
}

type CreateConversationInput struct {
	RecipientID string // direct conversations
	BatchID     string // batch group conversations
}

// CreateConversation creates a direct or batch conversation. Direct
// conversations are idempotent per participant pair: an existing one is
// returned instead of creating a duplicate, so two clients racing to start
// the same chat converge on one record.
func (uc *ChatUseCase) CreateConversation(ctx context.Context, userID string, input CreateConversationInput) (*chatproto.Conversation, error) {
	allowed, waitTime := uc.rateLimiter.Allow(userID, "create_conversation")
	if !allowed {
		logger.Warn("CreateConversation rate limited: user %s must wait %v", userID, waitTime)
		return nil, errors.TooManyRequests("Rate limit exceeded. Please wait before creating another conversation")
	}

	if input.BatchID != "" {
		return uc.createBatchConversation(ctx, userID, input.BatchID)
	}
	return uc.createDirectConversation(ctx, userID, input.RecipientID)
}

func (uc *ChatUseCase) createDirectConversation(ctx context.Context, userID, recipientID string) (*chatproto.Conversation, error) {
	if recipientID == "" {
		return nil, errors.BadRequest("recipient_id is required for direct conversations", nil)
	}
	if userID == recipientID {
		return nil, errors.BadRequest("You cannot start a conversation with yourself", nil)
	}

	recipient, err := uc.userRepo.GetByID(ctx, recipientID)
	if err != nil {
		return nil, errors.NotFound("Recipient", err)
	}

	existing, err := uc.conversationRepo.FindDirect(ctx, userID, recipientID)
	if err == nil && existing != nil {
		return toWireConversation(existing), nil
	}
	if err != nil && !errors.Is(err, "NOT_FOUND") {
		return nil, err
	}

	sender, err := uc.userRepo.GetByID(ctx, userID)
	if err != nil {
		return nil, errors.NotFound("Sender", err)
	}

	conversation := &entity.Conversation{
		Type: chatproto.ConversationTypeDirect,
		Participants: []entity.Participant{
			{UserID: sender.ID, Name: sender.Name, Role: sender.Role},
			{UserID: recipient.ID, Name: recipient.Name, Role: recipient.Role},
		},
		ParticipantIDs: []string{sender.ID, recipient.ID},
		UnreadCount:    make(map[string]int),
		LastMessageAt:  time.Now(),
	}

	if err := uc.conversationRepo.Create(ctx, conversation); err != nil {
		logger.Error("CreateConversation: failed to create direct conversation for %s: %v", userID, err)
		return nil, err
	}

	return toWireConversation(conversation), nil
}

func (uc *ChatUseCase) createBatchConversation(ctx context.Context, userID, batchID string) (*chatproto.Conversation, error) {
	batch, err := uc.batchRepo.GetByID(ctx, batchID)
	if err != nil {
		return nil, errors.NotFound("Batch", err)
	}

	isMember := batch.CoachID == userID
	for _, studentID := range batch.StudentIDs {
		if studentID == userID {
			isMember = true
			break
		}
	}
	if !isMember {
		return nil, errors.Forbidden("You are not a member of this batch", nil)
	}

	existing, err := uc.conversationRepo.FindByBatchID(ctx, batchID)
	if err == nil && existing != nil {
		return toWireConversation(existing), nil
	}
	if err != nil && !errors.Is(err, "NOT_FOUND") {
		return nil, err
	}

	memberIDs := append([]string{batch.CoachID}, batch.StudentIDs...)
	members, err := uc.userRepo.ListByIDs(ctx, memberIDs)
	if err != nil {
		return nil, err
	}

	participants := make([]entity.Participant, 0, len(members))
	participantIDs := make([]string, 0, len(members))
	for _, member := range members {
		participants = append(participants, entity.Participant{UserID: member.ID, Name: member.Name, Role: member.Role})
		participantIDs = append(participantIDs, member.ID)
	}

	conversation := &entity.Conversation{
		Type:           chatproto.ConversationTypeBatch,
		BatchID:        batchID,
		Participants:   participants,
		ParticipantIDs: participantIDs,
		UnreadCount:    make(map[string]int),
		LastMessageAt:  time.Now(),
	}

	if err := uc.conversationRepo.Create(ctx, conversation); err != nil {
		logger.Error("CreateConversation: failed to create batch conversation %s: %v", batchID, err)
		return nil, err
	}

	return toWireConversation(conversation), nil
}

// GetUserConversations lists the user's conversations, most recent first.
func (uc *ChatUseCase) GetUserConversations(ctx context.Context, userID string, skip, limit int) ([]*chatproto.Conversation, int64, error) {
	conversations, total, err := uc.conversationRepo.ListByUserID(ctx, userID, skip, limit)
	if err != nil {
		return nil, 0, err
	}

	wire := make([]*chatproto.Conversation, 0, len(conversations))
	for _, conversation := range conversations {
		wire = append(wire, toWireConversation(conversation))
	}

	return wire, total, nil
}

// GetConversationMessages returns a page of messages for a participant,
// newest first, with the read flag computed for the requesting viewer.
func (uc *ChatUseCase) GetConversationMessages(ctx context.Context, userID, conversationID string, skip, limit int) ([]*chatproto.Message, int64, error) {
	conversation, err := uc.conversationRepo.GetByID(ctx, conversationID)
	if err != nil {
		return nil, 0, err
	}

	if !conversation.HasParticipant(userID) {
		return nil, 0, errors.Forbidden("You are not a participant in this conversation", nil)
	}

	messages, total, err := uc.conversationRepo.GetMessagesByConversation(ctx, conversationID, skip, limit)
	if err != nil {
		return nil, 0, err
	}

	wire := make([]*chatproto.Message, 0, len(messages))
	for _, message := range messages {
		wire = append(wire, toWireMessage(message, senderName(conversation, message.SenderID), userID))
	}

	return wire, total, nil
}

// SendMessage persists a message and fans it out to the other participants.
// Serves both the socket path (with ack) and the REST fallback path.
func (uc *ChatUseCase) SendMessage(ctx context.Context, senderID string, payload chatproto.SendMessagePayload) (*chatproto.Message, error) {
	allowed, waitTime := uc.rateLimiter.Allow(senderID, "send_message")
	if !allowed {
		logger.Warn("SendMessage rate limited: user %s must wait %v", senderID, waitTime)
		return nil, errors.TooManyRequests("Rate limit exceeded. Please wait before sending another message")
	}

	if payload.MessageType == "" {
		payload.MessageType = chatproto.MessageTypeText
	}
	if payload.MessageType == chatproto.MessageTypeFile && payload.File == nil {
		return nil, errors.BadRequest("File messages require file metadata", nil)
	}
	if payload.MessageType == chatproto.MessageTypeText && payload.Content == "" {
		return nil, errors.BadRequest("Message content is required", nil)
	}

	conversation, err := uc.conversationRepo.GetByID(ctx, payload.ConversationID)
	if err != nil {
		return nil, err
	}

	if !conversation.HasParticipant(senderID) {
		return nil, errors.Forbidden("You are not a participant in this conversation", nil)
	}

	message := &entity.Message{
		ConversationID: payload.ConversationID,
		SenderID:       senderID,
		Content:        payload.Content,
		Type:           payload.MessageType,
		ReadBy:         []string{senderID},
	}
	if payload.File != nil {
		message.File = &entity.FileMeta{
			Name:     payload.File.Name,
			Size:     payload.File.Size,
			URL:      payload.File.URL,
			MimeType: payload.File.MimeType,
		}
	}

	if err := uc.conversationRepo.CreateMessage(ctx, message); err != nil {
		logger.Error("SendMessage: failed to create message in conversation %s: %v", payload.ConversationID, err)
		return nil, err
	}

	conversation.LastMessage = previewText(message)
	conversation.LastMessageAt = message.CreatedAt
	if conversation.UnreadCount == nil {
		conversation.UnreadCount = make(map[string]int)
	}
	for _, participantID := range conversation.ParticipantIDs {
		if participantID != senderID {
			conversation.UnreadCount[participantID]++
		}
	}

	if err := uc.conversationRepo.Update(ctx, conversation); err != nil {
		logger.Error("SendMessage: failed to update conversation %s: %v", conversation.ID, err)
		return nil, err
	}

	wire := toWireMessage(message, senderName(conversation, senderID), "")

	// Fan out to each participant's connection directly rather than to the
	// room: recipients must learn about messages in conversations they do
	// not currently have open to keep unread counts and previews current.
	event := chatproto.NewEvent(chatproto.EventMessageReceive, chatproto.MessageReceivePayload{Message: wire})
	for _, participantID := range conversation.ParticipantIDs {
		if participantID != senderID {
			uc.realtime.SendToUser(participantID, event)
		}
	}

	return wire, nil
}

// MarkMessagesRead persists read state, zeroes the reader's unread count and
// relays a read receipt to the rest of the room.
func (uc *ChatUseCase) MarkMessagesRead(ctx context.Context, userID, conversationID string, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}

	conversation, err := uc.conversationRepo.GetByID(ctx, conversationID)
	if err != nil {
		return err
	}

	if !conversation.HasParticipant(userID) {
		return errors.Forbidden("You are not a participant in this conversation", nil)
	}

	if err := uc.conversationRepo.MarkMessagesRead(ctx, conversationID, messageIDs, userID); err != nil {
		return err
	}

	if conversation.UnreadCount == nil {
		conversation.UnreadCount = make(map[string]int)
	}
	conversation.UnreadCount[userID] = 0

	if err := uc.conversationRepo.Update(ctx, conversation); err != nil {
		logger.Error("MarkMessagesRead: failed to reset unread count for %s in conversation %s: %v", userID, conversationID, err)
		return err
	}

	uc.realtime.BroadcastToRoom(conversationID, chatproto.NewEvent(chatproto.EventMessageRead, chatproto.MessageReadPayload{
		ConversationID: conversationID,
		MessageIDs:     messageIDs,
		ReaderID:       userID,
	}), userID)

	return nil
}

// NotifyConversationCreated pushes a conversation:new event to every other
// participant of a conversation the user just created.
func (uc *ChatUseCase) NotifyConversationCreated(ctx context.Context, userID, conversationID string) error {
	conversation, err := uc.conversationRepo.GetByID(ctx, conversationID)
	if err != nil {
		return err
	}

	if !conversation.HasParticipant(userID) {
		return errors.Forbidden("You are not a participant in this conversation", nil)
	}

	event := chatproto.NewEvent(chatproto.EventConversationNew, chatproto.ConversationNewPayload{
		Conversation: toWireConversation(conversation),
	})
	for _, participantID := range conversation.ParticipantIDs {
		if participantID != userID {
			uc.realtime.SendToUser(participantID, event)
		}
	}

	return nil
}

// Contacts lists the users the requester can start a conversation with:
// coaches see their students, students see their coaches and batch mates.
func (uc *ChatUseCase) Contacts(ctx context.Context, userID string) ([]chatproto.Participant, error) {
	user, err := uc.userRepo.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	var batches []*entity.Batch
	if user.Role == "coach" {
		batches, err = uc.batchRepo.ListByCoachID(ctx, userID)
	} else {
		batches, err = uc.batchRepo.ListByStudentID(ctx, userID)
	}
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{userID: true}
	var contactIDs []string
	for _, batch := range batches {
		memberIDs := append([]string{batch.CoachID}, batch.StudentIDs...)
		for _, memberID := range memberIDs {
			if !seen[memberID] {
				seen[memberID] = true
				contactIDs = append(contactIDs, memberID)
			}
		}
	}

	members, err := uc.userRepo.ListByIDs(ctx, contactIDs)
	if err != nil {
		return nil, err
	}

	contacts := make([]chatproto.Participant, 0, len(members))
	for _, member := range members {
		contacts = append(contacts, chatproto.Participant{
			UserID: member.ID,
			Name:   member.Name,
			Role:   member.Role,
		})
	}

	return contacts, nil
}

func senderName(conversation *entity.Conversation, senderID string) string {
	for _, p := range conversation.Participants {
		if p.UserID == senderID {
			return p.Name
		}
	}
	return ""
}

func previewText(message *entity.Message) string {
	if message.Type == chatproto.MessageTypeFile && message.File != nil {
		return message.File.Name
	}
	return message.Content
}

func toWireMessage(message *entity.Message, senderName, viewerID string) *chatproto.Message {
	isRead := false
	if viewerID != "" {
		if viewerID == message.SenderID {
			isRead = true
		}
		for _, reader := range message.ReadBy {
			if reader == viewerID {
				isRead = true
				break
			}
		}
	}

	wire := &chatproto.Message{
		ID:             message.ID,
		ConversationID: message.ConversationID,
		SenderID:       message.SenderID,
		SenderName:     senderName,
		Content:        message.Content,
		Type:           message.Type,
		IsRead:         isRead,
		CreatedAt:      message.CreatedAt,
	}
	if message.File != nil {
		wire.File = &chatproto.FileMeta{
			Name:     message.File.Name,
			Size:     message.File.Size,
			URL:      message.File.URL,
			MimeType: message.File.MimeType,
		}
	}

	return wire
}

func toWireConversation(conversation *entity.Conversation) *chatproto.Conversation {
	participants := make([]chatproto.Participant, 0, len(conversation.Participants))
	for _, p := range conversation.Participants {
		participants = append(participants, chatproto.Participant{
			UserID: p.UserID,
			Name:   p.Name,
			Role:   p.Role,
		})
	}

	wire := &chatproto.Conversation{
		ID:           conversation.ID,
		Type:         conversation.Type,
		BatchID:      conversation.BatchID,
		Participants: participants,
		UnreadCount:  conversation.UnreadCount,
		CreatedAt:    conversation.CreatedAt,
		UpdatedAt:    conversation.UpdatedAt,
	}

	if conversation.LastMessage != "" {
		wire.LastMessage = &chatproto.Message{
			ConversationID: conversation.ID,
			Content:        conversation.LastMessage,
			Type:           chatproto.MessageTypeText,
			CreatedAt:      conversation.LastMessageAt,
		}
	}

	return wire
}
