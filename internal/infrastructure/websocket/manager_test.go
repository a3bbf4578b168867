package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"castlemate/internal/infrastructure/ratelimit"
	"castlemate/pkg/chatproto"
)

func newTestClient(userID, userName string) *Client {
	return &Client{
		UserID:   userID,
		UserName: userName,
		Send:     make(chan []byte, 16),
	}
}

func startManager(t *testing.T) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	m := NewManager()
	m.Start(ctx)
	return m
}

func register(t *testing.T, m *Manager, client *Client) {
	m.Register <- client
	require.Eventually(t, func() bool { return m.IsOnline(client.UserID) }, time.Second, 5*time.Millisecond)
}

func receive(t *testing.T, client *Client) chatproto.Event {
	t.Helper()
	select {
	case payload := <-client.Send:
		var event chatproto.Event
		require.NoError(t, json.Unmarshal(payload, &event))
		return event
	case <-time.After(time.Second):
		t.Fatalf("client %s received no event", client.UserID)
		return chatproto.Event{}
	}
}

func assertNoEvent(t *testing.T, client *Client) {
	t.Helper()
	select {
	case payload := <-client.Send:
		t.Fatalf("client %s unexpectedly received: %s", client.UserID, payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRegisterSendsSnapshotAndBroadcastsOnline(t *testing.T) {
	m := startManager(t)

	first := newTestClient("coach-1", "Coach Magnus")
	register(t, m, first)

	snapshot := receive(t, first)
	assert.Equal(t, chatproto.EventPresenceSnapshot, snapshot.Type)
	var snapshotPayload chatproto.PresenceSnapshotPayload
	require.NoError(t, json.Unmarshal(snapshot.Data, &snapshotPayload))
	assert.Equal(t, []string{"coach-1"}, snapshotPayload.UserIDs)

	second := newTestClient("student-1", "Anish")
	register(t, m, second)

	online := receive(t, first)
	assert.Equal(t, chatproto.EventUserOnline, online.Type)

	// New client's snapshot includes everyone, and it must not get its own
	// online broadcast
	snapshot = receive(t, second)
	require.NoError(t, json.Unmarshal(snapshot.Data, &snapshotPayload))
	assert.ElementsMatch(t, []string{"coach-1", "student-1"}, snapshotPayload.UserIDs)
	assertNoEvent(t, second)
}

func TestUnregisterBroadcastsOffline(t *testing.T) {
	m := startManager(t)

	first := newTestClient("coach-1", "Coach Magnus")
	second := newTestClient("student-1", "Anish")
	register(t, m, first)
	register(t, m, second)
	receive(t, first) // snapshot
	receive(t, first) // student online
	receive(t, second)

	m.JoinRoom("conv-1", "student-1")
	m.Unregister <- second
	require.Eventually(t, func() bool { return !m.IsOnline("student-1") }, time.Second, 5*time.Millisecond)

	offline := receive(t, first)
	assert.Equal(t, chatproto.EventUserOffline, offline.Type)

	// Room membership must not outlive the connection
	m.BroadcastToRoom("conv-1", chatproto.NewEvent(chatproto.EventTypingStart, nil), "")
	assertNoEvent(t, first)
}

func TestBroadcastToRoomScopesAndExcludes(t *testing.T) {
	m := startManager(t)

	coach := newTestClient("coach-1", "Coach Magnus")
	member := newTestClient("student-1", "Anish")
	outsider := newTestClient("student-2", "Wesley")
	for _, client := range []*Client{coach, member, outsider} {
		register(t, m, client)
	}
	for _, client := range []*Client{coach, member, outsider} {
		drain(client)
	}

	m.JoinRoom("conv-1", "coach-1")
	m.JoinRoom("conv-1", "student-1")

	m.BroadcastToRoom("conv-1", chatproto.NewEvent(chatproto.EventTypingStart, chatproto.TypingPayload{ConversationID: "conv-1"}), "coach-1")

	event := receive(t, member)
	assert.Equal(t, chatproto.EventTypingStart, event.Type)
	assertNoEvent(t, coach)
	assertNoEvent(t, outsider)
}

func drain(client *Client) {
	for {
		select {
		case <-client.Send:
		case <-time.After(20 * time.Millisecond):
			return
		}
	}
}

func TestSendToUser(t *testing.T) {
	m := startManager(t)

	client := newTestClient("student-1", "Anish")
	register(t, m, client)
	drain(client)

	m.SendToUser("student-1", chatproto.NewEvent(chatproto.EventConversationNew, nil))
	event := receive(t, client)
	assert.Equal(t, chatproto.EventConversationNew, event.Type)

	// Sends to unknown users are a silent no-op
	m.SendToUser("ghost", chatproto.NewEvent(chatproto.EventConversationNew, nil))
}

func TestFanOutDuringClientReplacement(t *testing.T) {
	m := startManager(t)
	m.JoinRoom("conv-1", "student-1")

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				m.BroadcastToRoom("conv-1", chatproto.NewEvent(chatproto.EventTypingStart, nil), "")
				m.SendToUser("student-1", chatproto.NewEvent(chatproto.EventConversationNew, nil))
			}
		}()
	}

	// Each registration shuts down the previous connection for the same
	// user while the fan-out goroutines keep sending to it
	for i := 0; i < 100; i++ {
		m.Register <- newTestClient("student-1", "Anish")
	}

	close(stop)
	wg.Wait()
}

type fakeChatService struct {
	sendErr  error
	sent     []chatproto.SendMessagePayload
	read     [][]string
	notified []string
}

func (f *fakeChatService) SendMessage(ctx context.Context, senderID string, payload chatproto.SendMessagePayload) (*chatproto.Message, error) {
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, payload)
	return &chatproto.Message{ID: "m-1", ConversationID: payload.ConversationID, SenderID: senderID, Content: payload.Content}, nil
}

func (f *fakeChatService) MarkMessagesRead(ctx context.Context, userID, conversationID string, messageIDs []string) error {
	f.read = append(f.read, messageIDs)
	return nil
}

func (f *fakeChatService) NotifyConversationCreated(ctx context.Context, userID, conversationID string) error {
	f.notified = append(f.notified, conversationID)
	return nil
}

func newTestHandler(t *testing.T) (*Manager, *EventHandler, *fakeChatService) {
	m := startManager(t)
	service := &fakeChatService{}
	handler := NewEventHandler(m, service, ratelimit.NewRateLimiter())
	m.SetEventHandler(handler)
	return m, handler, service
}

func frame(t *testing.T, eventType, ackID string, data interface{}) []byte {
	event := chatproto.NewEvent(eventType, data)
	event.AckID = ackID
	payload, err := json.Marshal(event)
	require.NoError(t, err)
	return payload
}

func TestHandleSendMessageAcks(t *testing.T) {
	m, handler, service := newTestHandler(t)

	client := newTestClient("coach-1", "Coach Magnus")
	register(t, m, client)
	drain(client)

	handler.HandleClientEvent(client, frame(t, chatproto.EventMessageSend, "ack-42", chatproto.SendMessagePayload{
		ConversationID: "conv-1",
		Content:        "hello",
	}))

	ack := receive(t, client)
	assert.Equal(t, chatproto.EventAck, ack.Type)
	assert.Equal(t, "ack-42", ack.AckID, "ack must carry the request's correlation id")

	var ackPayload chatproto.AckPayload
	require.NoError(t, json.Unmarshal(ack.Data, &ackPayload))
	require.NotNil(t, ackPayload.Message)
	assert.Equal(t, "m-1", ackPayload.Message.ID)
	assert.Empty(t, ackPayload.Error)
	require.Len(t, service.sent, 1)
}

func TestHandleSendMessageRejectsIncomplete(t *testing.T) {
	m, handler, service := newTestHandler(t)

	client := newTestClient("coach-1", "Coach Magnus")
	register(t, m, client)
	drain(client)

	handler.HandleClientEvent(client, frame(t, chatproto.EventMessageSend, "ack-1", chatproto.SendMessagePayload{Content: "no conversation"}))

	ack := receive(t, client)
	var ackPayload chatproto.AckPayload
	require.NoError(t, json.Unmarshal(ack.Data, &ackPayload))
	assert.NotEmpty(t, ackPayload.Error)
	assert.Empty(t, service.sent)
}

func TestHandleTypingEnrichesIdentity(t *testing.T) {
	m, handler, _ := newTestHandler(t)

	typer := newTestClient("coach-1", "Coach Magnus")
	watcher := newTestClient("student-1", "Anish")
	register(t, m, typer)
	register(t, m, watcher)
	drain(typer)
	drain(watcher)

	m.JoinRoom("conv-1", "coach-1")
	m.JoinRoom("conv-1", "student-1")

	// Client-supplied identity must be overwritten with the authenticated one
	handler.HandleClientEvent(typer, frame(t, chatproto.EventTypingStart, "", chatproto.TypingPayload{
		ConversationID: "conv-1",
		UserID:         "spoofed",
		UserName:       "Spoofed",
	}))

	event := receive(t, watcher)
	assert.Equal(t, chatproto.EventTypingStart, event.Type)

	var payload chatproto.TypingPayload
	require.NoError(t, json.Unmarshal(event.Data, &payload))
	assert.Equal(t, "coach-1", payload.UserID)
	assert.Equal(t, "Coach Magnus", payload.UserName)

	// The typer never hears their own indicator
	assertNoEvent(t, typer)
}

func TestHandleLeaveBroadcastsTypingStop(t *testing.T) {
	m, handler, _ := newTestHandler(t)

	leaver := newTestClient("coach-1", "Coach Magnus")
	watcher := newTestClient("student-1", "Anish")
	register(t, m, leaver)
	register(t, m, watcher)
	drain(leaver)
	drain(watcher)

	m.JoinRoom("conv-1", "coach-1")
	m.JoinRoom("conv-1", "student-1")

	handler.HandleClientEvent(leaver, frame(t, chatproto.EventConversationLeave, "", chatproto.ConversationRef{ConversationID: "conv-1"}))

	event := receive(t, watcher)
	assert.Equal(t, chatproto.EventTypingStop, event.Type)

	var payload chatproto.TypingPayload
	require.NoError(t, json.Unmarshal(event.Data, &payload))
	assert.Equal(t, "coach-1", payload.UserID)
}

func TestHandleUnknownEvent(t *testing.T) {
	m, handler, _ := newTestHandler(t)

	client := newTestClient("coach-1", "Coach Magnus")
	register(t, m, client)
	drain(client)

	handler.HandleClientEvent(client, frame(t, "conversation:detonate", "", nil))

	event := receive(t, client)
	assert.Equal(t, chatproto.EventError, event.Type)
}

func TestHandleConversationCreated(t *testing.T) {
	m, handler, service := newTestHandler(t)

	client := newTestClient("coach-1", "Coach Magnus")
	register(t, m, client)
	drain(client)

	handler.HandleClientEvent(client, frame(t, chatproto.EventConversationCreated, "", chatproto.ConversationRef{ConversationID: "conv-9"}))
	assert.Equal(t, []string{"conv-9"}, service.notified)
}
