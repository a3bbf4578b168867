package chatclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"castlemate/pkg/chatproto"
)

// chatServer fakes the platform backend: a websocket endpoint that records
// every frame the coordinator emits and can push scripted events back, plus
// the REST endpoints the coordinator falls back to.
type chatServer struct {
	t        *testing.T
	upgrader websocket.Upgrader
	srv      *httptest.Server

	mu     sync.Mutex
	conn   *websocket.Conn
	frames []chatproto.Event

	snapshot      []string // presence snapshot sent on every connect
	duplicateAcks bool     // ack every send twice
	messagePosts  int32
	readPuts      int32
}

func newChatServer(t *testing.T) *chatServer {
	s := &chatServer{t: t}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleSocket)
	mux.HandleFunc("/v1/", s.handleREST)
	s.srv = httptest.NewServer(mux)
	t.Cleanup(s.srv.Close)

	return s
}

func (s *chatServer) socketURL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws"
}

func (s *chatServer) apiURL() string {
	return s.srv.URL + "/v1"
}

func (s *chatServer) handleSocket(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("token") == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	s.writeEvent(chatproto.NewEvent(chatproto.EventPresenceSnapshot, chatproto.PresenceSnapshotPayload{UserIDs: s.snapshot}))

	go func() {
		for {
			var event chatproto.Event
			if err := conn.ReadJSON(&event); err != nil {
				return
			}

			s.mu.Lock()
			s.frames = append(s.frames, event)
			s.mu.Unlock()

			if event.Type == chatproto.EventMessageSend {
				s.ackSend(event)
			}
		}
	}()
}

// ackSend stores the message like the real pipeline would and returns it in
// the acknowledgement.
func (s *chatServer) ackSend(event chatproto.Event) {
	var payload chatproto.SendMessagePayload
	if err := json.Unmarshal(event.Data, &payload); err != nil {
		return
	}

	stored := chatproto.Message{
		ID:             uuid.New().String(),
		ConversationID: payload.ConversationID,
		SenderID:       "self",
		Content:        payload.Content,
		Type:           payload.MessageType,
		CreatedAt:      time.Now(),
	}

	ack := chatproto.NewEvent(chatproto.EventAck, chatproto.AckPayload{Message: &stored})
	ack.AckID = event.AckID
	s.writeEvent(ack)
	if s.duplicateAcks {
		s.writeEvent(ack)
	}
}

func (s *chatServer) writeEvent(event chatproto.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		_ = s.conn.WriteJSON(event)
	}
}

func (s *chatServer) push(event chatproto.Event) {
	s.writeEvent(event)
}

func (s *chatServer) sentFrames(eventType string) []chatproto.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []chatproto.Event
	for _, frame := range s.frames {
		if frame.Type == eventType {
			out = append(out, frame)
		}
	}
	return out
}

func (s *chatServer) handleREST(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/messages"):
		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"data":    map[string]interface{}{"items": []chatproto.Message{}, "total": 0, "skip": 0, "limit": 50},
		})
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/messages"):
		atomic.AddInt32(&s.messagePosts, 1)
		parts := strings.Split(r.URL.Path, "/")
		stored := chatproto.Message{
			ID:             uuid.New().String(),
			ConversationID: parts[len(parts)-2],
			SenderID:       "self",
			Content:        "via rest",
			Type:           chatproto.MessageTypeText,
			CreatedAt:      time.Now(),
		}
		s.writeJSON(w, http.StatusCreated, map[string]interface{}{"success": true, "data": stored})
	case r.Method == http.MethodPut && strings.HasSuffix(r.URL.Path, "/read"):
		atomic.AddInt32(&s.readPuts, 1)
		w.WriteHeader(http.StatusOK)
	default:
		http.NotFound(w, r)
	}
}

func (s *chatServer) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func newTestCoordinator(t *testing.T, s *chatServer, cfg Config) *Coordinator {
	cfg.SocketURL = s.socketURL()
	cfg.APIBaseURL = s.apiURL()
	cfg.ReconnectInitialDelay = 10 * time.Millisecond
	cfg.ReconnectMaxDelay = 20 * time.Millisecond

	c := NewCoordinator(cfg)
	t.Cleanup(c.Close)
	return c
}

func connect(t *testing.T, c *Coordinator) {
	c.SetAuthToken("test-token")
	require.Eventually(t, c.IsConnected, 2*time.Second, 10*time.Millisecond, "coordinator never connected")
}

func TestPresenceSnapshotAndTransitions(t *testing.T) {
	server := newChatServer(t)
	server.snapshot = []string{"coach-1"}

	c := newTestCoordinator(t, server, Config{})
	connect(t, c)

	require.Eventually(t, func() bool { return c.IsUserOnline("coach-1") }, time.Second, 10*time.Millisecond)
	assert.False(t, c.IsUserOnline("student-9"))

	server.push(chatproto.NewEvent(chatproto.EventUserOnline, chatproto.PresencePayload{UserID: "student-9"}))
	require.Eventually(t, func() bool { return c.IsUserOnline("student-9") }, time.Second, 10*time.Millisecond)

	server.push(chatproto.NewEvent(chatproto.EventUserOffline, chatproto.PresencePayload{UserID: "coach-1"}))
	require.Eventually(t, func() bool { return !c.IsUserOnline("coach-1") }, time.Second, 10*time.Millisecond)
}

func TestInboundMessageDeduplication(t *testing.T) {
	server := newChatServer(t)
	c := newTestCoordinator(t, server, Config{})
	connect(t, c)

	_, err := c.OpenConversation(context.Background(), "conv-1")
	require.NoError(t, err)

	message := chatproto.Message{ID: "m-1", ConversationID: "conv-1", SenderID: "coach-1", Content: "hello", Type: chatproto.MessageTypeText}
	server.push(chatproto.NewEvent(chatproto.EventMessageReceive, chatproto.MessageReceivePayload{Message: &message}))
	server.push(chatproto.NewEvent(chatproto.EventMessageReceive, chatproto.MessageReceivePayload{Message: &message}))

	require.Eventually(t, func() bool { return len(c.Messages("conv-1")) >= 1 }, time.Second, 10*time.Millisecond)

	// Give the duplicate time to arrive before asserting it was dropped
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, c.Messages("conv-1"), 1)
}

func TestDuplicateForClosedConversationCountsOnce(t *testing.T) {
	server := newChatServer(t)
	c := newTestCoordinator(t, server, Config{})
	connect(t, c)

	// The conversation is not open anywhere; only the counter moves
	message := chatproto.Message{ID: "m-1", ConversationID: "conv-1", SenderID: "coach-1", Content: "hi"}
	server.push(chatproto.NewEvent(chatproto.EventMessageReceive, chatproto.MessageReceivePayload{Message: &message}))
	server.push(chatproto.NewEvent(chatproto.EventMessageReceive, chatproto.MessageReceivePayload{Message: &message}))

	require.Eventually(t, func() bool { return c.UnreadCount("conv-1") >= 1 }, time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, c.UnreadCount("conv-1"), "a redelivered message must not double-count unread")
}

func TestUnreadSkipsActiveConversation(t *testing.T) {
	server := newChatServer(t)
	c := newTestCoordinator(t, server, Config{})
	connect(t, c)

	_, err := c.OpenConversation(context.Background(), "conv-active")
	require.NoError(t, err)

	inActive := chatproto.Message{ID: "m-1", ConversationID: "conv-active", SenderID: "coach-1", Content: "hi"}
	elsewhere := chatproto.Message{ID: "m-2", ConversationID: "conv-other", SenderID: "coach-2", Content: "hi"}
	server.push(chatproto.NewEvent(chatproto.EventMessageReceive, chatproto.MessageReceivePayload{Message: &inActive}))
	server.push(chatproto.NewEvent(chatproto.EventMessageReceive, chatproto.MessageReceivePayload{Message: &elsewhere}))

	require.Eventually(t, func() bool { return c.UnreadCount("conv-other") == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, c.UnreadCount("conv-active"), "messages for the conversation in view must not count as unread")
}

func TestMarkMessagesAsRead(t *testing.T) {
	server := newChatServer(t)
	c := newTestCoordinator(t, server, Config{})
	connect(t, c)

	message := chatproto.Message{ID: "m-1", ConversationID: "conv-1", SenderID: "coach-1", Content: "hi"}
	server.push(chatproto.NewEvent(chatproto.EventMessageReceive, chatproto.MessageReceivePayload{Message: &message}))
	require.Eventually(t, func() bool { return c.UnreadCount("conv-1") == 1 }, time.Second, 10*time.Millisecond)

	// Empty id list is a no-op: no receipt frame, no persistence call
	c.MarkMessagesAsRead(context.Background(), "conv-1", nil)
	assert.Equal(t, int32(0), atomic.LoadInt32(&server.readPuts))
	assert.Empty(t, server.sentFrames(chatproto.EventMessageRead))

	c.MarkMessagesAsRead(context.Background(), "conv-1", []string{"m-1"})
	assert.Equal(t, 0, c.UnreadCount("conv-1"))
	assert.Equal(t, int32(1), atomic.LoadInt32(&server.readPuts))
	require.Eventually(t, func() bool { return len(server.sentFrames(chatproto.EventMessageRead)) == 1 }, time.Second, 10*time.Millisecond)
}

func TestTypingQuietWindow(t *testing.T) {
	server := newChatServer(t)
	c := newTestCoordinator(t, server, Config{TypingQuietWindow: 150 * time.Millisecond})
	connect(t, c)

	// Keystrokes inside the quiet window must collapse to one start
	c.Typing("conv-1")
	time.Sleep(40 * time.Millisecond)
	c.Typing("conv-1")
	time.Sleep(40 * time.Millisecond)
	c.Typing("conv-1")

	require.Eventually(t, func() bool {
		return len(server.sentFrames(chatproto.EventTypingStop)) == 1
	}, time.Second, 10*time.Millisecond, "quiet window should emit typing:stop automatically")

	assert.Len(t, server.sentFrames(chatproto.EventTypingStart), 1)

	// Explicit stop after the automatic one must not emit a duplicate
	c.StopTyping("conv-1")
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, server.sentFrames(chatproto.EventTypingStop), 1)
}

func TestTypingRefreshesStartWhileSustained(t *testing.T) {
	server := newChatServer(t)
	c := newTestCoordinator(t, server, Config{
		TypingQuietWindow: 300 * time.Millisecond,
		TypingExpiry:      100 * time.Millisecond,
	})
	connect(t, c)

	// Sustained typing past half the remote TTL must re-emit the start so
	// counterparts' expiry timers keep getting refreshed
	c.Typing("conv-1")
	time.Sleep(70 * time.Millisecond)
	c.Typing("conv-1")

	require.Eventually(t, func() bool {
		return len(server.sentFrames(chatproto.EventTypingStart)) == 2
	}, time.Second, 10*time.Millisecond)

	// The session still ends with a single stop
	require.Eventually(t, func() bool {
		return len(server.sentFrames(chatproto.EventTypingStop)) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Len(t, server.sentFrames(chatproto.EventTypingStart), 2)
}

func TestRemoteTypingExpiry(t *testing.T) {
	server := newChatServer(t)
	c := newTestCoordinator(t, server, Config{TypingExpiry: 100 * time.Millisecond})
	connect(t, c)

	server.push(chatproto.NewEvent(chatproto.EventTypingStart, chatproto.TypingPayload{
		ConversationID: "conv-1", UserID: "coach-1", UserName: "Coach Magnus",
	}))

	require.Eventually(t, func() bool { return len(c.TypingUsers("conv-1")) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, "Coach Magnus", c.TypingUsers("conv-1")["coach-1"])

	// The lost typing:stop case: the TTL clears the indicator on its own
	require.Eventually(t, func() bool { return len(c.TypingUsers("conv-1")) == 0 }, time.Second, 10*time.Millisecond)
}

func TestCloseConversationClearsTyping(t *testing.T) {
	server := newChatServer(t)
	c := newTestCoordinator(t, server, Config{TypingExpiry: 10 * time.Second})
	connect(t, c)

	_, err := c.OpenConversation(context.Background(), "conv-1")
	require.NoError(t, err)

	server.push(chatproto.NewEvent(chatproto.EventTypingStart, chatproto.TypingPayload{
		ConversationID: "conv-1", UserID: "coach-1", UserName: "Coach Magnus",
	}))
	require.Eventually(t, func() bool { return len(c.TypingUsers("conv-1")) == 1 }, time.Second, 10*time.Millisecond)

	c.CloseConversation("conv-1")

	assert.Empty(t, c.TypingUsers("conv-1"))
	assert.Empty(t, c.Messages("conv-1"))
	assert.Empty(t, c.ActiveConversation())
}

func TestSendMessageOverSocket(t *testing.T) {
	server := newChatServer(t)
	c := newTestCoordinator(t, server, Config{})
	connect(t, c)

	_, err := c.OpenConversation(context.Background(), "conv-1")
	require.NoError(t, err)

	message, err := c.SendMessage(context.Background(), "conv-1", "good game")
	require.NoError(t, err)
	assert.NotEmpty(t, message.ID)
	assert.Equal(t, "good game", message.Content)

	assert.Len(t, c.Messages("conv-1"), 1)
	assert.Equal(t, int32(0), atomic.LoadInt32(&server.messagePosts), "connected sends must not hit the REST fallback")
}

func TestDuplicateAckKeepsReadLoopAlive(t *testing.T) {
	server := newChatServer(t)
	server.duplicateAcks = true

	c := newTestCoordinator(t, server, Config{})
	connect(t, c)

	_, err := c.SendMessage(context.Background(), "conv-1", "hello")
	require.NoError(t, err)

	// A redelivered ack must not wedge the read loop; later events still
	// get dispatched
	server.push(chatproto.NewEvent(chatproto.EventUserOnline, chatproto.PresencePayload{UserID: "coach-1"}))
	require.Eventually(t, func() bool { return c.IsUserOnline("coach-1") }, time.Second, 10*time.Millisecond)
}

func TestSendMessageRESTFallback(t *testing.T) {
	server := newChatServer(t)
	c := newTestCoordinator(t, server, Config{})
	// No SetAuthToken: the coordinator stays disconnected on purpose

	message, err := c.SendMessage(context.Background(), "conv-1", "offline hello")
	require.NoError(t, err)
	assert.NotEmpty(t, message.ID)

	assert.Equal(t, int32(1), atomic.LoadInt32(&server.messagePosts), "disconnected sends go through REST exactly once")
	assert.Empty(t, server.sentFrames(chatproto.EventMessageSend), "no frame should be written without a connection")
}

func TestSendMessageValidation(t *testing.T) {
	server := newChatServer(t)
	c := newTestCoordinator(t, server, Config{})

	_, err := c.SendMessage(context.Background(), "", "hello")
	assert.Error(t, err)

	_, err = c.SendMessage(context.Background(), "conv-1", "")
	assert.Error(t, err)
}

func TestReconnectRejoinsOpenConversations(t *testing.T) {
	server := newChatServer(t)
	c := newTestCoordinator(t, server, Config{})
	connect(t, c)

	_, err := c.OpenConversation(context.Background(), "conv-1")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(server.sentFrames(chatproto.EventConversationJoin)) == 1 }, time.Second, 10*time.Millisecond)

	// Kill the connection server-side; the coordinator must come back and
	// re-join on its own
	server.mu.Lock()
	conn := server.conn
	server.mu.Unlock()
	conn.Close()

	require.Eventually(t, func() bool {
		return len(server.sentFrames(chatproto.EventConversationJoin)) == 2
	}, 3*time.Second, 20*time.Millisecond, "open conversation was not re-joined after reconnect")
}

func TestReadReceiptFlipsLocalCopies(t *testing.T) {
	server := newChatServer(t)
	c := newTestCoordinator(t, server, Config{})
	connect(t, c)

	_, err := c.OpenConversation(context.Background(), "conv-1")
	require.NoError(t, err)

	_, err = c.SendMessage(context.Background(), "conv-1", "checkmate in three")
	require.NoError(t, err)

	held := c.Messages("conv-1")
	require.Len(t, held, 1)
	require.False(t, held[0].IsRead)

	server.push(chatproto.NewEvent(chatproto.EventMessageRead, chatproto.MessageReadPayload{
		ConversationID: "conv-1",
		MessageIDs:     []string{held[0].ID},
		ReaderID:       "coach-1",
	}))

	require.Eventually(t, func() bool {
		messages := c.Messages("conv-1")
		return len(messages) == 1 && messages[0].IsRead
	}, time.Second, 10*time.Millisecond)
}
