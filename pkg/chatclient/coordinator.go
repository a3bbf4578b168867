// Package chatclient implements the client-side real-time messaging
// coordinator: connection management, presence, conversation rooms, message
// delivery with a REST fallback, typing indicators and unread tracking.
// One Coordinator is created per authenticated session and owns all
// cross-conversation state; consumers read it only through accessors.
package chatclient

import (
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"castlemate/pkg/chatproto"
	"castlemate/pkg/logger"
)

const (
	defaultReconnectInitialDelay = 1 * time.Second
	defaultReconnectMaxDelay     = 16 * time.Second
	defaultReconnectMaxAttempts  = 5
	defaultTypingQuietWindow     = 3 * time.Second
	defaultTypingExpiry          = 5 * time.Second
	defaultAckTimeout            = 10 * time.Second
)

type Config struct {
	// SocketURL is the WebSocket endpoint, e.g. ws://host/ws
	SocketURL string
	// APIBaseURL is the REST endpoint prefix, e.g. http://host/v1
	APIBaseURL string

	HTTPClient *http.Client

	ReconnectInitialDelay time.Duration
	ReconnectMaxDelay     time.Duration
	ReconnectMaxAttempts  int
	TypingQuietWindow     time.Duration
	TypingExpiry          time.Duration
	AckTimeout            time.Duration

	// OnConnectionState is invoked on every connect/disconnect transition.
	OnConnectionState func(connected bool)
	// OnMessage is invoked for every accepted inbound message.
	OnMessage func(message chatproto.Message)
	// OnConversationNew is invoked when a counterpart starts a conversation.
	OnConversationNew func(conversation chatproto.Conversation)
}

func (c *Config) applyDefaults() {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if c.ReconnectInitialDelay <= 0 {
		c.ReconnectInitialDelay = defaultReconnectInitialDelay
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = defaultReconnectMaxDelay
	}
	if c.ReconnectMaxAttempts <= 0 {
		c.ReconnectMaxAttempts = defaultReconnectMaxAttempts
	}
	if c.TypingQuietWindow <= 0 {
		c.TypingQuietWindow = defaultTypingQuietWindow
	}
	if c.TypingExpiry <= 0 {
		c.TypingExpiry = defaultTypingExpiry
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = defaultAckTimeout
	}
}

// Coordinator is the per-session owner of the transport and of all
// presence, typing, unread and message state.
type Coordinator struct {
	cfg  Config
	rest *restClient

	mu        sync.Mutex
	token     string
	conn      *websocket.Conn
	connected bool
	session   int // invalidates stale reconnect and read loops

	writeMu sync.Mutex // serializes frames on conn

	online map[string]bool

	joined   map[string]bool
	active   string
	messages map[string][]chatproto.Message
	seen     map[string]map[string]bool // conversationID -> message id set

	typing            map[string]map[string]string      // conversationID -> userID -> name
	typingExpiry      map[string]map[string]*time.Timer // remote typer TTLs
	localTypingTimers map[string]*time.Timer            // quiet-window timers
	typingStartedAt   map[string]time.Time              // last typing:start emission

	unread map[string]int

	acks map[string]chan chatproto.AckPayload
}

func NewCoordinator(cfg Config) *Coordinator {
	cfg.applyDefaults()

	c := &Coordinator{
		cfg:               cfg,
		online:            make(map[string]bool),
		joined:            make(map[string]bool),
		messages:          make(map[string][]chatproto.Message),
		seen:              make(map[string]map[string]bool),
		typing:            make(map[string]map[string]string),
		typingExpiry:      make(map[string]map[string]*time.Timer),
		localTypingTimers: make(map[string]*time.Timer),
		typingStartedAt:   make(map[string]time.Time),
		unread:            make(map[string]int),
		acks:              make(map[string]chan chatproto.AckPayload),
	}
	c.rest = newRESTClient(cfg.APIBaseURL, cfg.HTTPClient, c.currentToken)

	return c
}

// SetAuthToken binds the coordinator to an authentication state. A non-empty
// token opens the transport (asynchronously, with bounded retries); an empty
// token tears it down. Calling it again with a fresh token restarts the
// connection cycle after a previous give-up.
func (c *Coordinator) SetAuthToken(token string) {
	c.mu.Lock()
	c.token = token
	c.session++
	session := c.session
	conn := c.conn
	c.conn = nil
	wasConnected := c.connected
	c.connected = false
	c.online = make(map[string]bool)
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if wasConnected {
		c.notifyConnectionState(false)
	}

	if token != "" {
		go c.connectLoop(session)
	}
}

// Close tears down the transport and cancels all timers.
func (c *Coordinator) Close() {
	c.SetAuthToken("")

	c.mu.Lock()
	for _, timer := range c.localTypingTimers {
		timer.Stop()
	}
	c.localTypingTimers = make(map[string]*time.Timer)
	for _, timers := range c.typingExpiry {
		for _, timer := range timers {
			timer.Stop()
		}
	}
	c.typingExpiry = make(map[string]map[string]*time.Timer)
	c.typing = make(map[string]map[string]string)
	c.mu.Unlock()
}

// IsConnected reports whether the transport is live.
func (c *Coordinator) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Coordinator) currentToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// connectLoop dials with exponential backoff until it succeeds, the attempt
// budget is exhausted, or the session is invalidated by an auth change.
// After the budget is spent the coordinator stays disconnected until the
// next SetAuthToken.
func (c *Coordinator) connectLoop(session int) {
	delay := c.cfg.ReconnectInitialDelay

	for attempt := 0; attempt < c.cfg.ReconnectMaxAttempts; attempt++ {
		c.mu.Lock()
		if c.session != session || c.token == "" {
			c.mu.Unlock()
			return
		}
		token := c.token
		c.mu.Unlock()

		conn, err := c.dial(token)
		if err == nil {
			if !c.attachConn(session, conn) {
				conn.Close()
				return
			}
			return
		}

		logger.Warn("chatclient: connect attempt %d failed: %v", attempt+1, err)

		time.Sleep(delay)
		delay *= 2
		if delay > c.cfg.ReconnectMaxDelay {
			delay = c.cfg.ReconnectMaxDelay
		}
	}

	logger.Warn("chatclient: giving up after %d connect attempts", c.cfg.ReconnectMaxAttempts)
}

func (c *Coordinator) dial(token string) (*websocket.Conn, error) {
	endpoint, err := url.Parse(c.cfg.SocketURL)
	if err != nil {
		return nil, err
	}
	query := endpoint.Query()
	query.Set("token", token)
	endpoint.RawQuery = query.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(endpoint.String(), nil)
	return conn, err
}

// attachConn installs a freshly dialed connection, re-emits joins for the
// conversations still open locally and starts the read loop. Returns false
// when the session has moved on in the meantime.
func (c *Coordinator) attachConn(session int, conn *websocket.Conn) bool {
	c.mu.Lock()
	if c.session != session || c.token == "" {
		c.mu.Unlock()
		return false
	}
	c.conn = conn
	c.connected = true
	rejoin := make([]string, 0, len(c.joined))
	for conversationID := range c.joined {
		rejoin = append(rejoin, conversationID)
	}
	c.mu.Unlock()

	c.notifyConnectionState(true)

	for _, conversationID := range rejoin {
		c.emit(chatproto.NewEvent(chatproto.EventConversationJoin, chatproto.ConversationRef{ConversationID: conversationID}))
	}

	go c.readLoop(session, conn)
	return true
}

func (c *Coordinator) readLoop(session int, conn *websocket.Conn) {
	for {
		var event chatproto.Event
		if err := conn.ReadJSON(&event); err != nil {
			c.handleDisconnect(session, err)
			return
		}

		c.dispatch(event)
	}
}

func (c *Coordinator) handleDisconnect(session int, cause error) {
	c.mu.Lock()
	if c.session != session {
		// An auth change already tore this connection down
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.connected = false
	c.online = make(map[string]bool)
	hasToken := c.token != ""
	c.session++
	next := c.session
	c.mu.Unlock()

	logger.Warn("chatclient: disconnected: %v", cause)
	c.notifyConnectionState(false)

	if hasToken {
		go c.connectLoop(next)
	}
}

func (c *Coordinator) notifyConnectionState(connected bool) {
	if c.cfg.OnConnectionState != nil {
		c.cfg.OnConnectionState(connected)
	}
}

// emit writes one event frame; a no-op when disconnected.
func (c *Coordinator) emit(event chatproto.Event) bool {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return false
	}

	c.writeMu.Lock()
	err := conn.WriteJSON(event)
	c.writeMu.Unlock()

	if err != nil {
		logger.Warn("chatclient: emit %s failed: %v", event.Type, err)
		return false
	}
	return true
}

func (c *Coordinator) dispatch(event chatproto.Event) {
	switch event.Type {
	case chatproto.EventAck:
		c.resolveAck(event)
	case chatproto.EventPresenceSnapshot:
		c.handlePresenceSnapshot(event)
	case chatproto.EventUserOnline:
		c.handlePresence(event, true)
	case chatproto.EventUserOffline:
		c.handlePresence(event, false)
	case chatproto.EventMessageReceive:
		c.handleMessageReceive(event)
	case chatproto.EventMessageRead:
		c.handleReadReceipt(event)
	case chatproto.EventTypingStart:
		c.handleRemoteTypingStart(event)
	case chatproto.EventTypingStop:
		c.handleRemoteTypingStop(event)
	case chatproto.EventConversationNew:
		c.handleConversationNew(event)
	case chatproto.EventError:
		c.handleServerError(event)
	default:
		logger.Debug("chatclient: ignoring unknown event type %q", event.Type)
	}
}
