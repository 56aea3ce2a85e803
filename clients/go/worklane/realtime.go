package worklane

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// Envelope is the wire format for all realtime events in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ConversationUpdatedEvent refreshes a conversation-list preview.
type ConversationUpdatedEvent struct {
	ConversationID string   `json:"conversation_id"`
	LastMessage    *Message `json:"last_message,omitempty"`
}

// TypingEvent announces another user typing (or stopping) in a conversation.
type TypingEvent struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

// MessageReadEvent carries read receipts for messages in a conversation.
type MessageReadEvent struct {
	ConversationID string   `json:"conversation_id"`
	MessageIDs     []string `json:"message_ids"`
	ReaderID       string   `json:"reader_id,omitempty"`
}

// ReactionEvent carries the full updated reaction list for a message.
type ReactionEvent struct {
	ConversationID string     `json:"conversation_id"`
	MessageID      string     `json:"message_id"`
	Reactions      []Reaction `json:"reactions"`
}

// MessageDeletedEvent identifies a removed message.
type MessageDeletedEvent struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
}

// PresenceEvent announces a user going online or offline.
type PresenceEvent struct {
	UserID string `json:"user_id"`
}

// ErrorEvent is a server-side rejection of a client event.
type ErrorEvent struct {
	Message string `json:"message"`
}

// RealtimeConfig configures the realtime client.
type RealtimeConfig struct {
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// EventHandler is the generic event callback type.
type EventHandler func(eventType string, payload json.RawMessage)

// eventDispatcher routes inbound envelopes to registered handlers. Handlers
// run on the read loop goroutine so a client observes events in wire order.
type eventDispatcher struct {
	mu              sync.RWMutex
	generic         map[string][]EventHandler
	onNewMessage    []func(Message)
	onConvUpdated   []func(ConversationUpdatedEvent)
	onTyping        []func(TypingEvent, bool)
	onPresence      []func(PresenceEvent, bool)
	onMessageRead   []func(MessageReadEvent)
	onReaction      []func(ReactionEvent)
	onMessageEdit   []func(Message)
	onMessageDelete []func(MessageDeletedEvent)
	onNotification  []func(Notification)
	onError         []func(ErrorEvent)
	onConnected     []func()
	onDisconnected  []func(reason string)
	onReconnecting  []func(attempt int, delay time.Duration)
}

func newEventDispatcher() *eventDispatcher {
	return &eventDispatcher{
		generic: make(map[string][]EventHandler),
	}
}

func (d *eventDispatcher) dispatch(env Envelope) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	switch env.Type {
	case "new_message":
		var p Message
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onNewMessage {
				h(p)
			}
		}
	case "conversation_updated":
		var p ConversationUpdatedEvent
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onConvUpdated {
				h(p)
			}
		}
	case "user_typing", "user_stop_typing":
		var p TypingEvent
		if json.Unmarshal(env.Payload, &p) == nil {
			typing := env.Type == "user_typing"
			for _, h := range d.onTyping {
				h(p, typing)
			}
		}
	case "user_online", "user_offline":
		var p PresenceEvent
		if json.Unmarshal(env.Payload, &p) == nil {
			online := env.Type == "user_online"
			for _, h := range d.onPresence {
				h(p, online)
			}
		}
	case "message_read":
		var p MessageReadEvent
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onMessageRead {
				h(p)
			}
		}
	case "message_reaction":
		var p ReactionEvent
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onReaction {
				h(p)
			}
		}
	case "message_updated":
		var p struct {
			Message Message `json:"message"`
		}
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onMessageEdit {
				h(p.Message)
			}
		}
	case "message_deleted":
		var p MessageDeletedEvent
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onMessageDelete {
				h(p)
			}
		}
	case "notification":
		var p Notification
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onNotification {
				h(p)
			}
		}
	case "error":
		var p ErrorEvent
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onError {
				h(p)
			}
		}
	}

	for _, h := range d.generic[env.Type] {
		h(env.Type, env.Payload)
	}
}

func (d *eventDispatcher) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h()
	}
}

func (d *eventDispatcher) emitDisconnected(reason string) {
	d.mu.RLock()
	handlers := append([]func(string){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(reason)
	}
}

func (d *eventDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(attempt, delay)
	}
}

// reconnector tracks backoff state across reconnect attempts.
type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	// A connection that held for a minute resets the backoff.
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// RealtimeClient is a websocket client with auto-reconnect. The handshake is
// authenticated with a one-shot signed query built by the REST client.
type RealtimeClient struct {
	client           *Client
	config           *RealtimeConfig
	conn             *websocket.Conn
	mu               sync.Mutex
	state            RealtimeState
	intentionalClose bool
	dispatcher       *eventDispatcher
	recon            *reconnector
	cancelFn         context.CancelFunc
}

// NewRealtimeClient creates a realtime client over the given REST client's
// credentials.
func NewRealtimeClient(client *Client, config *RealtimeConfig) *RealtimeClient {
	if config == nil {
		config = &RealtimeConfig{AutoReconnect: true}
	}
	config.defaults()
	return &RealtimeClient{
		client:     client,
		config:     config,
		state:      StateDisconnected,
		dispatcher: newEventDispatcher(),
		recon:      newReconnector(config),
	}
}

// OnNewMessage registers a handler for new messages.
func (ws *RealtimeClient) OnNewMessage(h func(Message)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onNewMessage = append(ws.dispatcher.onNewMessage, h)
	ws.dispatcher.mu.Unlock()
}

// OnConversationUpdated registers a handler for conversation-list updates.
func (ws *RealtimeClient) OnConversationUpdated(h func(ConversationUpdatedEvent)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onConvUpdated = append(ws.dispatcher.onConvUpdated, h)
	ws.dispatcher.mu.Unlock()
}

// OnTyping registers a handler for typing state changes.
func (ws *RealtimeClient) OnTyping(h func(TypingEvent, bool)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onTyping = append(ws.dispatcher.onTyping, h)
	ws.dispatcher.mu.Unlock()
}

// OnPresence registers a handler for partner presence changes.
func (ws *RealtimeClient) OnPresence(h func(PresenceEvent, bool)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onPresence = append(ws.dispatcher.onPresence, h)
	ws.dispatcher.mu.Unlock()
}

// OnMessageRead registers a handler for read receipts.
func (ws *RealtimeClient) OnMessageRead(h func(MessageReadEvent)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onMessageRead = append(ws.dispatcher.onMessageRead, h)
	ws.dispatcher.mu.Unlock()
}

// OnReaction registers a handler for reaction updates.
func (ws *RealtimeClient) OnReaction(h func(ReactionEvent)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onReaction = append(ws.dispatcher.onReaction, h)
	ws.dispatcher.mu.Unlock()
}

// OnMessageUpdated registers a handler for message edits.
func (ws *RealtimeClient) OnMessageUpdated(h func(Message)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onMessageEdit = append(ws.dispatcher.onMessageEdit, h)
	ws.dispatcher.mu.Unlock()
}

// OnMessageDeleted registers a handler for message deletions.
func (ws *RealtimeClient) OnMessageDeleted(h func(MessageDeletedEvent)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onMessageDelete = append(ws.dispatcher.onMessageDelete, h)
	ws.dispatcher.mu.Unlock()
}

// OnNotification registers a handler for pushed notifications.
func (ws *RealtimeClient) OnNotification(h func(Notification)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onNotification = append(ws.dispatcher.onNotification, h)
	ws.dispatcher.mu.Unlock()
}

// OnError registers a handler for server-side event rejections.
func (ws *RealtimeClient) OnError(h func(ErrorEvent)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onError = append(ws.dispatcher.onError, h)
	ws.dispatcher.mu.Unlock()
}

// OnConnected registers a handler for the connected meta-event.
func (ws *RealtimeClient) OnConnected(h func()) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onConnected = append(ws.dispatcher.onConnected, h)
	ws.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (ws *RealtimeClient) OnDisconnected(h func(reason string)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onDisconnected = append(ws.dispatcher.onDisconnected, h)
	ws.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (ws *RealtimeClient) OnReconnecting(h func(attempt int, delay time.Duration)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onReconnecting = append(ws.dispatcher.onReconnecting, h)
	ws.dispatcher.mu.Unlock()
}

// On registers a generic event handler.
func (ws *RealtimeClient) On(eventType string, h EventHandler) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.generic[eventType] = append(ws.dispatcher.generic[eventType], h)
	ws.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (ws *RealtimeClient) State() RealtimeState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

// Connect establishes the websocket connection.
func (ws *RealtimeClient) Connect(ctx context.Context) error {
	ws.mu.Lock()
	if ws.state == StateConnected || ws.state == StateConnecting {
		ws.mu.Unlock()
		return nil
	}
	ws.state = StateConnecting
	ws.intentionalClose = false
	ws.mu.Unlock()

	wsURL := strings.Replace(ws.client.BaseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws?" + ws.client.handshakeQuery()

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		ws.mu.Lock()
		ws.state = StateDisconnected
		ws.mu.Unlock()
		return fmt.Errorf("websocket dial: %w", err)
	}

	ws.mu.Lock()
	ws.conn = conn
	ws.state = StateConnected
	ws.mu.Unlock()
	ws.recon.markConnected()

	ws.dispatcher.emitConnected()

	connCtx, cancel := context.WithCancel(ctx)
	ws.mu.Lock()
	ws.cancelFn = cancel
	ws.mu.Unlock()

	go ws.readLoop(connCtx)
	go ws.heartbeatLoop(connCtx)

	return nil
}

// Disconnect gracefully closes the connection and disables reconnection.
func (ws *RealtimeClient) Disconnect() error {
	ws.mu.Lock()
	ws.intentionalClose = true
	if ws.cancelFn != nil {
		ws.cancelFn()
		ws.cancelFn = nil
	}
	conn := ws.conn
	ws.conn = nil
	ws.state = StateDisconnected
	ws.mu.Unlock()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	ws.dispatcher.emitDisconnected("client disconnect")
	return nil
}

// JoinConversation subscribes to a conversation's room.
func (ws *RealtimeClient) JoinConversation(ctx context.Context, conversationID string) error {
	return ws.send(ctx, "join_conversation", map[string]string{"conversation_id": conversationID})
}

// LeaveConversation unsubscribes from a conversation's room.
func (ws *RealtimeClient) LeaveConversation(ctx context.Context, conversationID string) error {
	return ws.send(ctx, "leave_conversation", map[string]string{"conversation_id": conversationID})
}

// FanOutMessage triggers server-side delivery of an already-persisted
// message. The server derives the recipient from the conversation.
func (ws *RealtimeClient) FanOutMessage(ctx context.Context, msg Message) error {
	return ws.send(ctx, "send_message", map[string]interface{}{
		"message": msg,
	})
}

// StartTyping announces typing in a conversation.
func (ws *RealtimeClient) StartTyping(ctx context.Context, conversationID string) error {
	return ws.send(ctx, "typing", map[string]string{"conversation_id": conversationID})
}

// StopTyping announces typing has stopped.
func (ws *RealtimeClient) StopTyping(ctx context.Context, conversationID string) error {
	return ws.send(ctx, "stop_typing", map[string]string{"conversation_id": conversationID})
}

// MarkRead persists read receipts and broadcasts them to the conversation.
func (ws *RealtimeClient) MarkRead(ctx context.Context, conversationID string, messageIDs []string) error {
	return ws.send(ctx, "message_read", map[string]interface{}{
		"conversation_id": conversationID,
		"message_ids":     messageIDs,
	})
}

func (ws *RealtimeClient) send(ctx context.Context, eventType string, payload interface{}) error {
	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("not connected")
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(Envelope{Type: eventType, Payload: raw})
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (ws *RealtimeClient) readLoop(ctx context.Context) {
	for {
		ws.mu.Lock()
		conn := ws.conn
		ws.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			ws.mu.Lock()
			intentional := ws.intentionalClose
			ws.mu.Unlock()
			if intentional {
				return
			}

			ws.mu.Lock()
			ws.state = StateDisconnected
			ws.conn = nil
			ws.mu.Unlock()

			ws.dispatcher.emitDisconnected(err.Error())

			if ws.config.AutoReconnect && ws.recon.shouldReconnect() {
				ws.scheduleReconnect(context.Background())
			}
			return
		}

		var env Envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		ws.dispatcher.dispatch(env)
	}
}

// heartbeatLoop keeps the connection alive with protocol-level pings.
func (ws *RealtimeClient) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(ws.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ws.mu.Lock()
			conn := ws.conn
			ws.mu.Unlock()
			if conn == nil {
				return
			}

			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (ws *RealtimeClient) scheduleReconnect(ctx context.Context) {
	delay := ws.recon.nextDelay()
	ws.mu.Lock()
	ws.state = StateReconnecting
	ws.mu.Unlock()

	ws.dispatcher.emitReconnecting(ws.recon.attempt, delay)

	time.Sleep(delay)

	ws.mu.Lock()
	intentional := ws.intentionalClose
	ws.state = StateDisconnected
	ws.mu.Unlock()
	if intentional {
		return
	}

	if err := ws.Connect(ctx); err != nil {
		if ws.config.AutoReconnect && ws.recon.shouldReconnect() {
			ws.scheduleReconnect(ctx)
		}
	}
}
