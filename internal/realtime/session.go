package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/worklane-hq/worklane-messaging/internal/crypto"
	"github.com/worklane-hq/worklane-messaging/internal/metrics"
	"github.com/worklane-hq/worklane-messaging/internal/models"
	"github.com/worklane-hq/worklane-messaging/internal/notify"
	"github.com/worklane-hq/worklane-messaging/internal/store"
)

const (
	// handshakeWindow bounds how stale a connect signature may be.
	handshakeWindow = 30 * time.Second
	writeTimeout    = 5 * time.Second
	sendBuffer      = 256
	maxEventBytes   = 64 * 1024
)

// Server owns the websocket endpoint and the hub behind it.
type Server struct {
	hub    *Hub
	pg     store.DataStore
	redis  *store.RedisStore
	bridge *notify.Bridge
	logger zerolog.Logger
}

// NewServer creates the realtime server and registers its hub as the
// bridge's push handle.
func NewServer(hub *Hub, pg store.DataStore, redis *store.RedisStore, bridge *notify.Bridge, logger zerolog.Logger) *Server {
	if bridge != nil {
		bridge.AttachPusher(hub)
	}
	return &Server{hub: hub, pg: pg, redis: redis, bridge: bridge, logger: logger}
}

// Hub exposes the hub for handlers that broadcast on REST mutations.
func (s *Server) Hub() *Hub {
	return s.hub
}

// HandleWebSocket authenticates the handshake, upgrades the connection and
// runs the session until disconnect.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	user, ok := s.authenticate(r)
	if !ok {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		return
	}
	conn.SetReadLimit(maxEventBytes)

	sess := &session{
		conn:   conn,
		server: s,
		user:   user,
		send:   make(chan []byte, sendBuffer),
	}
	sess.ctx, sess.cancel = context.WithCancel(context.Background())

	metrics.WSConnections.Inc()
	defer metrics.WSConnections.Dec()

	s.hub.Join(UserRoom(user.ID), sess)
	s.announcePresence(sess, true)
	defer func() {
		s.hub.LeaveAll(sess)
		s.announcePresence(sess, false)
		sess.cancel()
	}()

	s.logger.Info().
		Str("user_id", user.ID.String()).
		Msg("websocket connected")

	go sess.writePump()
	sess.readPump()

	s.logger.Info().
		Str("user_id", user.ID.String()).
		Msg("websocket disconnected")
}

// authenticate resolves the connecting identity from the handshake token:
// user id, timestamp, nonce and an Ed25519 signature over ws|nonce|ts,
// verified once here (not per event).
func (s *Server) authenticate(r *http.Request) (*models.User, bool) {
	q := r.URL.Query()
	userIDStr := q.Get("user")
	nonce := q.Get("nonce")
	tsStr := q.Get("ts")
	sig := q.Get("sig")

	if userIDStr == "" || nonce == "" || tsStr == "" || sig == "" {
		return nil, false
	}
	if len(nonce) < 24 {
		return nil, false
	}

	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return nil, false
	}
	now := time.Now().UnixMilli()
	if ts <= now-handshakeWindow.Milliseconds() || ts > now {
		return nil, false
	}

	userID, err := uuid.Parse(userIDStr)
	if err != nil {
		return nil, false
	}

	if s.redis != nil && s.redis.IsNonceUsed(r.Context(), userIDStr, nonce) {
		return nil, false
	}

	user, err := s.pg.GetUserByID(r.Context(), userID)
	if err != nil || user == nil {
		return nil, false
	}

	pubkey, err := crypto.ValidatePublicKey(user.PublicKey)
	if err != nil {
		return nil, false
	}
	if err := crypto.VerifySignature(pubkey, crypto.HandshakePayload(nonce, ts), sig); err != nil {
		return nil, false
	}

	if s.redis != nil {
		s.redis.MarkNonceUsed(r.Context(), userIDStr, nonce, 3*time.Minute)
	}

	return user, true
}

// announcePresence updates the redis online set and, on the first session
// connecting or the last one leaving, broadcasts the presence change to the
// personal rooms of users sharing a conversation with this one. Presence is
// deliberately not broadcast globally.
func (s *Server) announcePresence(sess *session, online bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if s.redis == nil {
		return
	}

	// Another session for the same user may still be connected; only the
	// last one going away counts as offline.
	if !online && s.hub.RoomHasUser(UserRoom(sess.user.ID), sess.user.ID) {
		return
	}

	var changed bool
	var err error
	if online {
		changed, err = s.redis.SetOnline(ctx, sess.user.ID)
	} else {
		changed, err = s.redis.SetOffline(ctx, sess.user.ID)
	}
	if err != nil {
		s.logger.Warn().Err(err).Msg("presence update failed")
		return
	}
	if !changed {
		return
	}

	partners, err := s.pg.ListPartnerIDs(ctx, sess.user.ID)
	if err != nil {
		s.logger.Warn().Err(err).Msg("partner lookup failed")
		return
	}

	event := EventUserOnline
	if !online {
		event = EventUserOffline
	}
	payload := PresencePayload{UserID: sess.user.ID}
	for _, partner := range partners {
		s.hub.Broadcast(UserRoom(partner), event, payload)
	}
}

// session is one authenticated websocket connection.
type session struct {
	conn   *websocket.Conn
	server *Server
	user   *models.User
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
}

func (sess *session) memberID() uuid.UUID {
	return sess.user.ID
}

// deliver queues an event for the write pump, dropping it if the client is
// too slow to keep up. Dropped events are recovered by the client's next
// explicit fetch.
func (sess *session) deliver(data []byte) {
	select {
	case sess.send <- data:
	default:
		metrics.EventsDropped.Inc()
	}
}

func (sess *session) writePump() {
	defer func() { _ = sess.conn.Close(websocket.StatusNormalClosure, "") }()
	for {
		select {
		case <-sess.ctx.Done():
			return
		case data := <-sess.send:
			ctx, cancel := context.WithTimeout(sess.ctx, writeTimeout)
			err := sess.conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (sess *session) readPump() {
	defer sess.cancel()
	for {
		_, data, err := sess.conn.Read(sess.ctx)
		if err != nil {
			return
		}
		sess.handleEvent(data)
	}
}

// handleEvent dispatches one inbound event. Malformed or out-of-scope
// events are no-ops; nothing a client sends may take the session down.
func (sess *session) handleEvent(data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		sess.sendError("invalid JSON")
		return
	}

	switch env.Type {
	case EventJoinConversation:
		sess.handleJoin(env.Payload)
	case EventLeaveConversation:
		sess.handleLeave(env.Payload)
	case EventSendMessage:
		sess.handleSendMessage(env.Payload)
	case EventTyping:
		sess.handleTyping(env.Payload, true)
	case EventStopTyping:
		sess.handleTyping(env.Payload, false)
	case EventMessageRead:
		sess.handleMessageRead(env.Payload)
	default:
		sess.sendError("unknown event type: " + env.Type)
	}
}

func (sess *session) sendError(msg string) {
	data, err := MarshalEnvelope(EventError, ErrorPayload{Message: msg})
	if err != nil {
		return
	}
	sess.deliver(data)
}

// conversationForUser loads a conversation and checks membership; non
// participants get nothing, not even an existence hint.
func (sess *session) conversationForUser(convID uuid.UUID) *models.Conversation {
	ctx, cancel := context.WithTimeout(sess.ctx, 3*time.Second)
	defer cancel()

	conv, err := sess.server.pg.GetConversation(ctx, convID)
	if err != nil || conv == nil || !conv.HasParticipant(sess.user.ID) {
		return nil
	}
	return conv
}

func (sess *session) handleJoin(payload json.RawMessage) {
	var p ConversationPayload
	if json.Unmarshal(payload, &p) != nil {
		return
	}
	if sess.conversationForUser(p.ConversationID) == nil {
		sess.sendError("conversation not found")
		return
	}
	sess.server.hub.Join(ConversationRoom(p.ConversationID), sess)
}

func (sess *session) handleLeave(payload json.RawMessage) {
	var p ConversationPayload
	if json.Unmarshal(payload, &p) != nil {
		return
	}
	sess.server.hub.Leave(ConversationRoom(p.ConversationID), sess)
}

// handleSendMessage is the delivery fan-out trigger for a message already
// persisted over REST: new_message to the conversation room, then
// conversation_updated to the other participant's personal room so their
// list preview refreshes even with the conversation closed. The recipient is
// derived from the conversation itself, never taken from the client, so
// first-contact sends fan out before the sender has a local conversation
// list. A recipient without a session in the room gets a notification
// through the bridge instead.
func (sess *session) handleSendMessage(payload json.RawMessage) {
	var p SendMessagePayload
	if json.Unmarshal(payload, &p) != nil {
		return
	}
	if p.Message.SenderID != sess.user.ID {
		sess.sendError("cannot fan out another user's message")
		return
	}
	conv := sess.conversationForUser(p.Message.ConversationID)
	if conv == nil {
		sess.sendError("conversation not found")
		return
	}

	hub := sess.server.hub
	room := ConversationRoom(conv.ID)
	hub.Broadcast(room, EventNewMessage, p.Message)

	recipient := conv.OtherParticipant(sess.user.ID)
	hub.Broadcast(UserRoom(recipient), EventConversationUpdated, ConversationUpdatedPayload{
		ConversationID: conv.ID,
		LastMessage:    &p.Message,
	})

	if sess.server.bridge == nil {
		return
	}
	if hub.RoomHasUser(room, recipient) || conv.FlaggedBy(models.FlagMuted, recipient) {
		return
	}
	ctx, cancel := context.WithTimeout(sess.ctx, 3*time.Second)
	defer cancel()
	err := sess.server.bridge.Emit(ctx, recipient, models.KindMessage,
		"New message from "+sess.user.DisplayName, previewOf(&p.Message), p.Message.ID)
	if err != nil {
		sess.server.logger.Warn().Err(err).Msg("message notification failed")
	}
}

func previewOf(msg *models.Message) string {
	if msg.Content != "" {
		if len(msg.Content) > 120 {
			return msg.Content[:120]
		}
		return msg.Content
	}
	if len(msg.Attachments) > 0 {
		return "Sent an attachment"
	}
	return ""
}

func (sess *session) handleTyping(payload json.RawMessage, typing bool) {
	var p ConversationPayload
	if json.Unmarshal(payload, &p) != nil {
		return
	}
	if sess.conversationForUser(p.ConversationID) == nil {
		return
	}

	event := EventUserTyping
	if !typing {
		event = EventUserStopTyping
	}
	sess.server.hub.BroadcastExcept(ConversationRoom(p.ConversationID), event, TypingPayload{
		ConversationID: p.ConversationID,
		UserID:         sess.user.ID,
	}, sess)
}

// handleMessageRead persists the receipts, then broadcasts them; unlike
// typing this is a durable state change, not just a relay. The update is
// scoped to the named conversation and excludes the reader's own messages,
// so submitted ids cannot touch conversations the reader is not part of.
// Only the ids actually changed are broadcast.
func (sess *session) handleMessageRead(payload json.RawMessage) {
	var p MessageReadPayload
	if json.Unmarshal(payload, &p) != nil {
		return
	}
	if sess.conversationForUser(p.ConversationID) == nil {
		return
	}

	ctx, cancel := context.WithTimeout(sess.ctx, 5*time.Second)
	defer cancel()
	marked, err := sess.server.pg.MarkMessagesRead(ctx, p.ConversationID, sess.user.ID, p.MessageIDs)
	if err != nil {
		sess.server.logger.Warn().Err(err).Msg("mark read failed")
		return
	}
	if len(marked) == 0 {
		return
	}

	sess.server.hub.BroadcastExcept(ConversationRoom(p.ConversationID), EventMessageRead, MessageReadPayload{
		ConversationID: p.ConversationID,
		MessageIDs:     marked,
		ReaderID:       sess.user.ID,
	}, sess)
}
