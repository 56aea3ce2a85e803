package realtime

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/worklane-hq/worklane-messaging/internal/models"
)

// Client-to-server event types.
const (
	EventJoinConversation  = "join_conversation"
	EventLeaveConversation = "leave_conversation"
	EventSendMessage       = "send_message"
	EventTyping            = "typing"
	EventStopTyping        = "stop_typing"
	EventMessageRead       = "message_read"
)

// Server-to-client event types.
const (
	EventNewMessage          = "new_message"
	EventConversationUpdated = "conversation_updated"
	EventUserTyping          = "user_typing"
	EventUserStopTyping      = "user_stop_typing"
	EventUserOnline          = "user_online"
	EventUserOffline         = "user_offline"
	EventMessageReaction     = "message_reaction"
	EventMessageUpdated      = "message_updated"
	EventMessageDeleted      = "message_deleted"
	EventNotification        = "notification"
	EventError               = "error"
)

// Envelope is the wire format for every realtime event in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MarshalEnvelope builds the wire bytes for an outbound event.
func MarshalEnvelope(eventType string, payload interface{}) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return json.Marshal(Envelope{Type: eventType, Payload: raw})
}

// ConversationPayload identifies a conversation (join/leave/typing scope).
type ConversationPayload struct {
	ConversationID uuid.UUID `json:"conversation_id"`
}

// SendMessagePayload triggers fan-out of an already-persisted message. The
// write happened over REST first; this event only distributes it. The
// recipient is derived server-side from the conversation.
type SendMessagePayload struct {
	Message models.Message `json:"message"`
}

// TypingPayload is the server-side broadcast of a typing state change.
type TypingPayload struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	UserID         uuid.UUID `json:"user_id"`
}

// MessageReadPayload carries read receipts. Client-to-server it requests
// persistence; server-to-client it informs the sender's UI.
type MessageReadPayload struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	MessageIDs     []string  `json:"message_ids"`
	ReaderID       uuid.UUID `json:"reader_id,omitempty"`
}

// ConversationUpdatedPayload refreshes a recipient's conversation-list
// preview without requiring the conversation to be open.
type ConversationUpdatedPayload struct {
	ConversationID uuid.UUID       `json:"conversation_id"`
	LastMessage    *models.Message `json:"last_message,omitempty"`
}

// PresencePayload announces a user going online or offline.
type PresencePayload struct {
	UserID uuid.UUID `json:"user_id"`
}

// ReactionPayload carries the full updated reaction list for a message, not
// a delta, so clients replace their local copy wholesale.
type ReactionPayload struct {
	ConversationID uuid.UUID         `json:"conversation_id"`
	MessageID      string            `json:"message_id"`
	Reactions      []models.Reaction `json:"reactions"`
}

// MessageUpdatedPayload carries an edited message.
type MessageUpdatedPayload struct {
	Message models.Message `json:"message"`
}

// MessageDeletedPayload identifies a removed message.
type MessageDeletedPayload struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	MessageID      string    `json:"message_id"`
}

// ErrorPayload is sent to a client whose event could not be handled.
type ErrorPayload struct {
	Message string `json:"message"`
}
