package worklane

import "time"

// Identity is the display subset of a user attached to conversations and
// messages.
type Identity struct {
	ID          string `json:"id"`
	Role        string `json:"role"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// Conversation is a two-party message thread, optionally scoped to a job.
type Conversation struct {
	ID            string    `json:"id"`
	ParticipantA  string    `json:"participant_a"`
	ParticipantB  string    `json:"participant_b"`
	JobID         string    `json:"job_id,omitempty"`
	LastMessageID string    `json:"last_message_id,omitempty"`
	LastMessageAt time.Time `json:"last_message_at"`
	PinnedBy      []string  `json:"pinned_by"`
	ArchivedBy    []string  `json:"archived_by"`
	MutedBy       []string  `json:"muted_by"`
	CreatedAt     time.Time `json:"created_at"`
}

// PinnedByUser reports whether userID has pinned the conversation.
func (c *Conversation) PinnedByUser(userID string) bool {
	for _, id := range c.PinnedBy {
		if id == userID {
			return true
		}
	}
	return false
}

// ConversationSummary is a conversation annotated for the requesting user.
type ConversationSummary struct {
	Conversation
	Peer        Identity `json:"peer"`
	UnreadCount int      `json:"unread_count"`
	LastMessage *Message `json:"last_message,omitempty"`
}

// Attachment describes one uploaded file referenced by a message.
type Attachment struct {
	Filename string `json:"filename"`
	Path     string `json:"path"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
}

// Reaction is one user's emoji reaction to a message.
type Reaction struct {
	Emoji  string `json:"emoji"`
	UserID string `json:"user_id"`
}

// ReplySnapshot is the denormalized view of a replied-to message.
type ReplySnapshot struct {
	ID       string `json:"id"`
	SenderID string `json:"sender_id"`
	Content  string `json:"content"`
}

// Message is one entry in a conversation's log. Pending is client-side
// state: true while an optimistic send awaits server confirmation, during
// which ID carries a temporary local value.
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	Seq            int64          `json:"seq"`
	SenderID       string         `json:"sender_id"`
	Sender         *Identity      `json:"sender,omitempty"`
	Content        string         `json:"content,omitempty"`
	Attachments    []Attachment   `json:"attachments,omitempty"`
	ReplyTo        string         `json:"reply_to,omitempty"`
	Reply          *ReplySnapshot `json:"reply,omitempty"`
	Reactions      []Reaction     `json:"reactions"`
	IsRead         bool           `json:"is_read"`
	ReadAt         *time.Time     `json:"read_at,omitempty"`
	Edited         bool           `json:"edited"`
	EditedAt       *time.Time     `json:"edited_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`

	Pending bool `json:"-"`
}

// Notification is one persisted notification record.
type Notification struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Kind      string    `json:"kind"`
	Title     string    `json:"title"`
	Body      string    `json:"body,omitempty"`
	RefID     string    `json:"ref_id,omitempty"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
}
