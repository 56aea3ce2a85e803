package models

import (
	"time"

	"github.com/google/uuid"
)

// Attachment describes one uploaded file referenced by a message. Upload
// handling itself is an external collaborator; messages only carry the
// stored reference.
type Attachment struct {
	Filename string `json:"filename"`
	Path     string `json:"path"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
}

// Reaction is one user's emoji reaction to a message.
type Reaction struct {
	Emoji  string    `json:"emoji"`
	UserID uuid.UUID `json:"user_id"`
}

// ReplySnapshot is the denormalized view of a replied-to message, resolved
// at read time so deleting the original never dangles a foreign key.
type ReplySnapshot struct {
	ID       string    `json:"id"`
	SenderID uuid.UUID `json:"sender_id"`
	Content  string    `json:"content"`
}

// Message belongs to exactly one conversation. ID is a ULID so server ids
// sort by creation time; Seq is the per-conversation tie-break that makes
// ordering total even for same-timestamp bulk inserts.
type Message struct {
	ID             string         `json:"id"`
	ConversationID uuid.UUID      `json:"conversation_id"`
	Seq            int64          `json:"seq"`
	SenderID       uuid.UUID      `json:"sender_id"`
	Sender         *Identity      `json:"sender,omitempty"`
	Content        string         `json:"content,omitempty"`
	Attachments    []Attachment   `json:"attachments,omitempty"`
	ReplyTo        *string        `json:"reply_to,omitempty"`
	Reply          *ReplySnapshot `json:"reply,omitempty"`
	Reactions      []Reaction     `json:"reactions"`
	IsRead         bool           `json:"is_read"`
	ReadAt         *time.Time     `json:"read_at,omitempty"`
	Edited         bool           `json:"edited"`
	EditedAt       *time.Time     `json:"edited_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Empty reports whether the message carries neither text nor attachments.
func (m *Message) Empty() bool {
	return m.Content == "" && len(m.Attachments) == 0
}
