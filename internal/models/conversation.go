package models

import (
	"time"

	"github.com/google/uuid"
)

// ConversationFlag names one of the per-user conversation sets.
type ConversationFlag string

const (
	FlagPinned   ConversationFlag = "pinned"
	FlagArchived ConversationFlag = "archived"
	FlagMuted    ConversationFlag = "muted"
)

// ValidFlag reports whether f is one of the three toggleable flags.
func ValidFlag(f ConversationFlag) bool {
	return f == FlagPinned || f == FlagArchived || f == FlagMuted
}

// Conversation is a two-party message thread, optionally scoped to a job.
// Participants are stored in canonical order (lower UUID first) so the
// (pair, job) uniqueness constraint is order-independent.
type Conversation struct {
	ID            uuid.UUID   `json:"id"`
	ParticipantA  uuid.UUID   `json:"participant_a"`
	ParticipantB  uuid.UUID   `json:"participant_b"`
	JobID         *uuid.UUID  `json:"job_id,omitempty"`
	LastMessageID *string     `json:"last_message_id,omitempty"`
	LastMessageAt time.Time   `json:"last_message_at"`
	LastSeq       int64       `json:"-"`
	PinnedBy      []uuid.UUID `json:"pinned_by"`
	ArchivedBy    []uuid.UUID `json:"archived_by"`
	MutedBy       []uuid.UUID `json:"muted_by"`
	CreatedAt     time.Time   `json:"created_at"`
}

// HasParticipant reports whether userID is one of the two participants.
func (c *Conversation) HasParticipant(userID uuid.UUID) bool {
	return c.ParticipantA == userID || c.ParticipantB == userID
}

// OtherParticipant returns the participant that is not userID.
func (c *Conversation) OtherParticipant(userID uuid.UUID) uuid.UUID {
	if c.ParticipantA == userID {
		return c.ParticipantB
	}
	return c.ParticipantA
}

// FlagSet returns the membership set for the named flag.
func (c *Conversation) FlagSet(f ConversationFlag) []uuid.UUID {
	switch f {
	case FlagPinned:
		return c.PinnedBy
	case FlagArchived:
		return c.ArchivedBy
	case FlagMuted:
		return c.MutedBy
	}
	return nil
}

// FlaggedBy reports whether userID is a member of the named flag set.
func (c *Conversation) FlaggedBy(f ConversationFlag, userID uuid.UUID) bool {
	for _, id := range c.FlagSet(f) {
		if id == userID {
			return true
		}
	}
	return false
}

// CanonicalPair returns a and b in canonical storage order.
func CanonicalPair(a, b uuid.UUID) (uuid.UUID, uuid.UUID) {
	if a.String() > b.String() {
		return b, a
	}
	return a, b
}

// ConversationSummary is a conversation annotated for the requesting user:
// the other participant's display identity, unread count and a last-message
// preview.
type ConversationSummary struct {
	Conversation
	Peer        Identity `json:"peer"`
	UnreadCount int      `json:"unread_count"`
	LastMessage *Message `json:"last_message,omitempty"`
}
