package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/worklane-hq/worklane-messaging/internal/models"
)

// ErrEmptyMessage is returned when a message carries neither content nor
// attachments.
var ErrEmptyMessage = errors.New("message requires content or attachments")

// ErrNotSender is returned when a mutation is attempted by someone other
// than the message's original sender.
var ErrNotSender = errors.New("only the sender may modify this message")

// ErrMessageNotFound is returned by deletes targeting a missing message.
// Reads use the (nil, nil) convention instead.
var ErrMessageNotFound = errors.New("message not found")

// DataStore defines the interface for persistent storage. PostgresStore is
// the production implementation; handlers depend on the interface so tests
// can substitute a fake.
type DataStore interface {
	// Connection management
	Close()
	Ping(ctx context.Context) error

	// User operations
	GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	GetUserByPublicKey(ctx context.Context, publicKey string) (*models.User, error)

	// Conversation operations
	FindOrCreateConversation(ctx context.Context, userA, userB uuid.UUID, jobID *uuid.UUID) (*models.Conversation, bool, error)
	GetConversation(ctx context.Context, id uuid.UUID) (*models.Conversation, error)
	ListConversationsForUser(ctx context.Context, userID uuid.UUID) ([]models.ConversationSummary, error)
	TouchLastMessage(ctx context.Context, convID uuid.UUID, msg *models.Message) error
	ToggleConversationFlag(ctx context.Context, convID, userID uuid.UUID, flag models.ConversationFlag) (bool, error)
	ListPartnerIDs(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error)

	// Message operations
	AppendMessage(ctx context.Context, convID, senderID uuid.UUID, content string, attachments []models.Attachment, replyTo *string) (*models.Message, error)
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	ListMessages(ctx context.Context, convID, requesterID uuid.UUID, page, pageSize int) ([]models.Message, []string, error)
	MarkMessageRead(ctx context.Context, id string) error
	MarkMessagesRead(ctx context.Context, convID, readerID uuid.UUID, ids []string) ([]string, error)
	EditMessage(ctx context.Context, id string, senderID uuid.UUID, content string) (*models.Message, error)
	DeleteMessage(ctx context.Context, id string, senderID uuid.UUID) error
	ToggleReaction(ctx context.Context, id string, senderID uuid.UUID, emoji string) ([]models.Reaction, error)

	// Notification operations
	CreateNotification(ctx context.Context, n *models.Notification) error
	ListNotifications(ctx context.Context, userID uuid.UUID, limit int) ([]models.Notification, error)
	MarkNotificationRead(ctx context.Context, id, userID uuid.UUID) error
}
