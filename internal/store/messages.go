package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"

	"github.com/worklane-hq/worklane-messaging/internal/models"
)

const messageColumns = `m.id, m.conversation_id, m.seq, m.sender_id,
	m.content, m.attachments, m.reply_to, m.reactions,
	m.is_read, m.read_at, m.edited, m.edited_at, m.created_at,
	u.id, u.role, u.display_name, u.avatar_url`

func scanMessage(row pgx.Row) (*models.Message, error) {
	msg := &models.Message{Sender: &models.Identity{}}
	err := row.Scan(
		&msg.ID,
		&msg.ConversationID,
		&msg.Seq,
		&msg.SenderID,
		&msg.Content,
		&msg.Attachments,
		&msg.ReplyTo,
		&msg.Reactions,
		&msg.IsRead,
		&msg.ReadAt,
		&msg.Edited,
		&msg.EditedAt,
		&msg.CreatedAt,
		&msg.Sender.ID,
		&msg.Sender.Role,
		&msg.Sender.DisplayName,
		&msg.Sender.AvatarURL,
	)
	if err != nil {
		return nil, err
	}
	if msg.Reactions == nil {
		msg.Reactions = []models.Reaction{}
	}
	return msg, nil
}

// AppendMessage appends a message to a conversation's log. The seq number is
// allocated by atomically incrementing the conversation's counter inside the
// same transaction as the insert, so the (created_at, seq) order is total.
func (s *PostgresStore) AppendMessage(ctx context.Context, convID, senderID uuid.UUID, content string, attachments []models.Attachment, replyTo *string) (*models.Message, error) {
	if content == "" && len(attachments) == 0 {
		return nil, ErrEmptyMessage
	}
	if attachments == nil {
		attachments = []models.Attachment{}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var seq int64
	err = tx.QueryRow(ctx, `
		UPDATE conversations SET last_seq = last_seq + 1
		WHERE id = $1
		RETURNING last_seq
	`, convID).Scan(&seq)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	// A reply must point at a message in the same conversation.
	if replyTo != nil {
		var replyConv uuid.UUID
		err = tx.QueryRow(ctx, `SELECT conversation_id FROM messages WHERE id = $1`, *replyTo).Scan(&replyConv)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, errors.New("replied-to message not found")
			}
			return nil, err
		}
		if replyConv != convID {
			return nil, errors.New("replied-to message belongs to a different conversation")
		}
	}

	id := ulid.Make().String()
	now := time.Now().UTC()
	_, err = tx.Exec(ctx, `
		INSERT INTO messages (id, conversation_id, seq, sender_id, content, attachments, reply_to, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, id, convID, seq, senderID, content, attachments, replyTo, now)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	return s.GetMessage(ctx, id)
}

// GetMessage retrieves a message by ID with its sender identity resolved.
func (s *PostgresStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	msg, err := scanMessage(s.pool.QueryRow(ctx, `
		SELECT `+messageColumns+`
		FROM messages m JOIN users u ON u.id = m.sender_id
		WHERE m.id = $1
	`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return msg, nil
}

// ListMessages returns one page of a conversation's log, newest-first from
// storage and reversed to oldest-first for the caller. Side effect: every
// unread message not authored by the requester is marked read; the ids
// marked are returned so the caller can fan out read receipts.
func (s *PostgresStore) ListMessages(ctx context.Context, convID, requesterID uuid.UUID, page, pageSize int) ([]models.Message, []string, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 200 {
		pageSize = 50
	}
	offset := (page - 1) * pageSize

	rows, err := s.pool.Query(ctx, `
		SELECT `+messageColumns+`
		FROM messages m JOIN users u ON u.id = m.sender_id
		WHERE m.conversation_id = $1
		ORDER BY m.created_at DESC, m.seq DESC
		LIMIT $2 OFFSET $3
	`, convID, pageSize, offset)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, nil, err
		}
		messages = append(messages, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	// Reverse to oldest-first so the UI renders top-to-bottom.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	// Read receipts are fetch-triggered: viewing the page marks everything
	// from the other side read.
	readIDs, err := s.markConversationRead(ctx, convID, requesterID)
	if err != nil {
		return nil, nil, err
	}
	readSet := make(map[string]bool, len(readIDs))
	for _, id := range readIDs {
		readSet[id] = true
	}
	now := time.Now().UTC()
	for i := range messages {
		if readSet[messages[i].ID] {
			messages[i].IsRead = true
			messages[i].ReadAt = &now
		}
	}

	if err := s.resolveReplies(ctx, messages); err != nil {
		return nil, nil, err
	}

	return messages, readIDs, nil
}

// markConversationRead marks every unread message in the conversation not
// authored by userID as read, returning the affected ids.
func (s *PostgresStore) markConversationRead(ctx context.Context, convID, userID uuid.UUID) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE messages SET is_read = TRUE, read_at = NOW()
		WHERE conversation_id = $1 AND sender_id <> $2 AND NOT is_read
		RETURNING id
	`, convID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// resolveReplies attaches denormalized snapshots of replied-to messages.
func (s *PostgresStore) resolveReplies(ctx context.Context, messages []models.Message) error {
	var ids []string
	for i := range messages {
		if messages[i].ReplyTo != nil {
			ids = append(ids, *messages[i].ReplyTo)
		}
	}
	if len(ids) == 0 {
		return nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, sender_id, content FROM messages WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()

	snapshots := make(map[string]models.ReplySnapshot, len(ids))
	for rows.Next() {
		var snap models.ReplySnapshot
		if err := rows.Scan(&snap.ID, &snap.SenderID, &snap.Content); err != nil {
			return err
		}
		snapshots[snap.ID] = snap
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for i := range messages {
		if messages[i].ReplyTo == nil {
			continue
		}
		if snap, ok := snapshots[*messages[i].ReplyTo]; ok {
			messages[i].Reply = &snap
		}
	}
	return nil
}

// MarkMessageRead marks a single message read. Idempotent: a message already
// read keeps its original read_at.
func (s *PostgresStore) MarkMessageRead(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE messages SET is_read = TRUE, read_at = NOW()
		WHERE id = $1 AND NOT is_read
	`, id)
	return err
}

// MarkMessagesRead marks a batch of messages read in one statement, scoped to
// the given conversation and excluding the reader's own messages, so a caller
// cannot touch messages outside the conversation it was authorized for.
// Returns the ids actually changed.
func (s *PostgresStore) MarkMessagesRead(ctx context.Context, convID, readerID uuid.UUID, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx, `
		UPDATE messages SET is_read = TRUE, read_at = NOW()
		WHERE id = ANY($3) AND conversation_id = $1 AND sender_id <> $2 AND NOT is_read
		RETURNING id
	`, convID, readerID, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var marked []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		marked = append(marked, id)
	}
	return marked, rows.Err()
}

// EditMessage updates a message's content. Only the original sender may edit.
func (s *PostgresStore) EditMessage(ctx context.Context, id string, senderID uuid.UUID, content string) (*models.Message, error) {
	if content == "" {
		return nil, ErrEmptyMessage
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE messages SET content = $3, edited = TRUE, edited_at = NOW()
		WHERE id = $1 AND sender_id = $2
	`, id, senderID, content)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		existing, err := s.GetMessage(ctx, id)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, nil
		}
		return nil, ErrNotSender
	}
	return s.GetMessage(ctx, id)
}

// DeleteMessage hard-removes a message. Only the original sender may delete.
func (s *PostgresStore) DeleteMessage(ctx context.Context, id string, senderID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM messages WHERE id = $1 AND sender_id = $2
	`, id, senderID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		existing, err := s.GetMessage(ctx, id)
		if err != nil {
			return err
		}
		if existing == nil {
			return ErrMessageNotFound
		}
		return ErrNotSender
	}
	return nil
}

// ToggleReaction adds the (user, emoji) reaction if absent, removes it if
// present, and returns the full updated list. The row lock keeps concurrent
// toggles from losing each other's writes.
func (s *PostgresStore) ToggleReaction(ctx context.Context, id string, userID uuid.UUID, emoji string) ([]models.Reaction, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var reactions []models.Reaction
	err = tx.QueryRow(ctx, `
		SELECT reactions FROM messages WHERE id = $1 FOR UPDATE
	`, id).Scan(&reactions)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	updated := make([]models.Reaction, 0, len(reactions)+1)
	removed := false
	for _, r := range reactions {
		if r.UserID == userID && r.Emoji == emoji {
			removed = true
			continue
		}
		updated = append(updated, r)
	}
	if !removed {
		updated = append(updated, models.Reaction{Emoji: emoji, UserID: userID})
	}

	_, err = tx.Exec(ctx, `UPDATE messages SET reactions = $2 WHERE id = $1`, id, updated)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return updated, nil
}
