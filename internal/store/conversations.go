package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/worklane-hq/worklane-messaging/internal/models"
)

const conversationColumns = `id, participant_a, participant_b, job_id,
	last_message_id, last_message_at, last_seq,
	pinned_by, archived_by, muted_by, created_at`

func scanConversation(row pgx.Row) (*models.Conversation, error) {
	conv := &models.Conversation{}
	err := row.Scan(
		&conv.ID,
		&conv.ParticipantA,
		&conv.ParticipantB,
		&conv.JobID,
		&conv.LastMessageID,
		&conv.LastMessageAt,
		&conv.LastSeq,
		&conv.PinnedBy,
		&conv.ArchivedBy,
		&conv.MutedBy,
		&conv.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// FindOrCreateConversation returns the canonical conversation for a
// participant pair and job scope, creating it if absent. The insert is an
// atomic upsert against the unique (pair, job) index, so two users racing
// to start the same conversation converge on one row. The bool reports
// whether the row was created by this call.
func (s *PostgresStore) FindOrCreateConversation(ctx context.Context, userA, userB uuid.UUID, jobID *uuid.UUID) (*models.Conversation, bool, error) {
	if userA == userB {
		return nil, false, errors.New("conversation requires two distinct participants")
	}
	a, b := models.CanonicalPair(userA, userB)

	var created bool
	conv := &models.Conversation{}
	// xmax = 0 only for rows inserted by this statement.
	err := s.pool.QueryRow(ctx, `
		INSERT INTO conversations (participant_a, participant_b, job_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (participant_a, participant_b, COALESCE(job_id, '00000000-0000-0000-0000-000000000000'::uuid))
		DO UPDATE SET participant_a = EXCLUDED.participant_a
		RETURNING `+conversationColumns+`, (xmax = 0)
	`, a, b, jobID).Scan(
		&conv.ID,
		&conv.ParticipantA,
		&conv.ParticipantB,
		&conv.JobID,
		&conv.LastMessageID,
		&conv.LastMessageAt,
		&conv.LastSeq,
		&conv.PinnedBy,
		&conv.ArchivedBy,
		&conv.MutedBy,
		&conv.CreatedAt,
		&created,
	)
	if err != nil {
		return nil, false, err
	}
	return conv, created, nil
}

// GetConversation retrieves a conversation by ID.
func (s *PostgresStore) GetConversation(ctx context.Context, id uuid.UUID) (*models.Conversation, error) {
	conv, err := scanConversation(s.pool.QueryRow(ctx, `
		SELECT `+conversationColumns+` FROM conversations WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return conv, nil
}

// ListConversationsForUser returns every conversation the user participates
// in, annotated with the other participant's display identity, the unread
// count and a last-message preview. Sorted by recency; pinned ordering is
// applied client-side where the pin set is per-user anyway.
func (s *PostgresStore) ListConversationsForUser(ctx context.Context, userID uuid.UUID) ([]models.ConversationSummary, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.id, c.participant_a, c.participant_b, c.job_id,
		       c.last_message_id, c.last_message_at, c.last_seq,
		       c.pinned_by, c.archived_by, c.muted_by, c.created_at,
		       u.id, u.role, u.display_name, u.avatar_url,
		       (SELECT COUNT(*) FROM messages m
		        WHERE m.conversation_id = c.id
		          AND m.sender_id <> $1
		          AND NOT m.is_read) AS unread_count
		FROM conversations c
		JOIN users u ON u.id = CASE WHEN c.participant_a = $1 THEN c.participant_b ELSE c.participant_a END
		WHERE c.participant_a = $1 OR c.participant_b = $1
		ORDER BY c.last_message_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var summaries []models.ConversationSummary
	for rows.Next() {
		var sum models.ConversationSummary
		err := rows.Scan(
			&sum.ID,
			&sum.ParticipantA,
			&sum.ParticipantB,
			&sum.JobID,
			&sum.LastMessageID,
			&sum.LastMessageAt,
			&sum.LastSeq,
			&sum.PinnedBy,
			&sum.ArchivedBy,
			&sum.MutedBy,
			&sum.CreatedAt,
			&sum.Peer.ID,
			&sum.Peer.Role,
			&sum.Peer.DisplayName,
			&sum.Peer.AvatarURL,
			&sum.UnreadCount,
		)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Resolve last-message previews in one pass.
	for i := range summaries {
		if summaries[i].LastMessageID == nil {
			continue
		}
		msg, err := s.GetMessage(ctx, *summaries[i].LastMessageID)
		if err != nil {
			return nil, err
		}
		summaries[i].LastMessage = msg
	}

	return summaries, nil
}

// TouchLastMessage sets the conversation's last-message pointer. Called once
// per successful send, never batched.
func (s *PostgresStore) TouchLastMessage(ctx context.Context, convID uuid.UUID, msg *models.Message) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE conversations
		SET last_message_id = $2, last_message_at = $3
		WHERE id = $1
	`, convID, msg.ID, msg.CreatedAt)
	return err
}

// ToggleConversationFlag flips the user's membership in one of the per-user
// flag sets as a single atomic update. Returns the new membership state.
func (s *PostgresStore) ToggleConversationFlag(ctx context.Context, convID, userID uuid.UUID, flag models.ConversationFlag) (bool, error) {
	if !models.ValidFlag(flag) {
		return false, fmt.Errorf("unknown conversation flag %q", flag)
	}
	column := string(flag) + "_by"

	var member bool
	err := s.pool.QueryRow(ctx, `
		UPDATE conversations
		SET `+column+` = CASE
			WHEN $2 = ANY(`+column+`) THEN array_remove(`+column+`, $2)
			ELSE array_append(`+column+`, $2)
		END
		WHERE id = $1
		RETURNING $2 = ANY(`+column+`)
	`, convID, userID).Scan(&member)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, pgx.ErrNoRows
		}
		return false, err
	}
	return member, nil
}

// ListPartnerIDs returns the distinct set of users sharing at least one
// conversation with userID. Used to scope presence broadcasts.
func (s *PostgresStore) ListPartnerIDs(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT CASE WHEN participant_a = $1 THEN participant_b ELSE participant_a END
		FROM conversations
		WHERE participant_a = $1 OR participant_b = $1
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var partners []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		partners = append(partners, id)
	}
	return partners, rows.Err()
}
