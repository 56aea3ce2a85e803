package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/worklane-hq/worklane-messaging/internal/crypto"
	"github.com/worklane-hq/worklane-messaging/internal/models"
)

// CreateNotification persists a notification record. The ID and timestamp
// are assigned here if unset.
func (s *PostgresStore) CreateNotification(ctx context.Context, n *models.Notification) error {
	if n.ID == uuid.Nil {
		n.ID = crypto.NewUUIDv7()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO notifications (id, user_id, kind, title, body, ref_id, read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
	`, n.ID, n.UserID, n.Kind, n.Title, n.Body, n.RefID, n.CreatedAt)
	return err
}

// ListNotifications returns the user's most recent notifications.
func (s *PostgresStore) ListNotifications(ctx context.Context, userID uuid.UUID, limit int) ([]models.Notification, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, kind, title, body, ref_id, read, created_at
		FROM notifications
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notifications []models.Notification
	for rows.Next() {
		var n models.Notification
		err := rows.Scan(&n.ID, &n.UserID, &n.Kind, &n.Title, &n.Body, &n.RefID, &n.Read, &n.CreatedAt)
		if err != nil {
			return nil, err
		}
		notifications = append(notifications, n)
	}
	return notifications, rows.Err()
}

// MarkNotificationRead marks one of the user's notifications read. Marking
// an already-read notification is a no-op.
func (s *PostgresStore) MarkNotificationRead(ctx context.Context, id, userID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE notifications SET read = TRUE
		WHERE id = $1 AND user_id = $2 AND NOT read
	`, id, userID)
	return err
}
