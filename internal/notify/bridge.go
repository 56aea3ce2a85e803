// Package notify persists notification records and forwards them, best
// effort, into the realtime channel.
package notify

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/worklane-hq/worklane-messaging/internal/metrics"
	"github.com/worklane-hq/worklane-messaging/internal/models"
)

// Pusher delivers a notification to a user's personal room. Implemented by
// the realtime hub; nil when no socket server is registered.
type Pusher interface {
	PushNotification(userID uuid.UUID, n *models.Notification)
}

// Store is the persistence surface the bridge needs.
type Store interface {
	CreateNotification(ctx context.Context, n *models.Notification) error
}

// Bridge writes a notification row and, if a pusher is attached, emits it to
// the recipient's personal room. The push has no retry and no delivery
// guarantee; the persisted row is the durable source of truth and the socket
// push is purely a latency optimization.
type Bridge struct {
	store  Store
	pusher Pusher
	logger zerolog.Logger
}

// NewBridge creates a bridge without a pusher attached.
func NewBridge(store Store, logger zerolog.Logger) *Bridge {
	return &Bridge{store: store, logger: logger}
}

// AttachPusher registers the realtime handle used for best-effort delivery.
func (b *Bridge) AttachPusher(p Pusher) {
	b.pusher = p
}

// Emit persists the notification and forwards it to the recipient if a
// pusher is attached. A failed push is not an error; a failed write is.
func (b *Bridge) Emit(ctx context.Context, userID uuid.UUID, kind models.NotificationKind, title, body, refID string) error {
	n := &models.Notification{
		UserID: userID,
		Kind:   kind,
		Title:  title,
		Body:   body,
		RefID:  refID,
	}
	if err := b.store.CreateNotification(ctx, n); err != nil {
		return err
	}

	metrics.NotificationsEmitted.WithLabelValues(string(kind)).Inc()

	if b.pusher != nil {
		b.pusher.PushNotification(userID, n)
	}

	b.logger.Debug().
		Str("user_id", userID.String()).
		Str("kind", string(kind)).
		Msg("notification emitted")

	return nil
}
