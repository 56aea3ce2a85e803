package models

import (
	"time"

	"github.com/google/uuid"
)

// NotificationKind classifies what state change produced a notification.
// The messaging layer emits KindMessage itself; the remaining kinds are
// emitted by the marketplace's CRUD controllers through the notify bridge.
type NotificationKind string

const (
	KindMessage             NotificationKind = "message"
	KindJobAssigned         NotificationKind = "job_assigned"
	KindApplicationAccepted NotificationKind = "application_accepted"
	KindApplicationRejected NotificationKind = "application_rejected"
	KindSubmissionReviewed  NotificationKind = "submission_reviewed"
	KindReviewReceived      NotificationKind = "review_received"
)

// Notification is the persisted record; the realtime push is only a latency
// optimization on top of it.
type Notification struct {
	ID        uuid.UUID        `json:"id"`
	UserID    uuid.UUID        `json:"user_id"`
	Kind      NotificationKind `json:"kind"`
	Title     string           `json:"title"`
	Body      string           `json:"body,omitempty"`
	RefID     string           `json:"ref_id,omitempty"`
	Read      bool             `json:"read"`
	CreatedAt time.Time        `json:"created_at"`
}
