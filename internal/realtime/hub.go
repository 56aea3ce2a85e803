package realtime

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/worklane-hq/worklane-messaging/internal/metrics"
	"github.com/worklane-hq/worklane-messaging/internal/models"
)

// roomMember receives marshaled events and identifies its user. Sessions
// implement it; tests substitute fakes.
type roomMember interface {
	deliver(data []byte)
	memberID() uuid.UUID
}

// UserRoom names the personal room containing all of one user's sessions.
func UserRoom(userID uuid.UUID) string {
	return "user:" + userID.String()
}

// ConversationRoom names the room for sessions with a conversation open.
func ConversationRoom(convID uuid.UUID) string {
	return "conv:" + convID.String()
}

// Hub tracks room membership and fans events out to room members. Rooms are
// either personal (one per user, joined at connect) or per-conversation
// (joined and left explicitly by the client).
type Hub struct {
	mu     sync.Mutex
	rooms  map[string]map[roomMember]struct{}
	logger zerolog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		rooms:  make(map[string]map[roomMember]struct{}),
		logger: logger,
	}
}

// Join adds a member to a room.
func (h *Hub) Join(room string, m roomMember) {
	h.mu.Lock()
	defer h.mu.Unlock()

	members, ok := h.rooms[room]
	if !ok {
		members = make(map[roomMember]struct{})
		h.rooms[room] = members
	}
	members[m] = struct{}{}
}

// Leave removes a member from a room, dropping the room once empty.
func (h *Hub) Leave(room string, m roomMember) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(room, m)
}

func (h *Hub) leaveLocked(room string, m roomMember) {
	members, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(members, m)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

// LeaveAll removes a member from every room it joined.
func (h *Hub) LeaveAll(m roomMember) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for room := range h.rooms {
		h.leaveLocked(room, m)
	}
}

// RoomHasUser reports whether any of the user's sessions is in the room.
// The bridge uses this to decide whether a recipient needs a notification
// instead of an in-room delivery.
func (h *Hub) RoomHasUser(room string, userID uuid.UUID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	for m := range h.rooms[room] {
		if m.memberID() == userID {
			return true
		}
	}
	return false
}

// Broadcast sends an event to every member of a room.
func (h *Hub) Broadcast(room, eventType string, payload interface{}) {
	h.broadcast(room, eventType, payload, nil)
}

// BroadcastExcept sends an event to every member of a room but the sender.
// Used for typing and read receipts, where echoing to the origin is noise.
func (h *Hub) BroadcastExcept(room, eventType string, payload interface{}, except roomMember) {
	h.broadcast(room, eventType, payload, except)
}

func (h *Hub) broadcast(room, eventType string, payload interface{}, except roomMember) {
	data, err := MarshalEnvelope(eventType, payload)
	if err != nil {
		h.logger.Error().Err(err).Str("event", eventType).Msg("failed to marshal event")
		return
	}

	h.mu.Lock()
	members := make([]roomMember, 0, len(h.rooms[room]))
	for m := range h.rooms[room] {
		if m == except {
			continue
		}
		members = append(members, m)
	}
	h.mu.Unlock()

	for _, m := range members {
		m.deliver(data)
	}
	if len(members) > 0 {
		metrics.EventsFannedOut.WithLabelValues(eventType).Add(float64(len(members)))
	}
}

// PushNotification implements notify.Pusher: best-effort delivery to the
// recipient's personal room.
func (h *Hub) PushNotification(userID uuid.UUID, n *models.Notification) {
	h.Broadcast(UserRoom(userID), EventNotification, n)
}
