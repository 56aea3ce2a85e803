package handlers

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/worklane-hq/worklane-messaging/internal/api/middleware"
)

// PresenceResponse lists the requester's conversation partners currently
// online. Presence is partner-scoped; there is no global online list.
type PresenceResponse struct {
	Online []uuid.UUID `json:"online"`
}

// Presence handles the initial presence sync: which of the user's
// conversation partners are online right now. Later changes arrive as
// user_online and user_offline events.
func (h *Handler) Presence(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUserFromContext(r.Context())
	if user == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	partners, err := h.pg.ListPartnerIDs(r.Context(), user.ID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}

	online, err := h.redis.FilterOnline(r.Context(), partners)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "presence lookup failed")
		return
	}

	if online == nil {
		online = []uuid.UUID{}
	}
	h.JSON(w, http.StatusOK, PresenceResponse{Online: online})
}
