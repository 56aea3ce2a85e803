package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/worklane-hq/worklane-messaging/internal/api/middleware"
	"github.com/worklane-hq/worklane-messaging/internal/models"
)

// NotificationListResponse represents the notification list response,
// newest-first.
type NotificationListResponse struct {
	Notifications []models.Notification `json:"notifications"`
}

// ListNotifications handles fetching the authenticated user's notifications.
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUserFromContext(r.Context())
	if user == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit < 1 || limit > 100 {
		limit = 50
	}

	notifications, err := h.pg.ListNotifications(r.Context(), user.ID, limit)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to fetch notifications")
		return
	}

	if notifications == nil {
		notifications = []models.Notification{}
	}
	h.JSON(w, http.StatusOK, NotificationListResponse{Notifications: notifications})
}

// MarkNotificationRead handles marking one of the user's notifications read.
// Scoped to the owner; someone else's notification id is a no-op 404.
func (h *Handler) MarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUserFromContext(r.Context())
	if user == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.Error(w, http.StatusBadRequest, "invalid notification ID format")
		return
	}

	if err := h.pg.MarkNotificationRead(r.Context(), id, user.ID); err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to mark notification read")
		return
	}

	h.JSON(w, http.StatusOK, map[string]bool{"read": true})
}
