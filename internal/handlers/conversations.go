package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/worklane-hq/worklane-messaging/internal/api/middleware"
	"github.com/worklane-hq/worklane-messaging/internal/metrics"
	"github.com/worklane-hq/worklane-messaging/internal/models"
)

// OpenConversationRequest represents the find-or-create request body.
type OpenConversationRequest struct {
	ParticipantID string `json:"participant_id"`
	JobID         string `json:"job_id,omitempty"`
}

// OpenConversationResponse represents the find-or-create response.
type OpenConversationResponse struct {
	Conversation models.Conversation `json:"conversation"`
	Created      bool                `json:"created"`
}

// ConversationListResponse represents the conversation list response.
type ConversationListResponse struct {
	Conversations []models.ConversationSummary `json:"conversations"`
}

// ToggleFlagResponse reports the flag's state after a toggle.
type ToggleFlagResponse struct {
	Flag string `json:"flag"`
	Set  bool   `json:"set"`
}

// ListConversations handles fetching the authenticated user's conversation
// list, annotated with peer identity, unread count and last-message preview.
func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUserFromContext(r.Context())
	if user == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	summaries, err := h.pg.ListConversationsForUser(r.Context(), user.ID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}

	if summaries == nil {
		summaries = []models.ConversationSummary{}
	}
	h.JSON(w, http.StatusOK, ConversationListResponse{Conversations: summaries})
}

// OpenConversation handles find-or-create for a conversation with another
// user, optionally scoped to a job. Repeated calls with the same pair and
// job return the existing conversation.
func (h *Handler) OpenConversation(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUserFromContext(r.Context())
	if user == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req OpenConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	partnerID, err := uuid.Parse(req.ParticipantID)
	if err != nil {
		h.Error(w, http.StatusBadRequest, "invalid participant ID format")
		return
	}
	if partnerID == user.ID {
		h.Error(w, http.StatusBadRequest, "cannot open a conversation with yourself")
		return
	}

	var jobID *uuid.UUID
	if req.JobID != "" {
		id, err := uuid.Parse(req.JobID)
		if err != nil {
			h.Error(w, http.StatusBadRequest, "invalid job ID format")
			return
		}
		jobID = &id
	}

	// Check partner exists
	partner, err := h.pg.GetUserByID(r.Context(), partnerID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}
	if partner == nil {
		h.Error(w, http.StatusNotFound, "participant not found")
		return
	}

	conv, created, err := h.pg.FindOrCreateConversation(r.Context(), user.ID, partnerID, jobID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to open conversation")
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		metrics.ConversationsCreated.Inc()
	}
	h.JSON(w, status, OpenConversationResponse{Conversation: *conv, Created: created})
}

// ToggleConversationFlag handles pinning, archiving and muting. The same
// request toggles the flag on and off; the response reports the new state.
func (h *Handler) ToggleConversationFlag(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUserFromContext(r.Context())
	if user == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	convID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.Error(w, http.StatusBadRequest, "invalid conversation ID format")
		return
	}

	flag := models.ConversationFlag(chi.URLParam(r, "flag"))
	if !models.ValidFlag(flag) {
		h.Error(w, http.StatusBadRequest, "unknown flag")
		return
	}

	conv := h.conversationForParticipant(w, r, convID, user.ID)
	if conv == nil {
		return
	}

	set, err := h.pg.ToggleConversationFlag(r.Context(), convID, user.ID, flag)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to toggle flag")
		return
	}

	h.JSON(w, http.StatusOK, ToggleFlagResponse{Flag: string(flag), Set: set})
}

// conversationForParticipant loads a conversation and verifies membership.
// Non-participants get a 404, not a 403, so conversation ids leak nothing.
// Writes the error response and returns nil when the check fails.
func (h *Handler) conversationForParticipant(w http.ResponseWriter, r *http.Request, convID, userID uuid.UUID) *models.Conversation {
	conv, err := h.pg.GetConversation(r.Context(), convID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return nil
	}
	if conv == nil || !conv.HasParticipant(userID) {
		h.Error(w, http.StatusNotFound, "conversation not found")
		return nil
	}
	return conv
}
