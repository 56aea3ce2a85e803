package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/worklane-hq/worklane-messaging/internal/api/middleware"
	"github.com/worklane-hq/worklane-messaging/internal/metrics"
	"github.com/worklane-hq/worklane-messaging/internal/models"
	"github.com/worklane-hq/worklane-messaging/internal/realtime"
	"github.com/worklane-hq/worklane-messaging/internal/store"
)

// SendMessageRequest represents the send message request body. A message
// needs content or at least one attachment.
type SendMessageRequest struct {
	Content     string              `json:"content"`
	Attachments []models.Attachment `json:"attachments,omitempty"`
	ReplyTo     *string             `json:"reply_to,omitempty"`
}

// EditMessageRequest represents the edit request body.
type EditMessageRequest struct {
	Content string `json:"content"`
}

// ToggleReactionRequest represents the reaction toggle request body.
type ToggleReactionRequest struct {
	Emoji string `json:"emoji"`
}

// MessageListResponse represents one page of a conversation's messages,
// oldest-first.
type MessageListResponse struct {
	Messages []models.Message `json:"messages"`
	Page     int              `json:"page"`
	PageSize int              `json:"page_size"`
}

// ReactionListResponse carries the full reaction list after a toggle.
type ReactionListResponse struct {
	Reactions []models.Reaction `json:"reactions"`
}

// ListMessages handles fetching a page of a conversation's messages. Side
// effect: the fetch marks the other side's unread messages as read, and the
// resulting receipts are broadcast to the conversation room.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
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

	if h.conversationForParticipant(w, r, convID, user.ID) == nil {
		return
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))

	messages, readIDs, err := h.pg.ListMessages(r.Context(), convID, user.ID, page, pageSize)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to fetch messages")
		return
	}

	if len(readIDs) > 0 && h.hub != nil {
		h.hub.Broadcast(realtime.ConversationRoom(convID), realtime.EventMessageRead, realtime.MessageReadPayload{
			ConversationID: convID,
			MessageIDs:     readIDs,
			ReaderID:       user.ID,
		})
	}

	if messages == nil {
		messages = []models.Message{}
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 200 {
		pageSize = 50
	}
	h.JSON(w, http.StatusOK, MessageListResponse{Messages: messages, Page: page, PageSize: pageSize})
}

// SendMessage handles appending a message to a conversation. The write is
// the durable step; realtime fan-out happens over the socket via the
// sender's send_message event, and offline recipients pick the message up on
// their next fetch.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
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

	conv := h.conversationForParticipant(w, r, convID, user.ID)
	if conv == nil {
		return
	}

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	content := sanitizeContent(req.Content)
	if len(content) > maxContentLength {
		h.Error(w, http.StatusUnprocessableEntity, "content too long (max 8192 bytes)")
		return
	}
	if content == "" && len(req.Attachments) == 0 {
		h.Error(w, http.StatusBadRequest, "message requires content or attachments")
		return
	}

	msg, err := h.pg.AppendMessage(r.Context(), convID, user.ID, content, req.Attachments, req.ReplyTo)
	if err != nil {
		if errors.Is(err, store.ErrEmptyMessage) {
			h.Error(w, http.StatusBadRequest, "message requires content or attachments")
			return
		}
		h.Error(w, http.StatusInternalServerError, "failed to send message")
		return
	}
	if msg == nil {
		h.Error(w, http.StatusNotFound, "conversation not found")
		return
	}

	if err := h.pg.TouchLastMessage(r.Context(), convID, msg); err != nil {
		h.logger.Warn().Err(err).Str("conversation_id", convID.String()).Msg("failed to update conversation preview")
	}

	metrics.MessagesSent.Inc()
	h.JSON(w, http.StatusCreated, msg)
}

// EditMessage handles updating a message's content. Sender-only; the edited
// message keeps its position in the log.
func (h *Handler) EditMessage(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUserFromContext(r.Context())
	if user == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req EditMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	content := sanitizeContent(req.Content)
	if content == "" {
		h.Error(w, http.StatusBadRequest, "content is required")
		return
	}
	if len(content) > maxContentLength {
		h.Error(w, http.StatusUnprocessableEntity, "content too long (max 8192 bytes)")
		return
	}

	msg, err := h.pg.EditMessage(r.Context(), chi.URLParam(r, "id"), user.ID, content)
	if err != nil {
		if errors.Is(err, store.ErrNotSender) {
			h.Error(w, http.StatusForbidden, "only the sender may edit this message")
			return
		}
		h.Error(w, http.StatusInternalServerError, "failed to edit message")
		return
	}
	if msg == nil {
		h.Error(w, http.StatusNotFound, "message not found")
		return
	}

	if h.hub != nil {
		h.hub.Broadcast(realtime.ConversationRoom(msg.ConversationID), realtime.EventMessageUpdated, realtime.MessageUpdatedPayload{Message: *msg})
	}

	h.JSON(w, http.StatusOK, msg)
}

// DeleteMessage handles removing a message. Sender-only hard delete.
func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUserFromContext(r.Context())
	if user == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	id := chi.URLParam(r, "id")

	// Resolve the conversation before the row disappears.
	msg, err := h.pg.GetMessage(r.Context(), id)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}
	if msg == nil {
		h.Error(w, http.StatusNotFound, "message not found")
		return
	}

	if err := h.pg.DeleteMessage(r.Context(), id, user.ID); err != nil {
		switch {
		case errors.Is(err, store.ErrNotSender):
			h.Error(w, http.StatusForbidden, "only the sender may delete this message")
		case errors.Is(err, store.ErrMessageNotFound):
			h.Error(w, http.StatusNotFound, "message not found")
		default:
			h.Error(w, http.StatusInternalServerError, "failed to delete message")
		}
		return
	}

	if h.hub != nil {
		h.hub.Broadcast(realtime.ConversationRoom(msg.ConversationID), realtime.EventMessageDeleted, realtime.MessageDeletedPayload{
			ConversationID: msg.ConversationID,
			MessageID:      id,
		})
	}

	h.JSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

// ToggleReaction handles adding or removing a (user, emoji) reaction. The
// response and the broadcast both carry the full updated list.
func (h *Handler) ToggleReaction(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUserFromContext(r.Context())
	if user == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req ToggleReactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Emoji == "" || len(req.Emoji) > 32 {
		h.Error(w, http.StatusBadRequest, "invalid emoji")
		return
	}

	id := chi.URLParam(r, "id")
	msg, err := h.pg.GetMessage(r.Context(), id)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}
	if msg == nil {
		h.Error(w, http.StatusNotFound, "message not found")
		return
	}
	if h.conversationForParticipant(w, r, msg.ConversationID, user.ID) == nil {
		return
	}

	reactions, err := h.pg.ToggleReaction(r.Context(), id, user.ID, req.Emoji)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to toggle reaction")
		return
	}
	if reactions == nil {
		reactions = []models.Reaction{}
	}

	if h.hub != nil {
		h.hub.Broadcast(realtime.ConversationRoom(msg.ConversationID), realtime.EventMessageReaction, realtime.ReactionPayload{
			ConversationID: msg.ConversationID,
			MessageID:      id,
			Reactions:      reactions,
		})
	}

	h.JSON(w, http.StatusOK, ReactionListResponse{Reactions: reactions})
}

// MarkMessageRead handles marking a single message read. Idempotent: marking
// an already-read message changes nothing.
func (h *Handler) MarkMessageRead(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUserFromContext(r.Context())
	if user == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	id := chi.URLParam(r, "id")
	msg, err := h.pg.GetMessage(r.Context(), id)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}
	if msg == nil {
		h.Error(w, http.StatusNotFound, "message not found")
		return
	}
	if h.conversationForParticipant(w, r, msg.ConversationID, user.ID) == nil {
		return
	}
	if msg.SenderID == user.ID {
		h.Error(w, http.StatusBadRequest, "cannot mark your own message read")
		return
	}

	if err := h.pg.MarkMessageRead(r.Context(), id); err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to mark message read")
		return
	}

	if h.hub != nil && !msg.IsRead {
		h.hub.Broadcast(realtime.ConversationRoom(msg.ConversationID), realtime.EventMessageRead, realtime.MessageReadPayload{
			ConversationID: msg.ConversationID,
			MessageIDs:     []string{id},
			ReaderID:       user.ID,
		})
	}

	h.JSON(w, http.StatusOK, map[string]bool{"read": true})
}
