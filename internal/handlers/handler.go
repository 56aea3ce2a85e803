package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/worklane-hq/worklane-messaging/internal/notify"
	"github.com/worklane-hq/worklane-messaging/internal/store"
)

// maxContentLength caps message and edit bodies.
const maxContentLength = 8192

// Broadcaster fans realtime events out to a room. Implemented by the
// realtime hub; tests substitute a recording double.
type Broadcaster interface {
	Broadcast(room, eventType string, payload interface{})
}

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	pg     store.DataStore
	redis  *store.RedisStore
	hub    Broadcaster
	bridge *notify.Bridge
	logger zerolog.Logger
}

// NewHandler creates a new Handler with the given stores and realtime hub.
func NewHandler(pg store.DataStore, redis *store.RedisStore, hub Broadcaster, bridge *notify.Bridge, logger zerolog.Logger) *Handler {
	return &Handler{pg: pg, redis: redis, hub: hub, bridge: bridge, logger: logger}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// sanitizeContent trims the body and strips control characters other than
// newlines and tabs.
func sanitizeContent(content string) string {
	content = strings.TrimSpace(content)
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			return -1
		}
		return r
	}, content)
}
