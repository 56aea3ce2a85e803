package api

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/worklane-hq/worklane-messaging/internal/api/middleware"
	"github.com/worklane-hq/worklane-messaging/internal/config"
	"github.com/worklane-hq/worklane-messaging/internal/handlers"
	"github.com/worklane-hq/worklane-messaging/internal/realtime"
	"github.com/worklane-hq/worklane-messaging/internal/store"
)

// NewRouter creates and configures the HTTP router.
func NewRouter(cfg *config.Config, logger zerolog.Logger, pgStore store.DataStore, redisStore *store.RedisStore, rt *realtime.Server, h *handlers.Handler) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(middleware.Metrics)

	// Security middleware (order matters!)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.MaxBodySize(64 * 1024)) // attachments are metadata, not blobs
	r.Use(middleware.ValidateRequest)

	// Standard middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	// Rate limiting
	limiter := middleware.NewRateLimiter(redisStore.Client(), logger, middleware.RateLimiterConfig{
		Whitelist:        cfg.RateLimitWhitelist,
		AutoBlockEnabled: cfg.Env == "production",
	})
	r.Use(limiter.Middleware)

	// CORS - clients call from browser and native contexts alike
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Worklane-User", "X-Worklane-Nonce", "X-Worklane-Timestamp", "X-Worklane-Signature"},
		ExposedHeaders:   []string{"Link", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	auth := middleware.NewAuthMiddleware(pgStore, redisStore)

	// Metrics endpoint (for Prometheus scraping)
	r.Handle("/metrics", promhttp.Handler())

	// Public routes (no auth required)
	r.Get("/", h.Root)
	r.Get("/health", h.Health)

	// Websocket endpoint authenticates its own handshake (token in query)
	r.Get("/ws", rt.HandleWebSocket)

	// Authenticated routes (require signature)
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAuth)

		r.Get("/conversations", h.ListConversations)
		r.Post("/conversations", h.OpenConversation)
		r.Get("/conversations/{id}/messages", h.ListMessages)
		r.Post("/conversations/{id}/messages", h.SendMessage)
		r.Post("/conversations/{id}/flags/{flag}", h.ToggleConversationFlag)

		r.Put("/messages/{id}", h.EditMessage)
		r.Delete("/messages/{id}", h.DeleteMessage)
		r.Post("/messages/{id}/reactions", h.ToggleReaction)
		r.Post("/messages/{id}/read", h.MarkMessageRead)

		r.Get("/notifications", h.ListNotifications)
		r.Post("/notifications/{id}/read", h.MarkNotificationRead)

		r.Get("/presence", h.Presence)
	})

	return r
}
