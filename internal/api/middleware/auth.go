package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/worklane-hq/worklane-messaging/internal/crypto"
	"github.com/worklane-hq/worklane-messaging/internal/models"
	"github.com/worklane-hq/worklane-messaging/internal/store"
)

type contextKey string

const UserContextKey contextKey = "user"

// AuthMiddleware handles signature verification for authenticated endpoints.
type AuthMiddleware struct {
	pg     store.DataStore
	redis  *store.RedisStore
	window time.Duration
}

// NewAuthMiddleware creates a new auth middleware.
func NewAuthMiddleware(pg store.DataStore, redis *store.RedisStore) *AuthMiddleware {
	return &AuthMiddleware{
		pg:     pg,
		redis:  redis,
		window: 30 * time.Second, // Tight window to minimize replay attack surface
	}
}

// RequireAuth middleware verifies Ed25519 signatures on requests.
func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Extract headers
		userID := r.Header.Get("X-Worklane-User")
		nonce := r.Header.Get("X-Worklane-Nonce")
		timestamp := r.Header.Get("X-Worklane-Timestamp")
		signature := r.Header.Get("X-Worklane-Signature")

		// Validate all headers present
		if userID == "" || nonce == "" || timestamp == "" || signature == "" {
			jsonError(w, http.StatusUnauthorized, "missing auth headers")
			return
		}

		// Parse and validate timestamp
		ts, err := strconv.ParseInt(timestamp, 10, 64)
		if err != nil {
			jsonError(w, http.StatusUnauthorized, "invalid timestamp format")
			return
		}
		if !m.isTimestampValid(ts) {
			jsonError(w, http.StatusUnauthorized, "timestamp expired or too far in future")
			return
		}

		// Validate nonce format (min 24 chars for adequate entropy)
		if len(nonce) < 24 {
			jsonError(w, http.StatusUnauthorized, "nonce must be at least 24 characters")
			return
		}

		// Check nonce not reused
		if m.isNonceUsed(r.Context(), userID, nonce) {
			jsonError(w, http.StatusUnauthorized, "nonce already used")
			return
		}

		// Parse user UUID
		userUUID, err := uuid.Parse(userID)
		if err != nil {
			jsonError(w, http.StatusUnauthorized, "invalid user ID format")
			return
		}

		// Get user's public key
		user, err := m.pg.GetUserByID(r.Context(), userUUID)
		if err != nil || user == nil {
			jsonError(w, http.StatusUnauthorized, "user not found")
			return
		}

		// Read body and compute hash
		body, err := io.ReadAll(r.Body)
		if err != nil {
			jsonError(w, http.StatusBadRequest, "failed to read request body")
			return
		}
		r.Body = io.NopCloser(bytes.NewBuffer(body)) // Reset for handler

		bodyHash := sha256Hex(body)

		// Verify signature
		signedData := crypto.RequestPayload(bodyHash, nonce, ts)
		pubkey, err := crypto.ValidatePublicKey(user.PublicKey)
		if err != nil {
			jsonError(w, http.StatusUnauthorized, "invalid user public key")
			return
		}

		if err := crypto.VerifySignature(pubkey, signedData, signature); err != nil {
			jsonError(w, http.StatusUnauthorized, "invalid signature")
			return
		}

		// Mark nonce as used
		m.markNonceUsed(r.Context(), userID, nonce)

		// Add user to context
		ctx := context.WithValue(r.Context(), UserContextKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *AuthMiddleware) isTimestampValid(ts int64) bool {
	now := time.Now().UnixMilli()
	windowMs := m.window.Milliseconds()
	// Only accept timestamps from the past (within window), reject future timestamps
	return ts > now-windowMs && ts <= now
}

func (m *AuthMiddleware) isNonceUsed(ctx context.Context, userID, nonce string) bool {
	return m.redis.IsNonceUsed(ctx, userID, nonce)
}

func (m *AuthMiddleware) markNonceUsed(ctx context.Context, userID, nonce string) {
	m.redis.MarkNonceUsed(ctx, userID, nonce, 3*time.Minute)
}

func sha256Hex(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

func jsonError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// GetUserFromContext retrieves the authenticated user from the request context.
func GetUserFromContext(ctx context.Context) *models.User {
	user, ok := ctx.Value(UserContextKey).(*models.User)
	if !ok {
		return nil
	}
	return user
}
