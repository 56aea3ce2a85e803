package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const onlineUsersKey = "presence:online"

// RedisStore handles Redis operations for presence, auth nonces and rate
// limiting. Everything here is ephemeral; PostgreSQL owns the durable state.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a new Redis store.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisStore{client: client}, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Client exposes the underlying client for middleware that needs pipelines.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// SetOnline adds a user to the online set. Returns true if the user was not
// online before (first session connected).
func (s *RedisStore) SetOnline(ctx context.Context, userID uuid.UUID) (bool, error) {
	added, err := s.client.SAdd(ctx, onlineUsersKey, userID.String()).Result()
	if err != nil {
		return false, err
	}
	return added > 0, nil
}

// SetOffline removes a user from the online set. Returns true if the user
// was online (last session disconnected).
func (s *RedisStore) SetOffline(ctx context.Context, userID uuid.UUID) (bool, error) {
	removed, err := s.client.SRem(ctx, onlineUsersKey, userID.String()).Result()
	if err != nil {
		return false, err
	}
	return removed > 0, nil
}

// FilterOnline returns the subset of the given users currently online.
func (s *RedisStore) FilterOnline(ctx context.Context, userIDs []uuid.UUID) ([]uuid.UUID, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}

	members := make([]interface{}, len(userIDs))
	for i, id := range userIDs {
		members[i] = id.String()
	}

	results, err := s.client.SMIsMember(ctx, onlineUsersKey, members...).Result()
	if err != nil {
		return nil, err
	}

	var online []uuid.UUID
	for i, isMember := range results {
		if isMember {
			online = append(online, userIDs[i])
		}
	}
	return online, nil
}

// nonceKey returns the key for nonce tracking.
func nonceKey(userID, nonce string) string {
	return fmt.Sprintf("nonce:%s:%s", userID, nonce)
}

// IsNonceUsed checks if a nonce has been used.
func (s *RedisStore) IsNonceUsed(ctx context.Context, userID, nonce string) bool {
	exists, _ := s.client.Exists(ctx, nonceKey(userID, nonce)).Result()
	return exists > 0
}

// MarkNonceUsed marks a nonce as used with a TTL.
func (s *RedisStore) MarkNonceUsed(ctx context.Context, userID, nonce string, ttl time.Duration) {
	s.client.Set(ctx, nonceKey(userID, nonce), "1", ttl)
}
