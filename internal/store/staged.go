package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const stagedSecretPrefix = "storefront:2fa:setup"

// DefaultStagedSecretTTL bounds how long a 2FA setup may stay pending
// before the user must restart enrollment.
const DefaultStagedSecretTTL = 10 * time.Minute

// ErrStagedSecretNotFound is returned when no pending setup exists (never
// staged, expired, or already promoted).
var ErrStagedSecretNotFound = errors.New("staged 2fa secret not found")

// StagedSecretStore holds TOTP secrets mid-enrollment, keyed by user id, in
// a shared redis so setup survives process restarts and load balancing. The
// secret is promoted into the permanent user record only after the user
// proves possession of a valid code.
type StagedSecretStore struct {
	redis redis.UniversalClient
	ttl   time.Duration
}

func NewStagedSecretStore(redisClient redis.UniversalClient, ttl time.Duration) *StagedSecretStore {
	if ttl <= 0 {
		ttl = DefaultStagedSecretTTL
	}
	return &StagedSecretStore{redis: redisClient, ttl: ttl}
}

func (s *StagedSecretStore) key(userID string) string {
	return stagedSecretPrefix + ":" + userID
}

// Stage overwrites any pending secret for the user and restarts the TTL.
func (s *StagedSecretStore) Stage(ctx context.Context, userID, secret string) error {
	if err := s.redis.Set(ctx, s.key(userID), secret, s.ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Get returns the pending secret without consuming it; verification may be
// retried until the TTL lapses.
func (s *StagedSecretStore) Get(ctx context.Context, userID string) (string, error) {
	secret, err := s.redis.Get(ctx, s.key(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrStagedSecretNotFound
		}
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return secret, nil
}

// Delete removes the pending secret after promotion or abandonment.
func (s *StagedSecretStore) Delete(ctx context.Context, userID string) error {
	if err := s.redis.Del(ctx, s.key(userID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
