package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/rpsarena/internal/domain"
)

// SessionHints implements domain.SessionHints with one expiring key per
// participant, so any gateway instance can offer a resume.
type SessionHints struct {
	c *Client
}

// NewSessionHints creates a SessionHints on c.
func NewSessionHints(c *Client) *SessionHints {
	return &SessionHints{c: c}
}

func (h *SessionHints) key(participantID string) string {
	return h.c.Key("session:" + participantID)
}

// Remember stores matchID for participantID for ttl.
func (h *SessionHints) Remember(ctx context.Context, participantID, matchID string, ttl time.Duration) error {
	if err := h.c.rdb.Set(ctx, h.key(participantID), matchID, ttl).Err(); err != nil {
		return fmt.Errorf("redis: remember session %s: %w", participantID, err)
	}
	return nil
}

// Lookup returns the hinted match ID or domain.ErrNotFound.
func (h *SessionHints) Lookup(ctx context.Context, participantID string) (string, error) {
	id, err := h.c.rdb.Get(ctx, h.key(participantID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", domain.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("redis: lookup session %s: %w", participantID, err)
	}
	return id, nil
}

// Forget removes the hint.
func (h *SessionHints) Forget(ctx context.Context, participantID string) error {
	if err := h.c.rdb.Del(ctx, h.key(participantID)).Err(); err != nil {
		return fmt.Errorf("redis: forget session %s: %w", participantID, err)
	}
	return nil
}

var _ domain.SessionHints = (*SessionHints)(nil)
