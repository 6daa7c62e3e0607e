package local

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/rpsarena/internal/domain"
)

type hint struct {
	matchID string
	expires time.Time
}

// SessionHints implements domain.SessionHints in memory.
type SessionHints struct {
	mu    sync.Mutex
	hints map[string]hint
}

// NewSessionHints creates an empty hint table.
func NewSessionHints() *SessionHints {
	return &SessionHints{hints: make(map[string]hint)}
}

func (h *SessionHints) Remember(ctx context.Context, participantID, matchID string, ttl time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hints[participantID] = hint{matchID: matchID, expires: time.Now().Add(ttl)}
	return nil
}

// Lookup returns domain.ErrNotFound when no live hint exists.
func (h *SessionHints) Lookup(ctx context.Context, participantID string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	v, ok := h.hints[participantID]
	if !ok || time.Now().After(v.expires) {
		delete(h.hints, participantID)
		return "", domain.ErrNotFound
	}
	return v.matchID, nil
}

func (h *SessionHints) Forget(ctx context.Context, participantID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.hints, participantID)
	return nil
}

var _ domain.SessionHints = (*SessionHints)(nil)
