// Package local implements the domain cache interfaces in process memory. It
// backs single-node "local" mode and tests.
package local

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/rpsarena/internal/domain"
)

type heldLock struct {
	token   string
	expires time.Time
}

// LockManager implements domain.LockManager with a mutex-guarded map. Locks
// expire after their TTL exactly like the Redis implementation.
type LockManager struct {
	mu    sync.Mutex
	locks map[string]heldLock
	now   func() time.Time
}

// NewLockManager creates an empty LockManager.
func NewLockManager() *LockManager {
	return &LockManager{locks: make(map[string]heldLock), now: time.Now}
}

// Acquire obtains key for ttl. It returns domain.ErrLockHeld when another
// holder has an unexpired lock. The returned unlock is safe to call twice.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lm.mu.Lock()
	defer lm.mu.Unlock()

	now := lm.now()
	if held, ok := lm.locks[key]; ok && now.Before(held.expires) {
		return nil, domain.ErrLockHeld
	}

	token := uuid.New().String()
	lm.locks[key] = heldLock{token: token, expires: now.Add(ttl)}

	var once sync.Once
	return func() {
		once.Do(func() {
			lm.mu.Lock()
			defer lm.mu.Unlock()
			if held, ok := lm.locks[key]; ok && held.token == token {
				delete(lm.locks, key)
			}
		})
	}, nil
}

var _ domain.LockManager = (*LockManager)(nil)
