package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/strikekeeper/internal/domain"
)

const defaultLockTTL = 10 * time.Minute

// Guard makes settlement single-flight per key. It always holds an
// in-process slot and, when a LockManager is set, a distributed lock as well
// so that several server replicas cannot settle the same user at once.
type Guard struct {
	mu    sync.Mutex
	held  map[string]struct{}
	locks domain.LockManager
	ttl   time.Duration
}

// NewGuard creates a Guard. locks may be nil.
func NewGuard(locks domain.LockManager, ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &Guard{held: make(map[string]struct{}), locks: locks, ttl: ttl}
}

// Acquire claims key or returns domain.ErrSettlementInProgress. The returned
// release func is idempotent.
func (g *Guard) Acquire(ctx context.Context, key string) (func(), error) {
	g.mu.Lock()
	if _, busy := g.held[key]; busy {
		g.mu.Unlock()
		return nil, domain.ErrSettlementInProgress
	}
	g.held[key] = struct{}{}
	g.mu.Unlock()

	local := func() {
		g.mu.Lock()
		delete(g.held, key)
		g.mu.Unlock()
	}

	unlock := func() {}
	if g.locks != nil {
		var err error
		unlock, err = g.locks.Acquire(ctx, key, g.ttl)
		if err != nil {
			local()
			if errors.Is(err, domain.ErrLockHeld) {
				return nil, domain.ErrSettlementInProgress
			}
			return nil, fmt.Errorf("settlement: acquire lock: %w", err)
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			unlock()
			local()
		})
	}, nil
}

// UserKey is the guard key for a user's settlement.
func UserKey(userID int64) string {
	return fmt.Sprintf("settle:%d", userID)
}

// SweepKey is the guard key for the keeper sweep.
const SweepKey = "settle:keeper"
