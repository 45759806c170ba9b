package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/strikekeeper/internal/domain"
)

// Both scripts act only while the key still holds the caller's token.
const (
	unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`
	renewLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`
)

// LockManager implements domain.LockManager with SET NX PX. A held lock is
// renewed every third of its TTL until released, so a settlement run that
// outlives the TTL keeps its lock; a crashed holder's lock still expires.
type LockManager struct {
	c      *Client
	unlock *redis.Script
	renew  *redis.Script
}

func NewLockManager(c *Client) *LockManager {
	return &LockManager{
		c:      c,
		unlock: redis.NewScript(unlockLua),
		renew:  redis.NewScript(renewLua),
	}
}

// Acquire takes the lock for ttl or returns domain.ErrLockHeld. The release
// func may be called more than once and ignores the caller's context.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	lk := lm.c.key("lock:" + key)

	ok, err := lm.c.rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, domain.ErrLockHeld
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go lm.keepAlive(lk, token, ttl, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = lm.unlock.Run(releaseCtx, lm.c.rdb, []string{lk}, token).Err()
		})
	}, nil
}

// keepAlive extends the lease until stop closes or the token is gone.
func (lm *LockManager) keepAlive(lk, token string, ttl time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(max(ttl/3, 10*time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), ttl/3+time.Second)
		n, err := lm.renew.Run(ctx, lm.c.rdb, []string{lk}, token, ttl.Milliseconds()).Int()
		cancel()
		if err == nil && n == 0 {
			// Lost the lease: expired or taken over. Nothing left to renew.
			return
		}
	}
}

var _ domain.LockManager = (*LockManager)(nil)
