package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/billsync/pkg/billsync"
)

// unlockScript deletes the lock only while it still holds our token, so an
// expired holder never releases a lock taken over by someone else.
var unlockScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

// Locker is a distributed billsync.Locker built on SET NX PX. It lets several
// engine processes share one store.
type Locker struct {
	client        redis.UniversalClient
	prefix        string
	retryInterval time.Duration
}

// LockerConfig configures Locker.
type LockerConfig struct {
	// KeyPrefix is prepended to lock keys (default: "billsync:lock:")
	KeyPrefix string

	// RetryInterval is how often a held lock is polled (default: 25ms)
	RetryInterval time.Duration
}

// NewLocker creates a distributed locker.
func NewLocker(client redis.UniversalClient, config LockerConfig) (*Locker, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "billsync:lock:"
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = 25 * time.Millisecond
	}
	return &Locker{
		client:        client,
		prefix:        config.KeyPrefix,
		retryInterval: config.RetryInterval,
	}, nil
}

// Acquire implements billsync.Locker. The lock expires after ttl if the
// holder dies without releasing it.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	lockKey := l.prefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(l.retryInterval)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, lockKey, token, ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// The caller's context may already be canceled.
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = unlockScript.Run(releaseCtx, l.client, []string{lockKey}, token).Err()
		})
	}, nil
}

var _ billsync.Locker = (*Locker)(nil)
