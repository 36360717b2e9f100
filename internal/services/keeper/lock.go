package keeper

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld is returned when another keeper holds the lock.
var ErrLockHeld = errors.New("keeper lock is held")

// Locker grants exclusive keeper ticks. The returned release func may be called more than once.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// LocalLock serializes keepers running in one process.
type LocalLock struct {
	mu      sync.Mutex
	holders map[string]localHolder
	now     func() time.Time
}

type localHolder struct {
	token   string
	expires time.Time
}

// NewLocalLock creates an in-process lock.
func NewLocalLock() *LocalLock {
	return &LocalLock{holders: make(map[string]localHolder), now: time.Now}
}

// Acquire takes key for ttl. An expired holder is replaced.
func (l *LocalLock) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if h, ok := l.holders[key]; ok && now.Before(h.expires) {
		return nil, ErrLockHeld
	}

	token := uuid.New().String()
	l.holders[key] = localHolder{token: token, expires: now.Add(ttl)}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if h, ok := l.holders[key]; ok && h.token == token {
				delete(l.holders, key)
			}
		})
	}, nil
}

// deletes the key only while it still holds the caller's token
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// RedisLock coordinates keeper replicas through SETNX with a TTL.
type RedisLock struct {
	rdb    redis.UniversalClient
	unlock *redis.Script
}

// NewRedisLock creates a lock backed by rdb.
func NewRedisLock(rdb redis.UniversalClient) *RedisLock {
	return &RedisLock{rdb: rdb, unlock: redis.NewScript(unlockLua)}
}

// DialRedis connects to addr and verifies the connection.
func DialRedis(ctx context.Context, addr, password string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrapf(err, "ping redis at %s", addr)
	}
	return rdb, nil
}

func redisLockKey(key string) string {
	return "dcacore:lock:" + key
}

// Acquire takes key for ttl or returns ErrLockHeld.
func (r *RedisLock) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.New().String()
	lk := redisLockKey(key)

	ok, err := r.rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "acquire lock %s", key)
	}
	if !ok {
		return nil, ErrLockHeld
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// the caller's context may already be canceled
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = r.unlock.Run(ctx, r.rdb, []string{lk}, token).Err()
		})
	}, nil
}
