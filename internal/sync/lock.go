package sync

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const lockKey = "rosterd:sync:lock"

// RedisLock is an advisory lock for deployments running more than one
// instance against the same pair of stores. The TTL bounds how long a
// crashed holder can block other instances.
type RedisLock struct {
	client *redis.Client
	ttl    time.Duration
	token  string
}

func NewRedisLock(client *redis.Client, ttl time.Duration) *RedisLock {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisLock{client: client, ttl: ttl}
}

func (l *RedisLock) Acquire(ctx context.Context) (bool, error) {
	l.token = uuid.NewString()
	return l.client.SetNX(ctx, lockKey, l.token, l.ttl).Result()
}

// Release deletes the lock only when this instance still holds it. The
// get-then-delete window is acceptable for an advisory lock: the worst case
// is one redundant pass, which the algorithm tolerates.
func (l *RedisLock) Release(ctx context.Context) {
	held, err := l.client.Get(ctx, lockKey).Result()
	if err != nil || held != l.token {
		return
	}
	l.client.Del(ctx, lockKey)
}
