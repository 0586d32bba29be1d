package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// releaseScript deletes the key only if it still holds our token, so an
// expired lock taken over by another process is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a best-effort cross-process lock using SET NX PX. Keys expire
// after TTL, so a crashed holder cannot block others forever.
type Redis struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	retry  time.Duration
	log    *zap.Logger
}

// RedisOption configures a Redis locker.
type RedisOption func(*Redis)

// WithTTL sets how long a key lives without release.
func WithTTL(d time.Duration) RedisOption {
	return func(r *Redis) {
		if d > 0 {
			r.ttl = d
		}
	}
}

// WithRetryInterval sets the poll interval while waiting for a held key.
func WithRetryInterval(d time.Duration) RedisOption {
	return func(r *Redis) {
		if d > 0 {
			r.retry = d
		}
	}
}

// WithPrefix namespaces keys.
func WithPrefix(p string) RedisOption {
	return func(r *Redis) {
		r.prefix = p
	}
}

// NewRedis creates a Redis locker over client.
func NewRedis(client redis.UniversalClient, opts ...RedisOption) *Redis {
	r := &Redis{
		client: client,
		prefix: "enrich:lock:",
		ttl:    30 * time.Second,
		retry:  50 * time.Millisecond,
		log:    zap.L().With(zap.String("component", "lock.redis")),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Lock takes every key, polling until ctx ends.
func (r *Redis) Lock(ctx context.Context, keys ...string) (func(), error) {
	keys = sortedUnique(keys)
	token := uuid.New().String()
	held := make([]string, 0, len(keys))

	release := func() {
		// Release even when the caller's context is already done.
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		for i := len(held) - 1; i >= 0; i-- {
			if err := releaseScript.Run(ctx, r.client, []string{held[i]}, token).Err(); err != nil {
				r.log.Warn("lock release failed", zap.String("key", held[i]), zap.Error(err))
			}
		}
	}

	for _, k := range keys {
		key := r.prefix + k
		if err := r.acquire(ctx, key, token); err != nil {
			release()
			return nil, err
		}
		held = append(held, key)
	}

	var once sync.Once
	return func() { once.Do(release) }, nil
}

func (r *Redis) acquire(ctx context.Context, key, token string) error {
	ticker := time.NewTicker(r.retry)
	defer ticker.Stop()
	for {
		ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
		if err != nil {
			return eris.Wrapf(err, "lock: redis setnx %s", key)
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return eris.Wrapf(ErrNotAcquired, "lock: %s: %v", key, ctx.Err())
		case <-ticker.C:
		}
	}
}
