package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	backend "github.com/redis/go-redis/v9"
)

const unlockScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

const extendScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end
`

// RedisLocker implements DistributedLocker with SET NX PX and compare-and-set release and extension.
type RedisLocker struct {
	client       *backend.Client
	prefix       string
	pollInterval time.Duration
}

var _ DistributedLocker = (*RedisLocker)(nil)

func NewRedisLocker(client *backend.Client, prefix string) *RedisLocker {
	return &RedisLocker{
		client:       client,
		prefix:       prefix,
		pollInterval: 50 * time.Millisecond,
	}
}

// Lock polls until the lock is taken or ctx is done. The token is random so only the holder can
// extend or release it.
func (l *RedisLocker) Lock(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	lease := &redisLease{client: l.client, key: l.prefix + "lock:" + key, token: uuid.NewString()}

	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, lease.key, lease.token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis error acquiring lock: %w", err)
		}
		if ok {
			return lease, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

type redisLease struct {
	client *backend.Client
	key    string
	token  string
}

func (r *redisLease) Extend(ctx context.Context, ttl time.Duration) error {
	n, err := r.client.Eval(ctx, extendScript, []string{r.key}, r.token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("redis error extending lock: %w", err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (r *redisLease) Release(ctx context.Context) error {
	return r.client.Eval(ctx, unlockScript, []string{r.key}, r.token).Err()
}
