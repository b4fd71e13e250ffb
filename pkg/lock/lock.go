package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"smallbiznis-economy/pkg/rediskey"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("lock", fx.Provide(NewRedisLocker))

// Locker hands out named leases shared across replicas.
type Locker interface {
	// Acquire returns ok=false when another holder owns the lease.
	Acquire(ctx context.Context, name string, ttl time.Duration) (release func(), ok bool, err error)
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisLocker struct {
	rdb redis.UniversalClient
}

func NewRedisLocker(rdb *redis.Client) Locker {
	return &RedisLocker{rdb: rdb}
}

func (l *RedisLocker) Acquire(ctx context.Context, name string, ttl time.Duration) (func(), bool, error) {
	token, err := newToken()
	if err != nil {
		return nil, false, err
	}

	key := rediskey.BuildLockKey(name)
	ok, err := l.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, l.rdb, []string{key}, token).Err(); err != nil {
			zap.L().Warn("failed to release lease", zap.String("lease", name), zap.Error(err))
		}
	}

	return release, true, nil
}

func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
