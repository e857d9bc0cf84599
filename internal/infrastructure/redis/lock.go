package redis

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/hirehub/view-service/internal/domain"
	"github.com/redis/go-redis/v9"
)

// Locker is a single-instance Redis lock (SET NX PX + token-checked release).
// The TTL bounds how long a crashed holder can block the next cycle.
type Locker struct {
	rdb  *redis.Client
	keys keyspace
}

func NewLocker(rdb *redis.Client, prefix string) *Locker {
	return &Locker{rdb: rdb, keys: newKeyspace(prefix)}
}

var _ domain.Locker = (*Locker)(nil)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

type lock struct {
	rdb   *redis.Client
	key   string
	token string
}

func (l *lock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.rdb, []string{l.key}, l.token).Err(); err != nil {
		return unavailable("unlock", err)
	}
	return nil
}

func (k *Locker) TryLock(ctx context.Context, name string, ttl time.Duration) (domain.Lock, bool, error) {
	if ttl <= 0 {
		ttl = time.Minute
	}
	key := k.keys.lock(name)
	token := uuid.NewString()
	ok, err := k.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, unavailable("lock", err)
	}
	if !ok {
		return nil, false, nil
	}
	return &lock{rdb: k.rdb, key: key, token: token}, true, nil
}
