package leader

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"
)

// ClaimStore is the storage shared by every session of the same learner.
// Claim is set-if-absent: the first owner wins and later callers read it back.
type ClaimStore interface {
	Claim(ctx context.Context, key, owner string, ttl time.Duration) (string, error)
	Renew(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, owner string) error
}

type memoryClaim struct {
	owner   string
	expires time.Time
}

// MemoryStore keeps claims in process. A zero ttl never expires.
type MemoryStore struct {
	clk    clockwork.Clock
	mu     sync.Mutex
	claims map[string]memoryClaim
}

func NewMemoryStore(clk clockwork.Clock) *MemoryStore {
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	return &MemoryStore{
		clk:    clk,
		claims: make(map[string]memoryClaim),
	}
}

func (s *MemoryStore) Claim(_ context.Context, key, owner string, ttl time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.liveLocked(key); ok {
		return c.owner, nil
	}
	s.claims[key] = memoryClaim{owner: owner, expires: s.expiry(ttl)}
	return owner, nil
}

func (s *MemoryStore) Renew(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.liveLocked(key)
	if !ok || c.owner != owner {
		return false, nil
	}
	c.expires = s.expiry(ttl)
	s.claims[key] = c
	return true, nil
}

func (s *MemoryStore) Release(_ context.Context, key, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.claims[key]; ok && c.owner == owner {
		delete(s.claims, key)
	}
	return nil
}

func (s *MemoryStore) liveLocked(key string) (memoryClaim, bool) {
	c, ok := s.claims[key]
	if !ok {
		return memoryClaim{}, false
	}
	if !c.expires.IsZero() && !s.clk.Now().Before(c.expires) {
		delete(s.claims, key)
		return memoryClaim{}, false
	}
	return c, true
}

func (s *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.clk.Now().Add(ttl)
}

var renewScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore shares claims across processes. Claim uses SETNX so concurrent
// sessions on different gateway nodes still agree on one owner.
type RedisStore struct {
	rdb    goredis.UniversalClient
	prefix string
}

func NewRedisStore(rdb goredis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) Claim(ctx context.Context, key, owner string, ttl time.Duration) (string, error) {
	k := s.prefix + key
	if err := s.rdb.SetNX(ctx, k, owner, ttl).Err(); err != nil {
		return "", fmt.Errorf("failed to claim %s: %w", key, err)
	}
	stored, err := s.rdb.Get(ctx, k).Result()
	if err == goredis.Nil {
		// expired between SETNX and GET; try once more
		if err := s.rdb.SetNX(ctx, k, owner, ttl).Err(); err != nil {
			return "", fmt.Errorf("failed to claim %s: %w", key, err)
		}
		stored, err = s.rdb.Get(ctx, k).Result()
	}
	if err != nil {
		return "", fmt.Errorf("failed to read claim %s: %w", key, err)
	}
	return stored, nil
}

func (s *RedisStore) Renew(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	n, err := renewScript.Run(ctx, s.rdb, []string{s.prefix + key}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to renew claim %s: %w", key, err)
	}
	return n == 1, nil
}

func (s *RedisStore) Release(ctx context.Context, key, owner string) error {
	if err := releaseScript.Run(ctx, s.rdb, []string{s.prefix + key}, owner).Err(); err != nil && err != goredis.Nil {
		return fmt.Errorf("failed to release claim %s: %w", key, err)
	}
	return nil
}
