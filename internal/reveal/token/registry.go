package token

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	platformredis "veil/internal/platform/redis"
	id "veil/pkg/domain"
)

func defaultJTI() string { return uuid.NewString() }

// InMemoryRegistry tracks live tokens in process memory. Expiry is lazy:
// entries past their deadline read as dead and are dropped on access.
type InMemoryRegistry struct {
	mu    sync.Mutex
	live  map[string]time.Time
	clock func() time.Time
}

func NewInMemoryRegistry() *InMemoryRegistry {
	return &InMemoryRegistry{live: make(map[string]time.Time), clock: time.Now}
}

func (r *InMemoryRegistry) Put(_ context.Context, key string, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live[key] = r.clock().Add(ttl)
	return nil
}

func (r *InMemoryRegistry) Live(_ context.Context, key string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	deadline, ok := r.live[key]
	if !ok {
		return false, nil
	}
	if r.clock().After(deadline) {
		delete(r.live, key)
		return false, nil
	}
	return true, nil
}

func (r *InMemoryRegistry) RevokeCase(_ context.Context, caseID id.CaseID) error {
	prefix := fmt.Sprintf("veil:token:%s:", caseID)
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.live {
		if strings.HasPrefix(key, prefix) {
			delete(r.live, key)
		}
	}
	return nil
}

// RedisRegistry backs the token registry with redis TTL keys, so grants are
// shared across instances and expire server-side.
type RedisRegistry struct {
	client *platformredis.Client
}

func NewRedisRegistry(client *platformredis.Client) *RedisRegistry {
	return &RedisRegistry{client: client}
}

func (r *RedisRegistry) Put(ctx context.Context, key string, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, "1", ttl).Err(); err != nil {
		return fmt.Errorf("register token: %w", err)
	}
	return nil
}

func (r *RedisRegistry) Live(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("check token: %w", err)
	}
	return n > 0, nil
}

func (r *RedisRegistry) RevokeCase(ctx context.Context, caseID id.CaseID) error {
	pattern := fmt.Sprintf("veil:token:%s:*", caseID)
	iter := r.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := r.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("revoke token: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan case tokens: %w", err)
	}
	return nil
}
