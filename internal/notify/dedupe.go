package notify

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisDeduper struct {
	client *redis.Client
	prefix string
}

func NewRedisDeduper(client *redis.Client) *RedisDeduper {
	return &RedisDeduper{client: client, prefix: "notify:idem:"}
}

func (d *RedisDeduper) Claim(r *http.Request, key string, ttl time.Duration) (bool, error) {
	ok, err := d.client.SetNX(r.Context(), d.prefix+key, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	return ok, nil
}

// MemoryDeduper is used when no redis is configured. Claims do not survive a
// restart.
type MemoryDeduper struct {
	mu     sync.Mutex
	claims map[string]time.Time
	now    func() time.Time
}

func NewMemoryDeduper() *MemoryDeduper {
	return &MemoryDeduper{claims: make(map[string]time.Time), now: time.Now}
}

func (d *MemoryDeduper) Claim(_ *http.Request, key string, ttl time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if expires, ok := d.claims[key]; ok && now.Before(expires) {
		return false, nil
	}
	d.claims[key] = now.Add(ttl)
	return true, nil
}
