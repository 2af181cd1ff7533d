package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// EventDeduper is the processed-event-id set consulted before a webhook mutates state.
type EventDeduper interface {
	IsProcessed(ctx context.Context, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, eventID string, ttl time.Duration) (bool, error)
}

// RedisEventDeduper keeps processed provider event ids in Redis so every instance shares them.
type RedisEventDeduper struct {
	client    redis.UniversalClient
	keyPrefix string
}

func NewRedisEventDeduper(client redis.UniversalClient, keyPrefix string) *RedisEventDeduper {
	keyPrefix = strings.TrimSuffix(strings.TrimSpace(keyPrefix), ":")
	if keyPrefix == "" {
		keyPrefix = "roadmap:webhook:processed"
	}
	return &RedisEventDeduper{client: client, keyPrefix: keyPrefix}
}

// MarkProcessed records eventID with a TTL. It returns false if the id was already recorded.
func (d *RedisEventDeduper) MarkProcessed(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	ok, err := d.client.SetNX(ctx, d.key(eventID), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark event as processed: %w", err)
	}
	return ok, nil
}

func (d *RedisEventDeduper) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	exists, err := d.client.Exists(ctx, d.key(eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check if event is processed: %w", err)
	}
	return exists > 0, nil
}

func (d *RedisEventDeduper) key(eventID string) string {
	return d.keyPrefix + ":" + eventID
}

// MemoryEventDeduper is the single-process fallback used when Redis is not configured.
type MemoryEventDeduper struct {
	mu      sync.Mutex
	now     func() time.Time
	expires map[string]time.Time
}

func NewMemoryEventDeduper() *MemoryEventDeduper {
	return &MemoryEventDeduper{now: time.Now, expires: make(map[string]time.Time)}
}

func (d *MemoryEventDeduper) MarkProcessed(_ context.Context, eventID string, ttl time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if exp, ok := d.expires[eventID]; ok && now.Before(exp) {
		return false, nil
	}
	d.expires[eventID] = now.Add(ttl)
	d.evictLocked(now)
	return true, nil
}

func (d *MemoryEventDeduper) IsProcessed(_ context.Context, eventID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	exp, ok := d.expires[eventID]
	return ok && d.now().Before(exp), nil
}

func (d *MemoryEventDeduper) evictLocked(now time.Time) {
	for id, exp := range d.expires {
		if !now.Before(exp) {
			delete(d.expires, id)
		}
	}
}
