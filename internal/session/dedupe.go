package session

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper answers "has this (providerCallId, eventType) delivery been seen
// before". Providers redeliver webhooks; the registry consults Seen before
// applying any dedupable event and calls Mark only after the resulting
// session state has been persisted, so a failed write leaves the delivery
// unmarked and the provider's retry goes through.
type Deduper interface {
	Seen(ctx context.Context, providerCallID string, kind EventKind) (bool, error)
	Mark(ctx context.Context, providerCallID string, kind EventKind) error
}

// RedisDeduper keys with a TTL so dedupe state survives across process
// instances behind a shared load balancer.
type RedisDeduper struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisDeduper(rdb *redis.Client, ttl time.Duration) *RedisDeduper {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisDeduper{rdb: rdb, ttl: ttl}
}

func dedupeKey(providerCallID string, kind EventKind) string {
	return "dd:webhook:" + providerCallID + ":" + string(kind)
}

func (d *RedisDeduper) Seen(ctx context.Context, providerCallID string, kind EventKind) (bool, error) {
	n, err := d.rdb.Exists(ctx, dedupeKey(providerCallID, kind)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (d *RedisDeduper) Mark(ctx context.Context, providerCallID string, kind EventKind) error {
	return d.rdb.Set(ctx, dedupeKey(providerCallID, kind), 1, d.ttl).Err()
}

// MemoryDeduper is the in-process fallback used in tests and single-node
// local wiring.
type MemoryDeduper struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func NewMemoryDeduper() *MemoryDeduper {
	return &MemoryDeduper{seen: make(map[string]struct{})}
}

func (d *MemoryDeduper) Seen(ctx context.Context, providerCallID string, kind EventKind) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.seen[providerCallID+":"+string(kind)]
	return ok, nil
}

func (d *MemoryDeduper) Mark(ctx context.Context, providerCallID string, kind EventKind) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen[providerCallID+":"+string(kind)] = struct{}{}
	return nil
}
