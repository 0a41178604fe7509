package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/unclebandit/reactivation-backend/internal/model"
)

// Result is the replayable outcome of a finished webhook event.
type Result struct {
	Status model.LedgerStatus `json:"status"`
	Result json.RawMessage    `json:"result,omitempty"`
	Reason string             `json:"reason,omitempty"`
}

// ResultCache fronts the event ledger for replays. Misses fall through to the
// ledger, so a cache outage never changes outcomes.
type ResultCache interface {
	Get(ctx context.Context, eventID string) (*Result, bool, error)
	Put(ctx context.Context, eventID string, r Result) error
}

type RedisResultCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisResultCache(rdb *redis.Client, ttl time.Duration) *RedisResultCache {
	return &RedisResultCache{rdb: rdb, ttl: ttl}
}

// Dial parses a redis:// URL and verifies the connection.
func Dial(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

func (c *RedisResultCache) Key(eventID string) string {
	return fmt.Sprintf("webhook:result:%s", eventID)
}

func (c *RedisResultCache) Get(ctx context.Context, eventID string) (*Result, bool, error) {
	raw, err := c.rdb.Get(ctx, c.Key(eventID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var r Result
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, false, err
	}
	return &r, true, nil
}

// Put stores r only if no result is cached yet; finished results never change.
func (c *RedisResultCache) Put(ctx context.Context, eventID string, r Result) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return c.rdb.SetNX(ctx, c.Key(eventID), raw, c.ttl).Err()
}

// MemoryResultCache is the process-local cache used when REDIS_URL is unset.
type MemoryResultCache struct {
	mu    sync.RWMutex
	items map[string]Result
}

func NewMemoryResultCache() *MemoryResultCache {
	return &MemoryResultCache{items: map[string]Result{}}
}

func (c *MemoryResultCache) Get(_ context.Context, eventID string) (*Result, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.items[eventID]
	if !ok {
		return nil, false, nil
	}
	return &r, true, nil
}

func (c *MemoryResultCache) Put(_ context.Context, eventID string, r Result) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.items[eventID]; !ok {
		c.items[eventID] = r
	}
	return nil
}

var (
	_ ResultCache = (*RedisResultCache)(nil)
	_ ResultCache = (*MemoryResultCache)(nil)
)
