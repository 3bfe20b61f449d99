// Package cache implements the two-tier read-through cache for derived
// availability views.  Values are hints: nothing read from here gates an
// admission, the conditional ledger writes do.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/iliyamo/ticket-capacity/internal/model"
)

// Kinds of cached views.  They form the third segment of a key.
const (
	KindShards       = "shards"
	KindBounded      = "bounded"
	KindAvailability = "availability"

	tagSuffix = "keys"
)

// Config tunes the cache tiers.
type Config struct {
	Prefix    string
	LocalSize int
	LocalTTL  time.Duration
	// TagTTL bounds the life of a per-slot key set in Redis so abandoned
	// slots do not leak sets.
	TagTTL time.Duration
	// LoadTimeout bounds a shared load.  The load runs detached from the
	// caller that started it, so one cancelled request does not fail the
	// others waiting on the same key.
	LoadTimeout time.Duration
}

// AvailabilityCache keeps decoded-on-read JSON values in a process-local
// LRU (L1) in front of Redis (L2).  A nil Redis client leaves only L1.
// Redis failures are logged and treated as misses.
type AvailabilityCache struct {
	local       *expirable.LRU[string, []byte]
	rdb         *redis.Client
	group       singleflight.Group
	prefix      string
	tagTTL      time.Duration
	loadTimeout time.Duration
	logger      *zap.Logger

	// gens counts invalidations per slot.  A load only stores its result
	// if no invalidation of the slot happened since it started.
	mu   sync.Mutex
	gens map[string]uint64
}

// New builds the cache.  rdb may be nil.
func New(rdb *redis.Client, cfg Config, logger *zap.Logger) *AvailabilityCache {
	if cfg.LocalSize <= 0 {
		cfg.LocalSize = 10000
	}
	if cfg.LocalTTL <= 0 {
		cfg.LocalTTL = 2 * time.Second
	}
	if cfg.TagTTL <= 0 {
		cfg.TagTTL = 10 * time.Minute
	}
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = 5 * time.Second
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "capacity"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AvailabilityCache{
		local:       expirable.NewLRU[string, []byte](cfg.LocalSize, nil, cfg.LocalTTL),
		rdb:         rdb,
		prefix:      cfg.Prefix,
		tagTTL:      cfg.TagTTL,
		loadTimeout: cfg.LoadTimeout,
		logger:      logger,
		gens:        make(map[string]uint64),
	}
}

// Key returns "<prefix>:<slotKey>:<kind>[:<part>...]".
func (c *AvailabilityCache) Key(slot model.Slot, kind string, parts ...string) string {
	var sb strings.Builder
	sb.WriteString(c.slotPrefix(slot))
	sb.WriteString(kind)
	for _, p := range parts {
		sb.WriteByte(':')
		sb.WriteString(p)
	}
	return sb.String()
}

func (c *AvailabilityCache) slotPrefix(slot model.Slot) string {
	return c.prefix + ":" + slot.Key() + ":"
}

func (c *AvailabilityCache) tagKey(slot model.Slot) string {
	return c.slotPrefix(slot) + tagSuffix
}

// Fetch returns the cached value under key or calls load, stores its
// result in both tiers with the given L2 ttl, and returns it.  Concurrent
// callers missing on the same key share one load.  A result loaded across
// an Invalidate of the slot is returned but not stored.
func Fetch[T any](ctx context.Context, c *AvailabilityCache, slot model.Slot, key string, ttl time.Duration, load func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	raw, err := c.getOrLoad(ctx, slot, key, ttl, func(ctx context.Context) ([]byte, error) {
		v, err := load(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(v)
	})
	if err != nil {
		return zero, err
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, fmt.Errorf("cache: decode %s: %w", key, err)
	}
	return out, nil
}

func (c *AvailabilityCache) getOrLoad(ctx context.Context, slot model.Slot, key string, ttl time.Duration, load func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	if v, ok := c.local.Get(key); ok {
		return v, nil
	}
	// Callers arriving after an invalidation start a new flight instead of
	// joining one that may have read pre-invalidation state.
	gen := c.generation(slot)
	ch := c.group.DoChan(key+"@"+strconv.FormatUint(gen, 10), func() (interface{}, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.loadTimeout)
		defer cancel()
		if raw, ok := c.remoteGet(lctx, key); ok {
			c.storeLocal(slot, gen, key, raw)
			return raw, nil
		}
		raw, err := load(lctx)
		if err != nil {
			return nil, err
		}
		if c.storeLocal(slot, gen, key, raw) {
			c.remoteSet(lctx, slot, gen, key, raw, ttl)
		}
		return raw, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *AvailabilityCache) generation(slot model.Slot) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gens[slot.Key()]
}

// storeLocal adds raw to L1 unless the slot was invalidated after gen was
// read.  It reports whether the value was stored.
func (c *AvailabilityCache) storeLocal(slot model.Slot, gen uint64, key string, raw []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[slot.Key()] != gen {
		return false
	}
	c.local.Add(key, raw)
	return true
}

func (c *AvailabilityCache) remoteGet(ctx context.Context, key string) ([]byte, bool) {
	if c.rdb == nil {
		return nil, false
	}
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("availability cache: redis get failed", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}
	return raw, true
}

func (c *AvailabilityCache) remoteSet(ctx context.Context, slot model.Slot, gen uint64, key string, raw []byte, ttl time.Duration) {
	if c.rdb == nil || ttl <= 0 {
		return
	}
	tag := c.tagKey(slot)
	_, err := c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, key, raw, ttl)
		p.SAdd(ctx, tag, key)
		p.Expire(ctx, tag, c.tagTTL)
		return nil
	})
	if err != nil {
		c.logger.Warn("availability cache: redis set failed", zap.String("key", key), zap.Error(err))
		return
	}
	// An invalidation may have read the tag set before our write landed.
	if c.generation(slot) != gen {
		if err := c.rdb.Del(ctx, key).Err(); err != nil {
			c.logger.Warn("availability cache: redis del failed", zap.String("key", key), zap.Error(err))
		}
	}
}

// Invalidate drops every cached view of the slot from both tiers.
func (c *AvailabilityCache) Invalidate(ctx context.Context, slot model.Slot) {
	prefix := c.slotPrefix(slot)
	c.mu.Lock()
	c.gens[slot.Key()]++
	for _, k := range c.local.Keys() {
		if strings.HasPrefix(k, prefix) {
			c.local.Remove(k)
		}
	}
	c.mu.Unlock()
	if c.rdb == nil {
		return
	}
	tag := c.tagKey(slot)
	members, err := c.rdb.SMembers(ctx, tag).Result()
	if err != nil {
		c.logger.Warn("availability cache: redis smembers failed", zap.String("tag", tag), zap.Error(err))
		return
	}
	if err := c.rdb.Del(ctx, append(members, tag)...).Err(); err != nil {
		c.logger.Warn("availability cache: redis del failed", zap.String("tag", tag), zap.Int("keys", len(members)), zap.Error(err))
	}
}

// Len reports the number of L1 entries.
func (c *AvailabilityCache) Len() int { return c.local.Len() }
