// Package cache is the two-tier read-through cache: a bounded local LRU
// with per-entry TTL in front of the shared cache tier, in front of
// whatever loader the caller supplies. Values cross tier boundaries as
// JSON, so anything json-serializable can live in either tier.
package cache

import (
	"container/list"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ludoforge/mmocore/internal/metrics"
	"github.com/ludoforge/mmocore/internal/storage"
)

const (
	DefaultLocalSize = 10_000
	DefaultLocalTTL  = 5 * time.Minute
	DefaultSharedTTL = 30 * time.Minute
)

// Loader produces the value for a key on a full miss. A nil result with a
// nil error means "genuinely absent" — negative caching is the loader's
// own responsibility.
type Loader func(ctx context.Context) (any, error)

// EvictBroadcast is called after Evict removes a key from both tiers so
// the caller (the distributed event bus wiring) can tell every other node
// to drop its local copy. Nil is fine for single-node deployments.
type EvictBroadcast func(ctx context.Context, namespace, key string)

// Config bundles Tiered construction parameters. Zero values fall back to
// the documented defaults.
type Config struct {
	Shared    storage.KVStore
	LocalSize int
	LocalTTL  time.Duration
	SharedTTL time.Duration
	Broadcast EvictBroadcast
	Metrics   *metrics.Sink
	Log       *slog.Logger
}

// Tiered is the two-tier cache. All methods are safe for concurrent use.
type Tiered struct {
	local     *lru
	shared    storage.KVStore
	sharedTTL time.Duration
	broadcast EvictBroadcast
	group     singleflight.Group

	metrics *metrics.Sink
	log     *slog.Logger
}

// New builds a Tiered cache over cfg.Shared. Shared may be nil, in which
// case only the local tier and the loader participate.
func New(cfg Config) *Tiered {
	if cfg.LocalSize <= 0 {
		cfg.LocalSize = DefaultLocalSize
	}
	if cfg.LocalTTL <= 0 {
		cfg.LocalTTL = DefaultLocalTTL
	}
	if cfg.SharedTTL <= 0 {
		cfg.SharedTTL = DefaultSharedTTL
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Tiered{
		local:     newLRU(cfg.LocalSize, cfg.LocalTTL),
		shared:    cfg.Shared,
		sharedTTL: cfg.SharedTTL,
		broadcast: cfg.Broadcast,
		metrics:   cfg.Metrics,
		log:       cfg.Log,
	}
}

func sharedKey(namespace, key string) string {
	return "cache:" + namespace + ":" + key
}

func localKey(namespace, key string) string {
	return namespace + ":" + key
}

// Get resolves (namespace, key) through local → shared → loader and
// unmarshals the result into out (a non-nil pointer). It reports whether a
// value was found; found == false with a nil error means the key is absent
// everywhere and the loader (if any) returned nil.
func (t *Tiered) Get(ctx context.Context, namespace, key string, loader Loader, out any) (found bool, err error) {
	lk := localKey(namespace, key)

	if raw, ok := t.local.get(lk); ok {
		t.metrics.IncCacheResult(namespace, "local_hit")
		return true, json.Unmarshal(raw, out)
	}

	if t.shared != nil {
		raw, err := t.shared.Get(ctx, sharedKey(namespace, key))
		switch {
		case err == nil:
			t.metrics.IncCacheResult(namespace, "shared_hit")
			t.local.put(lk, raw)
			return true, json.Unmarshal(raw, out)
		case !errors.Is(err, storage.ErrNotFound):
			return false, fmt.Errorf("cache: shared get %s/%s: %w", namespace, key, err)
		}
	}

	if loader == nil {
		t.metrics.IncCacheResult(namespace, "miss")
		return false, nil
	}

	// Concurrent misses for the same key collapse onto one loader call.
	raw, err, _ := t.group.Do(lk, func() (any, error) {
		v, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		if v == nil {
			return nil, nil
		}
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("cache: marshal loaded value %s/%s: %w", namespace, key, err)
		}
		t.fill(ctx, namespace, key, data)
		return data, nil
	})
	if err != nil {
		t.metrics.IncCacheResult(namespace, "loader_error")
		return false, err
	}
	if raw == nil {
		t.metrics.IncCacheResult(namespace, "miss")
		return false, nil
	}
	t.metrics.IncCacheResult(namespace, "loaded")
	return true, json.Unmarshal(raw.([]byte), out)
}

// Put writes value into both tiers.
func (t *Tiered) Put(ctx context.Context, namespace, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: marshal %s/%s: %w", namespace, key, err)
	}
	t.fill(ctx, namespace, key, data)
	return nil
}

func (t *Tiered) fill(ctx context.Context, namespace, key string, data []byte) {
	t.local.put(localKey(namespace, key), data)
	if t.shared == nil {
		return
	}
	if err := t.shared.SetWithTTL(ctx, sharedKey(namespace, key), data, t.sharedTTL); err != nil {
		t.log.Warn("shared cache write failed", "namespace", namespace, "key", key, "error", err)
	}
}

// Evict removes (namespace, key) from both tiers and notifies the rest of
// the cluster so their local copies clear too.
func (t *Tiered) Evict(ctx context.Context, namespace, key string) error {
	t.local.remove(localKey(namespace, key))
	if t.shared != nil {
		if err := t.shared.Delete(ctx, sharedKey(namespace, key)); err != nil {
			return fmt.Errorf("cache: shared delete %s/%s: %w", namespace, key, err)
		}
	}
	if t.broadcast != nil {
		t.broadcast(ctx, namespace, key)
	}
	return nil
}

// EvictLocal drops one key from this node's local tier only. Key may be
// empty to drop the whole namespace — this is the handler the CacheEvict
// event wiring calls on every receiving node.
func (t *Tiered) EvictLocal(namespace, key string) {
	if key == "" {
		t.local.removePrefix(namespace + ":")
		return
	}
	t.local.remove(localKey(namespace, key))
}

// EvictAllLocal empties this node's local tier entirely.
func (t *Tiered) EvictAllLocal() {
	t.local.clear()
}

// LocalLen returns the number of live entries in the local tier.
func (t *Tiered) LocalLen() int {
	return t.local.len()
}

// lru is the bounded local tier: LRU eviction plus per-entry TTL.
type lru struct {
	mu      sync.Mutex
	maxSize int
	ttl     time.Duration
	order   *list.List
	items   map[string]*list.Element
}

type lruEntry struct {
	key     string
	value   []byte
	expires time.Time
}

func newLRU(maxSize int, ttl time.Duration) *lru {
	return &lru{
		maxSize: maxSize,
		ttl:     ttl,
		order:   list.New(),
		items:   make(map[string]*list.Element),
	}
}

func (c *lru) get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	ent := el.Value.(*lruEntry)
	if time.Now().After(ent.expires) {
		c.order.Remove(el)
		delete(c.items, key)
		return nil, false
	}
	c.order.MoveToFront(el)
	return ent.value, true
}

func (c *lru) put(key string, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		ent := el.Value.(*lruEntry)
		ent.value = value
		ent.expires = time.Now().Add(c.ttl)
		c.order.MoveToFront(el)
		return
	}
	if c.order.Len() >= c.maxSize {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.items, oldest.Value.(*lruEntry).key)
		}
	}
	ent := &lruEntry{key: key, value: value, expires: time.Now().Add(c.ttl)}
	c.items[key] = c.order.PushFront(ent)
}

func (c *lru) remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.order.Remove(el)
		delete(c.items, key)
	}
}

func (c *lru) removePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, el := range c.items {
		if strings.HasPrefix(key, prefix) {
			c.order.Remove(el)
			delete(c.items, key)
		}
	}
}

func (c *lru) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.items = make(map[string]*list.Element)
}

func (c *lru) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
