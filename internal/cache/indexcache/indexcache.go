// Package indexcache memoises composed index maps: an in-process LRU in
// front of an optional shared store. Store failures are logged and treated
// as misses.
package indexcache

import (
	"context"
	"log/slog"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mohammed-shakir/grid-select/internal/cache"
	"github.com/mohammed-shakir/grid-select/internal/cache/keys"
	"github.com/mohammed-shakir/grid-select/internal/core/observability"
	"github.com/mohammed-shakir/grid-select/internal/selection"
)

type Option func(*Cache)

func WithStore(s cache.Store) Option {
	return func(c *Cache) { c.store = s }
}

func WithTTL(d time.Duration) Option {
	return func(c *Cache) { c.ttl = d }
}

// WithOpTimeout bounds every store call.
func WithOpTimeout(d time.Duration) Option {
	return func(c *Cache) { c.opTimeout = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.log = l }
}

type Cache struct {
	lru       *lru.Cache[string, selection.IndexMap]
	store     cache.Store
	ttl       time.Duration
	opTimeout time.Duration
	log       *slog.Logger
}

func New(size int, opts ...Option) (*Cache, error) {
	if size <= 0 {
		size = 256
	}
	l, err := lru.New[string, selection.IndexMap](size)
	if err != nil {
		return nil, err
	}
	c := &Cache{
		lru:       l,
		ttl:       10 * time.Minute,
		opTimeout: 250 * time.Millisecond,
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

func (c *Cache) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.opTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.opTimeout)
}

// Get returns the cached index map for fingerprint over dataset. The slice is
// shared and must not be modified.
func (c *Cache) Get(ctx context.Context, dataset, fingerprint string) (selection.IndexMap, bool) {
	key := keys.Key(dataset, fingerprint)
	if idx, ok := c.lru.Get(key); ok {
		observability.IncIndexCache("lru", "hit")
		return idx, true
	}
	observability.IncIndexCache("lru", "miss")
	if c.store == nil {
		return nil, false
	}

	sctx, cancel := c.opCtx(ctx)
	defer cancel()
	b, ok, err := c.store.Get(sctx, key)
	if err != nil {
		observability.IncIndexCache("redis", "error")
		c.log.WarnContext(ctx, "index cache get failed", "key", key, "err", err)
		return nil, false
	}
	if !ok {
		observability.IncIndexCache("redis", "miss")
		return nil, false
	}
	idx, err := Decode(b)
	if err != nil {
		observability.IncIndexCache("redis", "error")
		c.log.WarnContext(ctx, "index cache entry dropped", "key", key, "err", err)
		_ = c.store.Del(sctx, key)
		return nil, false
	}
	observability.IncIndexCache("redis", "hit")
	c.lru.Add(key, idx)
	return idx, true
}

func (c *Cache) Put(ctx context.Context, dataset, fingerprint string, idx selection.IndexMap) {
	key := keys.Key(dataset, fingerprint)
	c.lru.Add(key, idx)
	if c.store == nil {
		return
	}
	sctx, cancel := c.opCtx(ctx)
	defer cancel()
	if err := c.store.Set(sctx, key, Encode(idx), c.ttl); err != nil {
		c.log.WarnContext(ctx, "index cache put failed", "key", key, "err", err)
	}
}

// InvalidateDataset drops every entry of dataset from both tiers and reports
// how many were removed.
func (c *Cache) InvalidateDataset(ctx context.Context, dataset string) (int, error) {
	prefix := keys.DatasetPrefix(dataset)
	n := 0
	for _, k := range c.lru.Keys() {
		if strings.HasPrefix(k, prefix) && c.lru.Remove(k) {
			n++
		}
	}
	if c.store == nil {
		return n, nil
	}
	// SCAN can take a while on big keyspaces; not bounded by opTimeout
	m, err := c.store.DelPrefix(ctx, prefix)
	return n + m, err
}

func (c *Cache) Len() int { return c.lru.Len() }
