package evaluator

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"

	"cdopt/internal/params"
	"cdopt/internal/topology"
)

// Cache memoizes successful evaluations. It is owned by the caller and
// passed in explicitly; there is no package-level cache.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]Metrics
	hits    atomic.Int64
	misses  atomic.Int64
}

func NewCache() *Cache {
	return &Cache{entries: make(map[string]Metrics)}
}

func cacheKey(evaluator, topoFP, paramsFP string, seed uint64) string {
	return evaluator + "|" + topoFP + "|" + paramsFP + "|" + strconv.FormatUint(seed, 16)
}

func (c *Cache) get(key string) (Metrics, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	m, ok := c.entries[key]
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return m, ok
}

func (c *Cache) put(key string, m Metrics) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists {
		c.entries[key] = m
	}
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache) Hits() int64   { return c.hits.Load() }
func (c *Cache) Misses() int64 { return c.misses.Load() }

// CachedEvaluator consults Cache before delegating to Inner. Failed
// evaluations are not cached.
type CachedEvaluator struct {
	Inner Evaluator
	Cache *Cache
}

func (e CachedEvaluator) Name() string { return e.Inner.Name() }

func (e CachedEvaluator) Evaluate(ctx context.Context, topo *topology.Topology, p params.Parameters, seed uint64) (Metrics, error) {
	if e.Cache == nil {
		return e.Inner.Evaluate(ctx, topo, p, seed)
	}
	key := cacheKey(e.Inner.Name(), topo.Fingerprint(), p.Fingerprint(), seed)
	if m, ok := e.Cache.get(key); ok {
		return m, nil
	}
	m, err := e.Inner.Evaluate(ctx, topo, p, seed)
	if err != nil {
		return Metrics{}, err
	}
	e.Cache.put(key, m)
	return m, nil
}
