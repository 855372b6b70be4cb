// Package cache keeps materialized models in memory keyed by (model key,
// submodel). Entries are reference counted: a pinned entry is never evicted,
// and invalidated entries that are still pinned are dropped on last release.
package cache

import (
	"container/list"
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"modelmgr/pkg/types"
)

// Key identifies one cached object.
type Key struct {
	Model    string
	Submodel types.SubModelType
}

func (k Key) String() string {
	if k.Submodel == "" {
		return k.Model
	}
	return k.Model + ":" + string(k.Submodel)
}

// LoadFunc materializes the object for a key and reports its resident size.
type LoadFunc func(ctx context.Context) (obj any, sizeBytes int64, err error)

// Options configures the cache budget. Zero limits mean unlimited.
type Options struct {
	MaxBytes   int64
	MaxEntries int
	Logger     zerolog.Logger
}

type entry struct {
	key        Key
	obj        any
	size       int64
	lastAccess time.Time
	pins       int
	// stale entries are detached from the index and dropped on last release
	stale   bool
	dropped bool
	elem    *list.Element
}

// Cache is safe for concurrent use.
type Cache struct {
	mu      sync.RWMutex
	entries map[Key]*entry
	lru     *list.List
	flight  singleflight.Group
	// bumped on Invalidate so in-flight loads of an old config are not indexed
	gens map[string]uint64
	opts Options

	resident  int64
	highWater int64

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

// New creates an empty cache.
func New(opts Options) *Cache {
	return &Cache{
		entries: make(map[Key]*entry),
		lru:     list.New(),
		gens:    make(map[string]uint64),
		opts:    opts,
	}
}

// Handle is a pinned reference to a cached object. Release unpins it and is
// safe to call more than once.
type Handle struct {
	Key    Key
	Object any
	Size   int64

	once sync.Once
	c    *Cache
	e    *entry
}

func (h *Handle) Release() {
	if h == nil || h.c == nil {
		return
	}
	h.once.Do(func() { h.c.release(h.e) })
}

// Acquire returns a pinned handle for key if a fresh entry is resident.
func (c *Cache) Acquire(key Key) (*Handle, bool) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		c.misses.Add(1)
		cacheLookupsTotal.WithLabelValues("miss").Inc()
		return nil, false
	}
	e.pins++
	e.lastAccess = time.Now()
	c.lru.MoveToFront(e.elem)
	c.mu.Unlock()
	c.hits.Add(1)
	cacheLookupsTotal.WithLabelValues("hit").Inc()
	return c.handle(e), true
}

// Generation returns the invalidation counter of model. Callers that read
// model metadata before loading capture it first and pass it to GetOrLoadAt.
func (c *Cache) Generation(model string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gens[model]
}

// GetOrLoad returns a pinned handle for key, calling load on a miss.
// Concurrent misses for the same key share a single load.
func (c *Cache) GetOrLoad(ctx context.Context, key Key, load LoadFunc) (*Handle, error) {
	return c.GetOrLoadAt(ctx, key, c.Generation(key.Model), load)
}

// GetOrLoadAt is GetOrLoad for a load built from metadata read at generation
// gen. If the model was invalidated since, the loaded object is handed out
// once and never indexed.
func (c *Cache) GetOrLoadAt(ctx context.Context, key Key, gen uint64, load LoadFunc) (*Handle, error) {
	if h, ok := c.Acquire(key); ok {
		return h, nil
	}
	flightKey := key.String() + "@" + strconv.FormatUint(gen, 10)
	res, err, _ := c.flight.Do(flightKey, func() (interface{}, error) {
		c.mu.RLock()
		if e, ok := c.entries[key]; ok {
			c.mu.RUnlock()
			return e, nil
		}
		c.mu.RUnlock()

		start := time.Now()
		obj, size, err := load(ctx)
		if err != nil {
			return nil, err
		}
		cacheLoadDuration.Observe(time.Since(start).Seconds())
		return c.insert(key, obj, size, gen), nil
	})
	if err != nil {
		return nil, err
	}
	e := res.(*entry)

	c.mu.Lock()
	e.pins++
	e.lastAccess = time.Now()
	c.evictLocked()
	c.mu.Unlock()
	return c.handle(e), nil
}

func (c *Cache) handle(e *entry) *Handle {
	return &Handle{Key: e.key, Object: e.obj, Size: e.size, c: c, e: e}
}

func (c *Cache) insert(key Key, obj any, size int64, gen uint64) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := &entry{key: key, obj: obj, size: size, lastAccess: time.Now()}
	c.resident += size
	if c.resident > c.highWater {
		c.highWater = c.resident
	}
	if c.gens[key.Model] != gen {
		// invalidated while loading: hand it out once, never index it
		e.stale = true
		c.opts.Logger.Debug().Str("event", "cache_insert_stale").Str("key", key.String()).Msg("model invalidated during load")
	} else {
		if old, ok := c.entries[key]; ok {
			c.detachLocked(old)
		}
		e.elem = c.lru.PushFront(key)
		c.entries[key] = e
	}
	cacheResidentBytes.Set(float64(c.resident))
	return e
}

func (c *Cache) release(e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e.pins > 0 {
		e.pins--
	}
	if e.pins == 0 && e.stale {
		c.dropLocked(e)
	}
	c.evictLocked()
}

// Invalidate drops every entry of the given model. Pinned entries are
// detached and dropped when their last handle is released.
func (c *Cache) Invalidate(model string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gens[model]++
	for k, e := range c.entries {
		if k.Model != model {
			continue
		}
		c.detachLocked(e)
		if e.pins == 0 {
			c.dropLocked(e)
		}
	}
	// new callers must not join a load started before invalidation
	for _, sm := range append([]types.SubModelType{""}, types.SubModelTypes...) {
		c.flight.Forget(Key{Model: model, Submodel: sm}.String())
	}
	c.opts.Logger.Debug().Str("event", "cache_invalidate").Str("model", model).Msg("cache entries invalidated")
}

// Clear drops all unpinned entries and detaches the pinned ones.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		c.detachLocked(e)
		if e.pins == 0 {
			c.dropLocked(e)
		}
	}
}

// detachLocked removes e from the index and LRU list and marks it stale.
func (c *Cache) detachLocked(e *entry) {
	if e.elem != nil {
		c.lru.Remove(e.elem)
		e.elem = nil
	}
	if cur, ok := c.entries[e.key]; ok && cur == e {
		delete(c.entries, e.key)
	}
	e.stale = true
}

// dropLocked releases e's resident accounting. e must be unpinned.
func (c *Cache) dropLocked(e *entry) {
	if e.dropped {
		return
	}
	e.dropped = true
	c.resident -= e.size
	cacheResidentBytes.Set(float64(c.resident))
}

func (c *Cache) overBudgetLocked() bool {
	if c.opts.MaxEntries > 0 && len(c.entries) > c.opts.MaxEntries {
		return true
	}
	return c.opts.MaxBytes > 0 && c.resident > c.opts.MaxBytes
}

// evictLocked evicts least recently used unpinned entries until the cache
// fits its budget or only pinned entries remain.
func (c *Cache) evictLocked() {
	for c.overBudgetLocked() {
		if !c.evictLRULocked() {
			return
		}
	}
}

func (c *Cache) evictLRULocked() bool {
	for el := c.lru.Back(); el != nil; el = el.Prev() {
		e := c.entries[el.Value.(Key)]
		if e == nil || e.pins > 0 {
			continue
		}
		c.detachLocked(e)
		c.dropLocked(e)
		c.evictions.Add(1)
		cacheEvictionsTotal.Inc()
		c.opts.Logger.Debug().Str("event", "cache_evict").Str("key", e.key.String()).Msg("evicted model")
		return true
	}
	return false
}

// Len returns the number of indexed entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Pinned reports whether key is indexed with at least one outstanding handle.
func (c *Cache) Pinned(key Key) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	return ok && e.pins > 0
}

// Stats returns a snapshot of counters and resident sizes.
func (c *Cache) Stats() types.CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := types.CacheStats{
		Hits:           c.hits.Load(),
		Misses:         c.misses.Load(),
		Evictions:      c.evictions.Load(),
		ResidentBytes:  c.resident,
		ResidentCount:  len(c.entries),
		HighWaterBytes: c.highWater,
		Loaded:         make(map[string]int64, len(c.entries)),
	}
	for k, e := range c.entries {
		s.Loaded[k.String()] = e.size
	}
	return s
}

// Collect merges the current stats into acc. With reset the counters and
// high water mark start over.
func (c *Cache) Collect(acc *types.CacheStats, reset bool) {
	acc.Merge(c.Stats())
	if !reset {
		return
	}
	c.hits.Store(0)
	c.misses.Store(0)
	c.evictions.Store(0)
	c.mu.Lock()
	c.highWater = c.resident
	c.mu.Unlock()
}
