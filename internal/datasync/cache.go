package datasync

import (
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mmcdole/biolink/internal/domain"
)

// evictFraction is the share of capacity freed by one eviction pass
const evictFraction = 0.2

type cacheEntry struct {
	Data       json.RawMessage `json:"data"`
	InsertedAt time.Time       `json:"inserted_at"`
	ExpiresAt  time.Time       `json:"expires_at"`

	seq uint64 // insertion order tiebreak for equal timestamps
}

func (e *cacheEntry) expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Cache is a TTL cache of JSON payloads bounded by entry count. It is an
// optimization only: storage failures are logged, never returned.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]*cacheEntry
	seq        uint64
	maxEntries int
	defaultTTL time.Duration

	storage domain.LocalStorage
	now     func() time.Time
	logger  *slog.Logger
	metrics *Metrics

	// pinned reports keys eviction must keep. Called with mu held.
	pinned func(key string) bool
}

// NewCache creates a cache. storage may be nil, in which case Persist and
// Restore are no-ops.
func NewCache(maxEntries int, defaultTTL time.Duration, storage domain.LocalStorage, logger *slog.Logger) *Cache {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		entries:    make(map[string]*cacheEntry),
		maxEntries: maxEntries,
		defaultTTL: defaultTTL,
		storage:    storage,
		now:        time.Now,
		logger:     logger,
	}
}

// Get returns the payload if present and not expired
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || e.expired(c.now()) {
		c.metrics.recordMiss()
		return nil, false
	}
	c.metrics.recordHit()
	return e.Data, true
}

// GetStale returns the payload even if it has expired
func (c *Cache) GetStale(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	return e.Data, true
}

// Set stores data under key. A zero ttl uses the default.
func (c *Cache) Set(key string, data []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.seq++
	c.entries[key] = &cacheEntry{
		Data:       append(json.RawMessage(nil), data...),
		InsertedAt: now,
		ExpiresAt:  now.Add(ttl),
		seq:        c.seq,
	}

	if len(c.entries) > c.maxEntries {
		c.evictLocked(key)
	}
	c.metrics.updateCacheSize(len(c.entries))
}

// SetJSON marshals v and stores it
func (c *Cache) SetJSON(key string, v any, ttl time.Duration) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Warn("cache marshal failed", "key", key, "error", err)
		return
	}
	c.Set(key, data, ttl)
}

// evictLocked drops expired entries, then the oldest inserted ones, until
// at least a fifth of capacity is free. The entry just written and pinned
// entries are kept, so the cache may stay above capacity.
func (c *Cache) evictLocked(keep string) {
	target := c.maxEntries - int(float64(c.maxEntries)*evictFraction)
	if target >= c.maxEntries {
		target = c.maxEntries - 1
	}

	type candidate struct {
		key string
		e   *cacheEntry
	}
	candidates := make([]candidate, 0, len(c.entries))
	for k, e := range c.entries {
		if k == keep || (c.pinned != nil && c.pinned(k)) {
			continue
		}
		candidates = append(candidates, candidate{k, e})
	}

	now := c.now()
	sort.Slice(candidates, func(i, j int) bool {
		ei, ej := candidates[i].e, candidates[j].e
		// Expired first
		if xi, xj := ei.expired(now), ej.expired(now); xi != xj {
			return xi
		}
		if !ei.InsertedAt.Equal(ej.InsertedAt) {
			return ei.InsertedAt.Before(ej.InsertedAt)
		}
		return ei.seq < ej.seq
	})

	evicted := 0
	for _, cand := range candidates {
		if len(c.entries) <= target {
			break
		}
		delete(c.entries, cand.key)
		evicted++
	}

	c.metrics.recordEvictions(evicted)
	c.logger.Debug("cache evicted entries", "count", evicted, "remaining", len(c.entries))
}

// Invalidate removes one exact key
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.metrics.updateCacheSize(len(c.entries))
	c.mu.Unlock()
}

// InvalidatePrefix removes every key starting with prefix and reports how
// many were removed. An empty prefix clears the cache.
func (c *Cache) InvalidatePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
			n++
		}
	}
	c.metrics.updateCacheSize(len(c.entries))
	return n
}

// Len returns the number of entries, including expired ones not yet evicted
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Persist writes all valid entries to local storage
func (c *Cache) Persist() {
	if c.storage == nil {
		return
	}

	c.mu.Lock()
	now := c.now()
	snapshot := make(map[string]*cacheEntry, len(c.entries))
	for k, e := range c.entries {
		if !e.expired(now) {
			snapshot[k] = e
		}
	}
	data, err := json.Marshal(snapshot)
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("failed to encode cache snapshot", "error", err)
		return
	}
	if err := c.storage.Set(StorageKeyCache, data); err != nil {
		c.logger.Warn("failed to persist cache", "error", err)
		return
	}
	c.logger.Debug("persisted cache", "entries", len(snapshot))
}

// Restore loads the persisted snapshot, discarding entries that expired
// while the process was down. Existing entries win over restored ones.
func (c *Cache) Restore() {
	if c.storage == nil {
		return
	}

	data, ok, err := c.storage.Get(StorageKeyCache)
	if err != nil {
		c.logger.Warn("failed to read cache snapshot", "error", err)
		return
	}
	if !ok {
		return
	}

	var snapshot map[string]*cacheEntry
	if err := json.Unmarshal(data, &snapshot); err != nil {
		c.logger.Warn("discarding corrupt cache snapshot", "error", err)
		return
	}

	// Oldest first so insertion order survives the round trip
	keys := make([]string, 0, len(snapshot))
	for k := range snapshot {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return snapshot[keys[i]].InsertedAt.Before(snapshot[keys[j]].InsertedAt)
	})

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	restored := 0
	for _, k := range keys {
		e := snapshot[k]
		if e == nil || e.expired(now) {
			continue
		}
		if _, exists := c.entries[k]; exists {
			continue
		}
		c.seq++
		e.seq = c.seq
		c.entries[k] = e
		restored++
	}
	if len(c.entries) > c.maxEntries {
		c.evictLocked("")
	}
	c.metrics.updateCacheSize(len(c.entries))
	c.logger.Debug("restored cache", "entries", restored)
}
