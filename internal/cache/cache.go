// Package cache implements the per-session result cache: a bounded map
// from command id to a completed command.Cached, evicted by oldest
// last-access time under configured size/byte caps and optional memory
// pressure probes.
//
// The eviction machinery here is grounded on the ring-buffer trimming
// pattern the process runner uses for output buffers (oldest-first removal
// once a byte budget is exceeded), generalized from a FIFO byte budget to
// an LRU one keyed by access recency rather than insertion order.
package cache

import (
	"sort"
	"sync"
	"time"

	"github.com/CapulusCodeNinja/mcp-nexus-sub010/internal/command"
)

const (
	// entryOverheadBytes approximates the fixed bookkeeping cost per entry.
	entryOverheadBytes = 100
	// perDataKeyBytes approximates the cost of one key/value pair in Data.
	perDataKeyBytes = 50
)

// MemoryProbe reports a runtime memory hint in bytes; either return value
// may be zero to mean "unknown, ignore this probe".
type MemoryProbe func() (used, highPressure uint64)

// Config controls the cache's size and pressure thresholds.
type Config struct {
	MaxMemoryBytes           int64
	MaxResults               int
	MemoryPressureThreshold  float64 // [0.1, 1.0]
	SystemMemoryProbe        MemoryProbe
	ProcessMemoryProbe       MemoryProbe
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxMemoryBytes:          100 * 1024 * 1024,
		MaxResults:              1000,
		MemoryPressureThreshold: 0.8,
	}
}

type entry struct {
	cached command.Cached
	bytes  int64
}

// Cache is a per-session, bounded, memory-aware result cache.
//
// The backing map is a plain map, not a concurrent one, so every operation
// -- including the non-mutating Has -- takes the single cache mutex. That
// mutex's real job is guarding eviction and the cumulative byte counter so
// the two invariants below never tear; contention is cheap since no
// operation here blocks on I/O:
//
//	bytes == sum(estimate(entry)) for all retained entries
//	count == 0 implies bytes == 0
type Cache struct {
	cfg Config

	mu      sync.Mutex
	entries map[string]*entry
	bytes   int64
}

// New creates a Cache. Zero-valued fields in cfg fall back to the
// documented defaults.
func New(cfg Config) *Cache {
	d := DefaultConfig()
	if cfg.MaxMemoryBytes <= 0 {
		cfg.MaxMemoryBytes = d.MaxMemoryBytes
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = d.MaxResults
	}
	if cfg.MemoryPressureThreshold < 0.1 || cfg.MemoryPressureThreshold > 1.0 {
		cfg.MemoryPressureThreshold = d.MemoryPressureThreshold
	}
	return &Cache{cfg: cfg, entries: make(map[string]*entry)}
}

// estimate approximates an entry's in-memory footprint.
func estimate(c command.Cached) int64 {
	size := int64(entryOverheadBytes)
	size += 2 * int64(len(c.Result.Output))
	size += 2 * int64(len(c.Result.ErrorMessage))
	size += perDataKeyBytes * int64(len(c.Result.Data))
	return size
}

// Meta carries the bookkeeping fields Store wraps around a Result.
type Meta struct {
	OriginalCommand string
	QueueTime       time.Time
	StartTime       time.Time
	EndTime         time.Time
}

// Store inserts or replaces the cached result for id, evicting the oldest
// ~25% of entries first if the insertion would breach the configured size
// cap, the byte cap (scaled by the pressure threshold), or either memory
// probe's high-pressure ratio (85% for the system probe, 75% for the
// process probe).
func (c *Cache) Store(id string, result command.Result, meta Meta) {
	now := time.Now()
	cached := command.Cached{
		Result:          result,
		CreatedAt:       now,
		LastAccessAt:    now,
		OriginalCommand: meta.OriginalCommand,
		QueueTime:       meta.QueueTime,
		StartTime:       meta.StartTime,
		EndTime:         meta.EndTime,
	}
	e := &entry{cached: cached, bytes: estimate(cached)}

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.entries[id]; ok {
		c.bytes -= existing.bytes
		delete(c.entries, id)
	}

	if c.shouldEvictLocked(e.bytes) {
		c.evictLocked()
	}

	c.entries[id] = e
	c.bytes += e.bytes
}

// shouldEvictLocked reports whether inserting an entry of incomingBytes
// would breach a configured cap or an observed pressure probe. Must be
// called with mu held.
func (c *Cache) shouldEvictLocked(incomingBytes int64) bool {
	if len(c.entries) >= c.cfg.MaxResults {
		return true
	}
	budget := float64(c.cfg.MaxMemoryBytes) * c.cfg.MemoryPressureThreshold
	if float64(c.bytes+incomingBytes) > budget {
		return true
	}
	if c.cfg.SystemMemoryProbe != nil {
		if used, high := c.cfg.SystemMemoryProbe(); high > 0 && float64(used) > 0.85*float64(high) {
			return true
		}
	}
	if c.cfg.ProcessMemoryProbe != nil {
		if used, high := c.cfg.ProcessMemoryProbe(); high > 0 && float64(used) > 0.75*float64(high) {
			return true
		}
	}
	return false
}

// evictLocked removes max(1, count/4) entries with the smallest
// LastAccessAt, breaking ties by ascending id for a deterministic,
// testable order. Must be called with mu held.
func (c *Cache) evictLocked() {
	if len(c.entries) == 0 {
		return
	}
	ids := make([]string, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		ei, ej := c.entries[ids[i]], c.entries[ids[j]]
		if !ei.cached.LastAccessAt.Equal(ej.cached.LastAccessAt) {
			return ei.cached.LastAccessAt.Before(ej.cached.LastAccessAt)
		}
		return ids[i] < ids[j]
	})

	n := len(ids) / 4
	if n < 1 {
		n = 1
	}
	for _, id := range ids[:n] {
		c.bytes -= c.entries[id].bytes
		delete(c.entries, id)
	}
	if len(c.entries) == 0 {
		c.bytes = 0
	}
}

// Get returns the result for id, updating its last-access time on hit.
func (c *Cache) Get(id string) (command.Result, bool) {
	cached, ok := c.GetWithMetadata(id)
	if !ok {
		return command.Result{}, false
	}
	return cached.Result, true
}

// GetWithMetadata returns the full cached entry for id, updating its
// last-access time on hit.
func (c *Cache) GetWithMetadata(id string) (command.Cached, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return command.Cached{}, false
	}
	e.cached.LastAccessAt = time.Now()
	return e.cached, true
}

// Has reports whether id is present, without updating access time.
func (c *Cache) Has(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[id]
	return ok
}

// Remove deletes id from the cache, returning whether it was present.
func (c *Cache) Remove(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return false
	}
	c.bytes -= e.bytes
	delete(c.entries, id)
	if len(c.entries) == 0 {
		c.bytes = 0
	}
	return true
}

// Clear empties the cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry)
	c.bytes = 0
}

// Stats summarizes the cache's current occupancy.
type Stats struct {
	Count          int
	Bytes          int64
	MaxBytes       int64
	MaxCount       int
	UtilizationPct float64
}

// Statistics reports the current cache occupancy.
func (c *Cache) Statistics() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	util := 0.0
	if c.cfg.MaxMemoryBytes > 0 {
		util = 100 * float64(c.bytes) / float64(c.cfg.MaxMemoryBytes)
	}
	return Stats{
		Count:          len(c.entries),
		Bytes:          c.bytes,
		MaxBytes:       c.cfg.MaxMemoryBytes,
		MaxCount:       c.cfg.MaxResults,
		UtilizationPct: util,
	}
}
