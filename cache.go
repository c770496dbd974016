package modload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

// Artifact is the opaque unit of functionality a module load resolves to.
// The cache and orchestrator never inspect it.
type Artifact = any

// CacheMetadata describes how an artifact was produced, recorded alongside
// the cached value. Unsuccessful loads may still be recorded by callers but
// are treated as stale and never served.
type CacheMetadata struct {
	// LoadDuration is how long the artifact load took.
	LoadDuration time.Duration `json:"loadDuration"`

	// NetworkCondition is the condition observed at load time.
	NetworkCondition NetworkCondition `json:"networkCondition"`

	// Success reports whether the load completed successfully.
	Success bool `json:"success"`

	// SizeEstimate is the estimated artifact size in bytes. Zero falls back
	// to a conservative default.
	SizeEstimate int64 `json:"sizeEstimate"`

	// Version tags the artifact build, used for diagnostics.
	Version string `json:"version"`
}

// CacheEntry is a cached artifact with its bookkeeping timestamps.
type CacheEntry struct {
	ModuleID   string        `json:"moduleId"`
	Artifact   Artifact      `json:"-"`
	InsertedAt time.Time     `json:"insertedAt"`
	AccessedAt time.Time     `json:"accessedAt"`
	ExpiresAt  time.Time     `json:"expiresAt"`
	Metadata   CacheMetadata `json:"metadata"`
}

// DependencyResolver is the extension point for cascading invalidation.
// Given a module id it returns the ids of modules whose cached artifacts
// depend on it. The default resolver returns nothing.
type DependencyResolver interface {
	DependentsOf(id string) []string
}

// noDependencies is the default DependencyResolver.
type noDependencies struct{}

func (noDependencies) DependentsOf(string) []string { return nil }

// InvalidationRecord describes one explicit cache invalidation.
type InvalidationRecord struct {
	ModuleID  string    `json:"moduleId"`
	Reason    string    `json:"reason"`
	Cascaded  []string  `json:"cascaded,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// CacheHealth is the overall health classification of the cache.
type CacheHealth string

const (
	// CacheHealthy indicates normal operation.
	CacheHealthy CacheHealth = "healthy"
	// CacheWarning indicates degraded effectiveness (low hit rate or high
	// memory usage).
	CacheWarning CacheHealth = "warning"
	// CacheCritical indicates thrashing (high eviction rate).
	CacheCritical CacheHealth = "critical"
)

// CacheStatistics is a point-in-time summary of cache effectiveness.
type CacheStatistics struct {
	Hits          int64       `json:"hits"`
	Misses        int64       `json:"misses"`
	Evictions     int64       `json:"evictions"`
	Inserts       int64       `json:"inserts"`
	HitRate       float64     `json:"hitRate"`
	MissRate      float64     `json:"missRate"`
	EvictionRate  float64     `json:"evictionRate"`
	EntryCount    int         `json:"entryCount"`
	TotalSize     int64       `json:"totalSize"`
	MemoryPercent float64     `json:"memoryPercent"`
	Health        CacheHealth `json:"health"`
}

// cacheSnapshot is the small persisted summary written for session
// continuity. Only statistics survive a restart, never artifacts.
type cacheSnapshot struct {
	Hits       int64     `json:"hits"`
	Misses     int64     `json:"misses"`
	Evictions  int64     `json:"evictions"`
	Inserts    int64     `json:"inserts"`
	EntryCount int       `json:"entryCount"`
	TotalSize  int64     `json:"totalSize"`
	SavedAt    time.Time `json:"savedAt"`
}

// defaultEntrySize is assumed when a caller provides no size estimate.
const defaultEntrySize = 64 * 1024

// memoryPressureEvictFraction is the share of oldest entries dropped when
// the aggregate size estimate crosses the configured threshold.
const memoryPressureEvictFraction = 0.30

// invalidationHistorySize bounds the retained invalidation records.
const invalidationHistorySize = 50

// ArtifactCache is the bounded in-memory store of loaded artifacts. Entries
// expire by TTL, age out at an absolute maximum, are evicted least recently
// accessed first when the store is full, and are dropped in bulk under
// memory pressure. A small statistics snapshot is persisted across sessions.
//
// Cache failures are never fatal: every method degrades to a no-op and the
// caller falls back to an uncached load.
type ArtifactCache struct {
	mu        sync.Mutex
	entries   map[string]*CacheEntry
	config    CacheConfig
	resolver  DependencyResolver
	preloader PreloadFunc
	logger    Logger
	bus       *EventBus

	hits          int64
	misses        int64
	evictions     int64
	inserts       int64
	invalidations []InvalidationRecord
	dirty         bool
}

// NewArtifactCache creates a cache with the given configuration. If a
// snapshot path is configured and a snapshot exists, its statistics seed the
// counters so rates stay meaningful across sessions.
func NewArtifactCache(config CacheConfig, logger Logger, bus *EventBus) *ArtifactCache {
	if logger == nil {
		logger = NoopLogger{}
	}
	c := &ArtifactCache{
		entries:  make(map[string]*CacheEntry),
		config:   config,
		resolver: noDependencies{},
		logger:   logger,
		bus:      bus,
	}
	c.loadSnapshot()
	return c
}

// SetDependencyResolver installs the cascade resolver used by Invalidate.
func (c *ArtifactCache) SetDependencyResolver(r DependencyResolver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r == nil {
		r = noDependencies{}
	}
	c.resolver = r
}

// Set stores an artifact. At capacity the least recently accessed entry is
// evicted first; when the aggregate size estimate exceeds the configured
// memory threshold the oldest 30% of entries are dropped before inserting.
func (c *ArtifactCache) Set(id string, artifact Artifact, meta CacheMetadata) {
	now := time.Now()
	if meta.SizeEstimate <= 0 {
		meta.SizeEstimate = defaultEntrySize
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	existing, replacing := c.entries[id]
	if c.config.MemoryThreshold > 0 {
		projected := c.totalSizeLocked() + meta.SizeEstimate
		if replacing {
			// A replacement frees the old entry's estimate; only growth
			// counts against the threshold.
			projected -= existing.Metadata.SizeEstimate
		}
		if projected > c.config.MemoryThreshold {
			c.evictOldestFractionLocked(memoryPressureEvictFraction)
		}
	}
	if !replacing && c.config.MaxEntries > 0 && len(c.entries) >= c.config.MaxEntries {
		c.evictLRULocked()
	}

	c.entries[id] = &CacheEntry{
		ModuleID:   id,
		Artifact:   artifact,
		InsertedAt: now,
		AccessedAt: now,
		ExpiresAt:  now.Add(c.config.DefaultTTL),
		Metadata:   meta,
	}
	c.inserts++
	c.dirty = true
}

// Get returns the cached artifact for id, or nil and false on a miss.
// Expired and stale entries count as misses and are deleted; a hit touches
// the entry's access timestamp.
func (c *ArtifactCache) Get(id string) (Artifact, bool) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[id]
	if !ok {
		c.misses++
		return nil, false
	}
	if c.staleLocked(entry, now) {
		delete(c.entries, id)
		c.misses++
		c.dirty = true
		return nil, false
	}

	entry.AccessedAt = now
	c.hits++
	return entry.Artifact, true
}

// staleLocked reports whether an entry must no longer be served: past its
// TTL, older than the absolute maximum age, or recorded from an
// unsuccessful load.
func (c *ArtifactCache) staleLocked(entry *CacheEntry, now time.Time) bool {
	if !now.Before(entry.ExpiresAt) {
		return true
	}
	if c.config.MaxEntryAge > 0 && now.Sub(entry.InsertedAt) > c.config.MaxEntryAge {
		return true
	}
	return !entry.Metadata.Success
}

// Invalidate removes the entry for id and any entries transitively dependent
// on it, records the invalidation, and returns how many entries were
// removed.
func (c *ArtifactCache) Invalidate(id, reason string) int {
	c.mu.Lock()

	removed := 0
	var cascaded []string
	visited := map[string]bool{}
	queue := []string{id}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if visited[current] {
			continue
		}
		visited[current] = true
		if _, ok := c.entries[current]; ok {
			delete(c.entries, current)
			removed++
			if current != id {
				cascaded = append(cascaded, current)
			}
		}
		queue = append(queue, c.resolver.DependentsOf(current)...)
	}

	c.invalidations = append(c.invalidations, InvalidationRecord{
		ModuleID:  id,
		Reason:    reason,
		Cascaded:  cascaded,
		Timestamp: time.Now(),
	})
	if len(c.invalidations) > invalidationHistorySize {
		c.invalidations = c.invalidations[len(c.invalidations)-invalidationHistorySize:]
	}
	c.dirty = removed > 0 || c.dirty
	c.mu.Unlock()

	if c.bus != nil && removed > 0 {
		event := NewLoadingEvent(EventTypeCacheInvalidated, id, map[string]any{
			"reason":  reason,
			"removed": removed,
		}, "", "")
		_ = c.bus.NotifyObservers(context.Background(), event)
	}
	return removed
}

// InvalidationHistory returns a copy of the recent invalidation records,
// oldest first.
func (c *ArtifactCache) InvalidationHistory() []InvalidationRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]InvalidationRecord, len(c.invalidations))
	copy(out, c.invalidations)
	return out
}

// contains reports whether a servable entry exists without counting a
// lookup or touching LRU order.
func (c *ArtifactCache) contains(id string) bool {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[id]
	return ok && !c.staleLocked(entry, now)
}

// Len returns the number of live entries, including any not yet expired.
func (c *ArtifactCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Clear drops every entry without recording invalidations.
func (c *ArtifactCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*CacheEntry)
	c.dirty = true
}

// Statistics summarizes cache effectiveness and classifies overall health:
// a hit rate below 30% or memory above 80% of the threshold is a warning,
// an eviction rate above 20% is critical.
func (c *ArtifactCache) Statistics() CacheStatistics {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := CacheStatistics{
		Hits:       c.hits,
		Misses:     c.misses,
		Evictions:  c.evictions,
		Inserts:    c.inserts,
		EntryCount: len(c.entries),
		TotalSize:  c.totalSizeLocked(),
		Health:     CacheHealthy,
	}

	if lookups := c.hits + c.misses; lookups > 0 {
		stats.HitRate = float64(c.hits) / float64(lookups)
		stats.MissRate = float64(c.misses) / float64(lookups)
	}
	if c.inserts > 0 {
		stats.EvictionRate = float64(c.evictions) / float64(c.inserts)
	}
	if c.config.MemoryThreshold > 0 {
		stats.MemoryPercent = float64(stats.TotalSize) / float64(c.config.MemoryThreshold) * 100
	}

	switch {
	case stats.EvictionRate > 0.20:
		stats.Health = CacheCritical
	case c.hits+c.misses > 0 && stats.HitRate < 0.30:
		stats.Health = CacheWarning
	case stats.MemoryPercent > 80:
		stats.Health = CacheWarning
	}
	return stats
}

// PersistSnapshot writes the statistics snapshot. It returns
// ErrSnapshotPath when no snapshot path is configured and is a no-op when
// nothing changed since the last write.
func (c *ArtifactCache) PersistSnapshot() error {
	c.mu.Lock()
	if c.config.SnapshotPath == "" {
		c.mu.Unlock()
		return ErrSnapshotPath
	}
	if !c.dirty {
		c.mu.Unlock()
		return nil
	}
	snap := cacheSnapshot{
		Hits:       c.hits,
		Misses:     c.misses,
		Evictions:  c.evictions,
		Inserts:    c.inserts,
		EntryCount: len(c.entries),
		TotalSize:  c.totalSizeLocked(),
		SavedAt:    time.Now(),
	}
	path := c.config.SnapshotPath
	c.dirty = false
	c.mu.Unlock()

	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal cache snapshot: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("failed to persist cache snapshot: %w", err)
	}
	return nil
}

// Close persists the final snapshot. A cache with no snapshot configured
// closes cleanly.
func (c *ArtifactCache) Close(context.Context) error {
	if err := c.PersistSnapshot(); err != nil && !errors.Is(err, ErrSnapshotPath) {
		return err
	}
	return nil
}

// loadSnapshot seeds counters from a previous session's snapshot.
func (c *ArtifactCache) loadSnapshot() {
	if c.config.SnapshotPath == "" {
		return
	}
	raw, err := os.ReadFile(c.config.SnapshotPath)
	if err != nil {
		return
	}
	var snap cacheSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		c.logger.Warn("ignoring corrupt cache snapshot", "path", c.config.SnapshotPath, "error", err)
		return
	}
	c.hits = snap.Hits
	c.misses = snap.Misses
	c.evictions = snap.Evictions
	c.inserts = snap.Inserts
	c.logger.Debug("restored cache statistics snapshot",
		"path", c.config.SnapshotPath, "savedAt", snap.SavedAt)
}

func (c *ArtifactCache) totalSizeLocked() int64 {
	var total int64
	for _, entry := range c.entries {
		total += entry.Metadata.SizeEstimate
	}
	return total
}

// evictLRULocked removes the least recently accessed entry.
func (c *ArtifactCache) evictLRULocked() {
	var victim string
	var oldest time.Time
	for id, entry := range c.entries {
		if victim == "" || entry.AccessedAt.Before(oldest) {
			victim = id
			oldest = entry.AccessedAt
		}
	}
	if victim != "" {
		c.evictLocked(victim, "lru")
	}
}

// evictOldestFractionLocked removes the given fraction of entries, oldest
// insertions first.
func (c *ArtifactCache) evictOldestFractionLocked(fraction float64) {
	count := int(float64(len(c.entries)) * fraction)
	if count == 0 && len(c.entries) > 0 {
		count = 1
	}
	for i := 0; i < count; i++ {
		var victim string
		var oldest time.Time
		for id, entry := range c.entries {
			if victim == "" || entry.InsertedAt.Before(oldest) {
				victim = id
				oldest = entry.InsertedAt
			}
		}
		if victim == "" {
			return
		}
		c.evictLocked(victim, "memory-pressure")
	}
}

func (c *ArtifactCache) evictLocked(id, cause string) {
	delete(c.entries, id)
	c.evictions++
	c.dirty = true
	c.logger.Debug("evicted cache entry", "moduleId", id, "cause", cause)
	if c.bus != nil {
		event := NewLoadingEvent(EventTypeCacheEvicted, id, map[string]any{"cause": cause}, "", "")
		// Async: the cache mutex is held and observers may call back in.
		go func() { _ = c.bus.NotifyObservers(context.Background(), event) }()
	}
}
