package cache

import (
	"sync"
	"time"
)

const (
	DefaultTTL             = 30 * time.Minute
	DefaultCleanupInterval = 5 * time.Minute
	DefaultMaxEntries      = 1024
)

// Entry holds the provider track IDs resolved for one ISRC. A single
// expiry covers the whole entry; any write refreshes it.
type Entry struct {
	TidalTrackID  int64
	QobuzTrackID  int64
	AmazonTrackID string
	ExpiresAt     time.Time
}

// Options configures a TrackIDCache.
type Options struct {
	TTL             time.Duration
	CleanupInterval time.Duration
	MaxEntries      int
	// Now is the clock used for expiry decisions. Tests inject a fake.
	Now func() time.Time
}

// TrackIDCache maps ISRC to resolved provider track IDs with a TTL.
// Expired entries are deleted lazily on read; a full sweep runs on
// writes at most once per cleanup interval.
type TrackIDCache struct {
	mu          sync.RWMutex
	cache       map[string]*Entry
	ttl         time.Duration
	cleanupInt  time.Duration
	maxEntries  int
	lastCleanup time.Time
	now         func() time.Time
}

// New creates a TrackIDCache, filling in defaults for zero options.
func New(opts Options) *TrackIDCache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = DefaultCleanupInterval
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &TrackIDCache{
		cache:      make(map[string]*Entry),
		ttl:        opts.TTL,
		cleanupInt: opts.CleanupInterval,
		maxEntries: opts.MaxEntries,
		now:        opts.Now,
	}
}

// Get returns a copy of the entry for an ISRC, or nil when absent or
// expired. Copying keeps concurrent writes on the same key from
// mutating what the caller holds. Expired entries are deleted under
// the write lock.
func (c *TrackIDCache) Get(isrc string) *Entry {
	c.mu.RLock()
	entry, exists := c.cache[isrc]
	if !exists {
		c.mu.RUnlock()
		return nil
	}
	snapshot := *entry
	c.mu.RUnlock()

	if !c.now().After(snapshot.ExpiresAt) {
		return &snapshot
	}

	// Lazily delete the expired entry. Re-check under the write lock:
	// a concurrent write may have refreshed it.
	c.mu.Lock()
	entry, exists = c.cache[isrc]
	if exists && c.now().After(entry.ExpiresAt) {
		delete(c.cache, isrc)
	}
	c.mu.Unlock()
	return nil
}

// SetTidal records the Tidal track ID for an ISRC.
func (c *TrackIDCache) SetTidal(isrc string, trackID int64) {
	c.set(isrc, func(e *Entry) { e.TidalTrackID = trackID })
}

// SetQobuz records the Qobuz track ID for an ISRC.
func (c *TrackIDCache) SetQobuz(isrc string, trackID int64) {
	c.set(isrc, func(e *Entry) { e.QobuzTrackID = trackID })
}

// SetAmazon records the Amazon track URL for an ISRC.
func (c *TrackIDCache) SetAmazon(isrc string, trackID string) {
	c.set(isrc, func(e *Entry) { e.AmazonTrackID = trackID })
}

func (c *TrackIDCache) set(isrc string, update func(*Entry)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.cache[isrc]
	if !exists {
		if len(c.cache) >= c.maxEntries {
			c.enforceCapLocked()
		}
		entry = &Entry{}
		c.cache[isrc] = entry
	}
	update(entry)
	now := c.now()
	entry.ExpiresAt = now.Add(c.ttl)

	if c.lastCleanup.IsZero() || now.Sub(c.lastCleanup) >= c.cleanupInt {
		c.pruneExpiredLocked(now)
		c.lastCleanup = now
	}
}

// enforceCapLocked frees room for a new entry: first drop everything
// expired, and if the cache is still full, reset it entirely. Resolved
// IDs are cheap to recompute.
func (c *TrackIDCache) enforceCapLocked() {
	c.pruneExpiredLocked(c.now())
	if len(c.cache) >= c.maxEntries {
		c.cache = make(map[string]*Entry)
	}
}

func (c *TrackIDCache) pruneExpiredLocked(now time.Time) {
	for key, entry := range c.cache {
		if now.After(entry.ExpiresAt) {
			delete(c.cache, key)
		}
	}
}

// Clear drops all entries.
func (c *TrackIDCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = make(map[string]*Entry)
}

// Size returns the number of entries, expired ones included.
func (c *TrackIDCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cache)
}
