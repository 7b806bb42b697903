package fetch

import (
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// forcedEntry is one cached response body. Entries are stored without
// go-cache expiry so an expired body remains available as a stale
// fallback when the network is down; freshness is judged against the
// per-path TTL at lookup time.
type forcedEntry struct {
	payload  []byte
	storedAt time.Time
	ttl      time.Duration
}

// ForcedCache serves whitelisted GET responses without touching the
// network until their TTL expires.
type ForcedCache struct {
	entries *gocache.Cache
	ttls    map[string]time.Duration
	now     func() time.Time

	hits   atomic.Int64
	misses atomic.Int64
}

// NewForcedCache creates a cache whose ttls map whitelists resource
// paths; paths absent from the map are never cached.
func NewForcedCache(ttls map[string]time.Duration) *ForcedCache {
	return &ForcedCache{
		entries: gocache.New(gocache.NoExpiration, 0),
		ttls:    ttls,
		now:     time.Now,
	}
}

// TTLFor reports the configured TTL for a resource path and whether the
// path is cacheable at all.
func (f *ForcedCache) TTLFor(path string) (time.Duration, bool) {
	ttl, ok := f.ttls[path]
	return ttl, ok
}

// Lookup returns the cached payload for key. fresh reports whether the
// entry is within its TTL; an expired entry is still returned with
// fresh=false for the stale-on-error path.
func (f *ForcedCache) Lookup(key string) (payload []byte, fresh bool, ok bool) {
	v, ok := f.entries.Get(key)
	if !ok {
		f.misses.Add(1)
		return nil, false, false
	}
	entry := v.(forcedEntry)
	fresh = f.now().Sub(entry.storedAt) < entry.ttl
	if fresh {
		f.hits.Add(1)
	}
	return entry.payload, fresh, true
}

// Store records a fresh response for key under the path's TTL.
func (f *ForcedCache) Store(key, path string, payload []byte) {
	ttl, ok := f.ttls[path]
	if !ok {
		return
	}
	f.entries.Set(key, forcedEntry{payload: payload, storedAt: f.now(), ttl: ttl}, gocache.NoExpiration)
}

// Clear evicts everything. Called on account switch.
func (f *ForcedCache) Clear() {
	f.entries.Flush()
}

// Stats summarizes cache usage for diagnostics.
func (f *ForcedCache) Stats() CacheStats {
	return CacheStats{
		Entries: f.entries.ItemCount(),
		Hits:    f.hits.Load(),
		Misses:  f.misses.Load(),
	}
}

// CacheStats is a diagnostics view of one cache layer.
type CacheStats struct {
	Entries int   `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}
