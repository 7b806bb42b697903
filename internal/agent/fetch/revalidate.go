package fetch

import (
	gocache "github.com/patrickmn/go-cache"
)

// validatorEntry keeps the validators and body of the last full response
// for a resource, so an expired forced-cache entry can be revalidated
// instead of re-downloaded.
type validatorEntry struct {
	etag         string
	lastModified string
	payload      []byte
}

// RevalidationCache layers behind the forced cache: once a TTL expires,
// it supplies If-None-Match / If-Modified-Since validators, and a
// "not modified" reply is answered from the stored body.
type RevalidationCache struct {
	entries *gocache.Cache
}

func NewRevalidationCache() *RevalidationCache {
	return &RevalidationCache{entries: gocache.New(gocache.NoExpiration, 0)}
}

// Validators returns the validators recorded for key.
func (r *RevalidationCache) Validators(key string) (etag, lastModified string, ok bool) {
	v, ok := r.entries.Get(key)
	if !ok {
		return "", "", false
	}
	entry := v.(validatorEntry)
	return entry.etag, entry.lastModified, true
}

// Payload returns the stored body for key, used to answer a 304.
func (r *RevalidationCache) Payload(key string) ([]byte, bool) {
	v, ok := r.entries.Get(key)
	if !ok {
		return nil, false
	}
	return v.(validatorEntry).payload, true
}

// Store records a full response and its validators. Responses without
// any validator are not kept; there is nothing to revalidate against.
func (r *RevalidationCache) Store(key, etag, lastModified string, payload []byte) {
	if etag == "" && lastModified == "" {
		return
	}
	r.entries.Set(key, validatorEntry{etag: etag, lastModified: lastModified, payload: payload}, gocache.NoExpiration)
}

// Clear evicts everything. Called on account switch.
func (r *RevalidationCache) Clear() {
	r.entries.Flush()
}

// Stats summarizes cache usage for diagnostics.
func (r *RevalidationCache) Stats() CacheStats {
	return CacheStats{Entries: r.entries.ItemCount()}
}
