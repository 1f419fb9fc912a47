// Package kv defines the key-value capability shared by the edge: the slug
// cache, dedup markers and recent-click pointers all live behind Store.
package kv

import (
	"context"
	"strings"
	"time"
)

// Store is a string key-value store with per-key expiry. Implementations
// must be safe for concurrent use by many request goroutines.
type Store interface {
	// Get returns found=false with a nil error on a miss.
	Get(ctx context.Context, key string) (value string, found bool, err error)
	// Put stores value under key. A ttl <= 0 means no expiry.
	Put(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// LinkKey is the cache key of a CachedLink.
func LinkKey(domain, slug string) string {
	return domain + ":" + slug
}

// DedupKey is the key of a click dedup marker.
func DedupKey(domain, slug, identityHash string) string {
	return domain + ":" + slug + ":" + identityHash
}

// RecentClickKey is the key of the most recent click pointer for a link.
func RecentClickKey(domain, slug string) string {
	return "click:recent:" + domain + ":" + slug
}

// NormalizeHost strips any port from a Host header value and lower-cases it.
func NormalizeHost(host string) string {
	host = strings.TrimSpace(host)
	if strings.HasPrefix(host, "[") {
		if i := strings.Index(host, "]"); i > 0 {
			return strings.ToLower(host[1:i])
		}
	}
	if i := strings.LastIndexByte(host, ':'); i >= 0 && strings.Count(host, ":") == 1 {
		host = host[:i]
	}
	return strings.ToLower(strings.TrimSuffix(host, "."))
}
