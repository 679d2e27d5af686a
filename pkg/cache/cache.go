// Package cache provides the key/value cache used in front of the knowledge
// node repository. Values are stored JSON-encoded so callers never share
// memory with a cached entry.
package cache

import (
	"context"
	"strings"
	"time"
)

// Cache is a TTL key/value store with glob invalidation.
// Delete accepts either an exact key or a pattern containing '*'.
type Cache interface {
	// Get decodes the value at key into dest. It reports false on a miss.
	Get(ctx context.Context, key string, dest any) (bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, pattern string) error
	Ping(ctx context.Context) error
}

// Stats is a point-in-time view of cache effectiveness.
type Stats struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Evictions int64   `json:"evictions"`
	Items     int     `json:"items"`
	HitRate   float64 `json:"hit_rate"`
}

func isPattern(key string) bool {
	return strings.ContainsAny(key, "*?[")
}
