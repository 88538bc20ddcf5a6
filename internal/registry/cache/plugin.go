package cache

import (
	"context"
	"fmt"
	"time"
)

type listCacheKey struct{}

// WithListCacheContext returns a new context carrying the given ListCache.
func WithListCacheContext(ctx context.Context, c ListCache) context.Context {
	return context.WithValue(ctx, listCacheKey{}, c)
}

// ListCacheFromContext retrieves the ListCache from the context.
// Returns nil if none was set.
func ListCacheFromContext(ctx context.Context) ListCache {
	c, _ := ctx.Value(listCacheKey{}).(ListCache)
	return c
}

// ListCache caches serialized read-view pages under short TTLs. Entries go
// stale only until the TTL expires; writes never invalidate.
type ListCache interface {
	Available() bool
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Loader creates a cache from config.
type Loader func(ctx context.Context) (ListCache, error)

// Plugin represents a cache plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a cache plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered cache plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named cache plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown cache %q; valid: %v", name, Names())
}
