package noop

import (
	"context"
	"time"

	"github.com/recallhq/user-memory-service/internal/registry/cache"
)

func init() {
	cache.Register(cache.Plugin{
		Name: "none",
		Loader: func(ctx context.Context) (cache.ListCache, error) {
			return &noopListCache{}, nil
		},
	})
}

type noopListCache struct{}

func (n *noopListCache) Available() bool                                            { return false }
func (n *noopListCache) Get(_ context.Context, _ string) ([]byte, error)            { return nil, nil }
func (n *noopListCache) Set(_ context.Context, _ string, _ []byte, _ time.Duration) error {
	return nil
}

var _ cache.ListCache = (*noopListCache)(nil)
