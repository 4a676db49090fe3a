// Package cache holds the storage contract shared by the index map cache
// tiers.
package cache

import (
	"context"
	"time"
)

// Store is a byte-valued remote store. A missing key is (nil, false, nil).
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	// DelPrefix removes every key starting with prefix and reports how many.
	DelPrefix(ctx context.Context, prefix string) (int, error)
}
