package directory

import (
	"context"
	"fmt"
	"time"
)

// MembershipCache stores org membership lists. *redis.Client satisfies it.
type MembershipCache interface {
	GetStrings(ctx context.Context, key string) ([]string, bool, error)
	SetStrings(ctx context.Context, key string, values []string, ttl time.Duration) error
}

func (d *HTTPDirectory) cached(ctx context.Context, key string) ([]string, bool) {
	if d.cache == nil || d.cacheTTL <= 0 {
		return nil, false
	}
	devices, ok, err := d.cache.GetStrings(ctx, key)
	if err != nil {
		d.logger.Warn("membership cache read failed", "key", key, "error", err)
		return nil, false
	}
	return devices, ok
}

func (d *HTTPDirectory) store(ctx context.Context, key string, devices []string) {
	if d.cache == nil || d.cacheTTL <= 0 {
		return
	}
	if err := d.cache.SetStrings(ctx, key, devices, d.cacheTTL); err != nil {
		d.logger.Warn("membership cache write failed", "key", key, "error", err)
	}
}

// membershipKey is the cache key for one user's view of an org.
func membershipKey(namespace, org int, username string) string {
	return fmt.Sprintf("directory:%d:%d:%s", namespace, org, username)
}
