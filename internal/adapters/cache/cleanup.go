package cache

import (
	"context"
	"errors"
	"time"

	"github.com/mikey/remote-mail-filter/internal/core"
	"go.uber.org/zap"
)

// ErrUnsupportedType is returned for an unknown cache.type
var ErrUnsupportedType = errors.New("unsupported cache type")

// newEntry builds the mark written by MarkCached
func newEntry(scope core.CacheScope, messageID string, now time.Time, ttl time.Duration) *core.CacheEntry {
	entry := &core.CacheEntry{
		Scope:     scope,
		MessageID: messageID,
		CachedAt:  now,
	}
	if ttl > 0 {
		entry.ExpiresAt = now.Add(ttl)
	}
	return entry
}

// expiryUnix encodes the expiry for SQL and DynamoDB rows, where 0 means never
func expiryUnix(entry *core.CacheEntry) int64 {
	if entry.ExpiresAt.IsZero() {
		return 0
	}
	return entry.ExpiresAt.Unix()
}

// runCleanupTask calls cleanup every freq until stopCh is closed. A
// non-positive freq disables the task.
func runCleanupTask(logger *zap.Logger, freq time.Duration, stopCh <-chan struct{}, cleanup func(context.Context) error) {
	if freq <= 0 {
		return
	}

	ticker := time.NewTicker(freq)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := cleanup(context.Background()); err != nil {
				logger.Error("Failed to clean up cache", zap.Error(err))
			}
		case <-stopCh:
			return
		}
	}
}
