package cache

import (
	"context"
	"sync"
	"time"

	"github.com/mikey/remote-mail-filter/internal/core"
	"go.uber.org/zap"
)

// MemoryCache is an in-memory implementation of the CacheRepository interface.
// Marks are lost on restart, so every message is evaluated once more after one.
type MemoryCache struct {
	// entries maps a message id to its marks, keyed by scope
	entries     map[string]map[string]*core.CacheEntry
	mu          sync.RWMutex
	logger      *zap.Logger
	ttl         time.Duration
	cleanupFreq time.Duration
	stopCh      chan struct{}
	stopOnce    sync.Once
	now         func() time.Time
}

// NewMemoryCache creates a new in-memory cache. A zero ttl keeps marks
// until they are invalidated.
func NewMemoryCache(logger *zap.Logger, ttl, cleanupFreq time.Duration) *MemoryCache {
	cache := &MemoryCache{
		entries:     make(map[string]map[string]*core.CacheEntry),
		logger:      logger,
		ttl:         ttl,
		cleanupFreq: cleanupFreq,
		stopCh:      make(chan struct{}),
		now:         time.Now,
	}

	go runCleanupTask(logger, cleanupFreq, cache.stopCh, cache.Cleanup)

	return cache
}

// IsCached reports whether messageID is marked in scope
func (c *MemoryCache) IsCached(ctx context.Context, scope core.CacheScope, messageID string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[messageID][scope.String()]
	return ok && !entry.Expired(c.now()), nil
}

// IsFiltered reports whether messageID is marked for folder or under any key
func (c *MemoryCache) IsFiltered(ctx context.Context, folder core.Folder, messageID string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.now()
	for _, entry := range c.entries[messageID] {
		if entry.Scope.Applies(folder) && !entry.Expired(now) {
			return true, nil
		}
	}
	return false, nil
}

// MarkCached stores a mark for messageID in scope
func (c *MemoryCache) MarkCached(ctx context.Context, scope core.CacheScope, messageID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	marks, ok := c.entries[messageID]
	if !ok {
		marks = make(map[string]*core.CacheEntry)
		c.entries[messageID] = marks
	}
	marks[scope.String()] = newEntry(scope, messageID, c.now(), c.ttl)
	return nil
}

// Invalidate drops every mark written under key
func (c *MemoryCache) Invalidate(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	target := core.KeyScope(key).String()
	removed := 0
	for id, marks := range c.entries {
		if _, ok := marks[target]; !ok {
			continue
		}
		delete(marks, target)
		removed++
		if len(marks) == 0 {
			delete(c.entries, id)
		}
	}

	c.logger.Debug("Invalidated cache key", zap.String("key", key), zap.Int("removed", removed))
	return nil
}

// Cleanup removes expired entries
func (c *MemoryCache) Cleanup(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	expiredCount := 0

	for id, marks := range c.entries {
		for scope, entry := range marks {
			if entry.Expired(now) {
				delete(marks, scope)
				expiredCount++
			}
		}
		if len(marks) == 0 {
			delete(c.entries, id)
		}
	}

	c.logger.Debug("Cleaned up expired cache entries", zap.Int("expired_count", expiredCount))
	return nil
}

// Stop stops the background cleanup task
func (c *MemoryCache) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}
