package cache

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/mikey/remote-mail-filter/internal/core"
	"go.uber.org/zap"
)

// sqlCache holds the queries shared by the database/sql backends. Both
// SQLite and MySQL accept "?" placeholders and REPLACE INTO.
type sqlCache struct {
	db          *sql.DB
	logger      *zap.Logger
	ttl         time.Duration
	cleanupFreq time.Duration
	stopCh      chan struct{}
	stopOnce    sync.Once
	now         func() time.Time
}

func newSQLCache(db *sql.DB, logger *zap.Logger, ttl, cleanupFreq time.Duration) *sqlCache {
	c := &sqlCache{
		db:          db,
		logger:      logger,
		ttl:         ttl,
		cleanupFreq: cleanupFreq,
		stopCh:      make(chan struct{}),
		now:         time.Now,
	}

	go runCleanupTask(logger, cleanupFreq, c.stopCh, c.Cleanup)

	return c
}

// IsCached reports whether messageID is marked in scope
func (c *sqlCache) IsCached(ctx context.Context, scope core.CacheScope, messageID string) (bool, error) {
	var one int
	err := c.db.QueryRowContext(ctx, `
		SELECT 1 FROM filter_cache
		WHERE message_id = ? AND scope = ? AND (expires_at = 0 OR expires_at > ?)
		LIMIT 1
	`, messageID, scope.String(), c.now().Unix()).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query cache: %w", err)
	}
	return true, nil
}

// IsFiltered reports whether messageID is marked for folder or under any key
func (c *sqlCache) IsFiltered(ctx context.Context, folder core.Folder, messageID string) (bool, error) {
	var one int
	err := c.db.QueryRowContext(ctx, `
		SELECT 1 FROM filter_cache
		WHERE message_id = ? AND (is_global = 1 OR scope = ?) AND (expires_at = 0 OR expires_at > ?)
		LIMIT 1
	`, messageID, core.FolderScope(folder).String(), c.now().Unix()).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query cache: %w", err)
	}
	return true, nil
}

// MarkCached stores a mark for messageID in scope
func (c *sqlCache) MarkCached(ctx context.Context, scope core.CacheScope, messageID string) error {
	entry := newEntry(scope, messageID, c.now(), c.ttl)

	_, err := c.db.ExecContext(ctx, `
		REPLACE INTO filter_cache (message_id, scope, is_global, cache_key, folder, cached_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, messageID, scope.String(), scope.Global, scope.Key, scope.Folder.String(), entry.CachedAt.Unix(), expiryUnix(entry))
	if err != nil {
		return fmt.Errorf("failed to insert cache entry: %w", err)
	}
	return nil
}

// Invalidate drops every mark written under key
func (c *sqlCache) Invalidate(ctx context.Context, key string) error {
	result, err := c.db.ExecContext(ctx, `
		DELETE FROM filter_cache
		WHERE is_global = 1 AND cache_key = ?
	`, key)
	if err != nil {
		return fmt.Errorf("failed to invalidate cache key: %w", err)
	}

	if rows, err := result.RowsAffected(); err == nil {
		c.logger.Debug("Invalidated cache key", zap.String("key", key), zap.Int64("removed", rows))
	}
	return nil
}

// Cleanup removes expired entries
func (c *sqlCache) Cleanup(ctx context.Context) error {
	result, err := c.db.ExecContext(ctx, `
		DELETE FROM filter_cache
		WHERE expires_at <> 0 AND expires_at <= ?
	`, c.now().Unix())
	if err != nil {
		return fmt.Errorf("failed to clean up expired entries: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		c.logger.Warn("Failed to get rows affected during cleanup", zap.Error(err))
	} else {
		c.logger.Debug("Cleaned up expired cache entries", zap.Int64("expired_count", rowsAffected))
	}

	return nil
}

// Stop stops the background cleanup task and closes the database connection
func (c *sqlCache) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		if err := c.db.Close(); err != nil {
			c.logger.Error("Failed to close cache database", zap.Error(err))
		}
	})
}
