package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mikey/remote-mail-filter/internal/core"
	"go.uber.org/zap"
)

// PostgresCache is a PostgreSQL implementation of the CacheRepository interface
type PostgresCache struct {
	pool        *pgxpool.Pool
	logger      *zap.Logger
	ttl         time.Duration
	cleanupFreq time.Duration
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewPostgresCache creates a new PostgreSQL cache
func NewPostgresCache(ctx context.Context, connString string, maxConns int32, logger *zap.Logger, ttl, cleanupFreq time.Duration) (*PostgresCache, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse PostgreSQL connection string: %w", err)
	}
	if maxConns > 0 {
		config.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS filter_cache (
			message_id TEXT NOT NULL,
			scope TEXT NOT NULL,
			is_global BOOLEAN NOT NULL,
			cache_key TEXT NOT NULL DEFAULT '',
			folder TEXT NOT NULL DEFAULT '',
			cached_at BIGINT NOT NULL,
			expires_at BIGINT NOT NULL,
			PRIMARY KEY (message_id, scope)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_filter_cache_key ON filter_cache (cache_key) WHERE is_global`,
		`CREATE INDEX IF NOT EXISTS idx_filter_cache_expires_at ON filter_cache (expires_at) WHERE expires_at <> 0`,
	} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to create cache schema: %w", err)
		}
	}

	cache := &PostgresCache{
		pool:        pool,
		logger:      logger,
		ttl:         ttl,
		cleanupFreq: cleanupFreq,
		stopCh:      make(chan struct{}),
	}

	go runCleanupTask(logger, cleanupFreq, cache.stopCh, cache.Cleanup)

	return cache, nil
}

// IsCached reports whether messageID is marked in scope
func (c *PostgresCache) IsCached(ctx context.Context, scope core.CacheScope, messageID string) (bool, error) {
	return c.exists(ctx, `
		SELECT 1 FROM filter_cache
		WHERE message_id = $1 AND scope = $2 AND (expires_at = 0 OR expires_at > $3)
		LIMIT 1
	`, messageID, scope.String(), time.Now().Unix())
}

// IsFiltered reports whether messageID is marked for folder or under any key
func (c *PostgresCache) IsFiltered(ctx context.Context, folder core.Folder, messageID string) (bool, error) {
	return c.exists(ctx, `
		SELECT 1 FROM filter_cache
		WHERE message_id = $1 AND (is_global OR scope = $2) AND (expires_at = 0 OR expires_at > $3)
		LIMIT 1
	`, messageID, core.FolderScope(folder).String(), time.Now().Unix())
}

func (c *PostgresCache) exists(ctx context.Context, query string, args ...any) (bool, error) {
	var one int
	err := c.pool.QueryRow(ctx, query, args...).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query cache: %w", err)
	}
	return true, nil
}

// MarkCached stores a mark for messageID in scope
func (c *PostgresCache) MarkCached(ctx context.Context, scope core.CacheScope, messageID string) error {
	entry := newEntry(scope, messageID, time.Now(), c.ttl)

	_, err := c.pool.Exec(ctx, `
		INSERT INTO filter_cache (message_id, scope, is_global, cache_key, folder, cached_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (message_id, scope) DO UPDATE
		SET cached_at = EXCLUDED.cached_at, expires_at = EXCLUDED.expires_at
	`, messageID, scope.String(), scope.Global, scope.Key, scope.Folder.String(), entry.CachedAt.Unix(), expiryUnix(entry))
	if err != nil {
		return fmt.Errorf("failed to insert cache entry: %w", err)
	}
	return nil
}

// Invalidate drops every mark written under key
func (c *PostgresCache) Invalidate(ctx context.Context, key string) error {
	tag, err := c.pool.Exec(ctx, `DELETE FROM filter_cache WHERE is_global AND cache_key = $1`, key)
	if err != nil {
		return fmt.Errorf("failed to invalidate cache key: %w", err)
	}
	c.logger.Debug("Invalidated cache key", zap.String("key", key), zap.Int64("removed", tag.RowsAffected()))
	return nil
}

// Cleanup removes expired entries
func (c *PostgresCache) Cleanup(ctx context.Context) error {
	tag, err := c.pool.Exec(ctx, `
		DELETE FROM filter_cache
		WHERE expires_at <> 0 AND expires_at <= $1
	`, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to clean up expired entries: %w", err)
	}
	c.logger.Debug("Cleaned up expired cache entries", zap.Int64("expired_count", tag.RowsAffected()))
	return nil
}

// Stop stops the background cleanup task and closes the pool
func (c *PostgresCache) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.pool.Close()
	})
}
