package cache

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// SQLiteCache is a SQLite implementation of the CacheRepository interface
type SQLiteCache struct {
	*sqlCache
}

// NewSQLiteCache creates a new SQLite cache
func NewSQLiteCache(dbPath string, logger *zap.Logger, ttl, cleanupFreq time.Duration) (*SQLiteCache, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// Create table if it doesn't exist
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS filter_cache (
			message_id TEXT NOT NULL,
			scope TEXT NOT NULL,
			is_global BOOLEAN NOT NULL,
			cache_key TEXT NOT NULL DEFAULT '',
			folder TEXT NOT NULL DEFAULT '',
			cached_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL,
			PRIMARY KEY (message_id, scope)
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}

	for _, stmt := range []string{
		`CREATE INDEX IF NOT EXISTS idx_filter_cache_key ON filter_cache(cache_key)`,
		`CREATE INDEX IF NOT EXISTS idx_filter_cache_expires_at ON filter_cache(expires_at)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create index: %w", err)
		}
	}

	return &SQLiteCache{sqlCache: newSQLCache(db, logger, ttl, cleanupFreq)}, nil
}
