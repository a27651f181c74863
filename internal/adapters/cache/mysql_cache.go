package cache

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"
)

// MySQLCache is a MySQL implementation of the CacheRepository interface
type MySQLCache struct {
	*sqlCache
}

// NewMySQLCache creates a new MySQL cache
func NewMySQLCache(dsn string, logger *zap.Logger, ttl, cleanupFreq time.Duration) (*MySQLCache, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL database: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to MySQL database: %w", err)
	}

	// Create table if it doesn't exist
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS filter_cache (
			message_id VARCHAR(255) NOT NULL,
			scope VARCHAR(255) NOT NULL,
			is_global BOOLEAN NOT NULL,
			cache_key VARCHAR(255) NOT NULL DEFAULT '',
			folder VARCHAR(255) NOT NULL DEFAULT '',
			cached_at BIGINT NOT NULL,
			expires_at BIGINT NOT NULL,
			PRIMARY KEY (message_id, scope),
			INDEX idx_cache_key (cache_key),
			INDEX idx_expires_at (expires_at)
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}

	return &MySQLCache{sqlCache: newSQLCache(db, logger, ttl, cleanupFreq)}, nil
}
