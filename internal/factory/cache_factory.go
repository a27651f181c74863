package factory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mikey/remote-mail-filter/internal/adapters/cache"
	"github.com/mikey/remote-mail-filter/internal/config"
	"github.com/mikey/remote-mail-filter/internal/core"
	"go.uber.org/zap"
)

// StoppableCache is a cache repository owning background resources
type StoppableCache interface {
	core.CacheRepository
	Stop()
}

// CacheFactory creates cache repositories based on configuration
type CacheFactory struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewCacheFactory creates a new cache factory
func NewCacheFactory(cfg *config.Config, logger *zap.Logger) *CacheFactory {
	return &CacheFactory{
		cfg:    cfg,
		logger: logger,
	}
}

// CreateCacheRepository creates a cache repository based on the configuration
func (f *CacheFactory) CreateCacheRepository(ctx context.Context) (StoppableCache, error) {
	cc, err := f.cfg.GetCache()
	if err != nil {
		return nil, fmt.Errorf("invalid cache configuration: %w", err)
	}

	logger := f.logger.With(zap.String("cache", cc.Type))
	logger.Info("Creating filter cache", zap.Duration("ttl", cc.TTL))

	switch cc.Type {
	case "memory":
		return cache.NewMemoryCache(logger, cc.TTL, cc.CleanupFrequency), nil
	case "sqlite":
		// Ensure directory exists
		if err := os.MkdirAll(filepath.Dir(cc.SQLitePath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create SQLite directory: %w", err)
		}
		return cache.NewSQLiteCache(cc.SQLitePath, logger, cc.TTL, cc.CleanupFrequency)
	case "mysql":
		return cache.NewMySQLCache(cc.MySQLDSN, logger, cc.TTL, cc.CleanupFrequency)
	case "postgres":
		return cache.NewPostgresCache(ctx, cc.PostgresDSN, int32(cc.PostgresMaxConns), logger, cc.TTL, cc.CleanupFrequency)
	case "dynamodb":
		return cache.NewDynamoDBCache(ctx, cc.DynamoDBRegion, cc.DynamoDBTable, cc.DynamoDBEndpoint, logger, cc.TTL, cc.CleanupFrequency)
	default:
		return nil, fmt.Errorf("%w: %s", cache.ErrUnsupportedType, cc.Type)
	}
}
