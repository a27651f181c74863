package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mikey/remote-mail-filter/internal/core"
)

var (
	inbox   = core.NewFolder("INBOX")
	archive = core.NewFolder("Archive")
)

// clock is a settable time source for expiry tests
type clock struct {
	t time.Time
}

func (c *clock) now() time.Time { return c.t }

type backend struct {
	name string
	open func(t *testing.T, ttl time.Duration, clk *clock) core.CacheRepository
}

func backends() []backend {
	return []backend{
		{"memory", func(t *testing.T, ttl time.Duration, clk *clock) core.CacheRepository {
			c := NewMemoryCache(zap.NewNop(), ttl, 0)
			c.now = clk.now
			t.Cleanup(c.Stop)
			return c
		}},
		{"sqlite", func(t *testing.T, ttl time.Duration, clk *clock) core.CacheRepository {
			c, err := NewSQLiteCache(filepath.Join(t.TempDir(), "cache.db"), zap.NewNop(), ttl, 0)
			require.NoError(t, err)
			c.now = clk.now
			t.Cleanup(c.Stop)
			return c
		}},
	}
}

func TestCacheFolderScope(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			c := b.open(t, 0, &clock{t: time.Now()})

			require.NoError(t, c.MarkCached(ctx, core.FolderScope(inbox), "m1"))

			ok, err := c.IsFiltered(ctx, inbox, "m1")
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = c.IsFiltered(ctx, archive, "m1")
			require.NoError(t, err)
			assert.False(t, ok, "folder marks do not follow the message elsewhere")

			ok, err = c.IsCached(ctx, core.FolderScope(inbox), "m1")
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = c.IsFiltered(ctx, inbox, "m2")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestCacheFolderScopeKeepsNestedAndSlashedNamesApart(t *testing.T) {
	nested := core.NewFolder("INBOX", "Work")
	slashed := core.NewFolder("INBOX/Work")
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			c := b.open(t, 0, &clock{t: time.Now()})

			require.NoError(t, c.MarkCached(ctx, core.FolderScope(nested), "m1"))

			ok, err := c.IsFiltered(ctx, slashed, "m1")
			require.NoError(t, err)
			assert.False(t, ok)

			ok, err = c.IsFiltered(ctx, nested, "m1")
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestCacheKeyScopeAndInvalidate(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			c := b.open(t, 0, &clock{t: time.Now()})

			require.NoError(t, c.MarkCached(ctx, core.KeyScope("news"), "m1"))
			require.NoError(t, c.MarkCached(ctx, core.KeyScope("news"), "m2"))
			require.NoError(t, c.MarkCached(ctx, core.KeyScope("other"), "m3"))
			require.NoError(t, c.MarkCached(ctx, core.FolderScope(inbox), "m1"))

			for _, folder := range []core.Folder{inbox, archive} {
				ok, err := c.IsFiltered(ctx, folder, "m2")
				require.NoError(t, err)
				assert.True(t, ok, "key marks apply in %s", folder)
			}

			require.NoError(t, c.Invalidate(ctx, "news"))

			ok, err := c.IsFiltered(ctx, archive, "m2")
			require.NoError(t, err)
			assert.False(t, ok)

			ok, err = c.IsCached(ctx, core.KeyScope("news"), "m1")
			require.NoError(t, err)
			assert.False(t, ok)

			ok, err = c.IsFiltered(ctx, inbox, "m1")
			require.NoError(t, err)
			assert.True(t, ok, "folder mark survives key invalidation")

			ok, err = c.IsFiltered(ctx, archive, "m3")
			require.NoError(t, err)
			assert.True(t, ok, "other keys are untouched")
		})
	}
}

func TestCacheExpiry(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			clk := &clock{t: time.Unix(1_700_000_000, 0)}
			c := b.open(t, time.Hour, clk)

			require.NoError(t, c.MarkCached(ctx, core.FolderScope(inbox), "m1"))

			clk.t = clk.t.Add(30 * time.Minute)
			ok, err := c.IsFiltered(ctx, inbox, "m1")
			require.NoError(t, err)
			assert.True(t, ok)

			clk.t = clk.t.Add(time.Hour)
			ok, err = c.IsFiltered(ctx, inbox, "m1")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, c.Cleanup(ctx))
			ok, err = c.IsCached(ctx, core.FolderScope(inbox), "m1")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestMemoryCacheCleanupDropsEmptyMessages(t *testing.T) {
	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	c := NewMemoryCache(zap.NewNop(), time.Minute, 0)
	c.now = clk.now
	defer c.Stop()

	ctx := context.Background()
	require.NoError(t, c.MarkCached(ctx, core.FolderScope(inbox), "m1"))
	clk.t = clk.t.Add(2 * time.Minute)
	require.NoError(t, c.Cleanup(ctx))

	c.mu.RLock()
	defer c.mu.RUnlock()
	assert.Empty(t, c.entries)
}

func TestStopIsIdempotent(t *testing.T) {
	c := NewMemoryCache(zap.NewNop(), 0, time.Millisecond)
	c.Stop()
	c.Stop()
}
