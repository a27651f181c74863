package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/mikey/remote-mail-filter/internal/core"
	"go.uber.org/zap"
)

const (
	attrMessageID = "message_id"
	attrScope     = "scope"
	attrGlobal    = "is_global"
	attrKey       = "cache_key"
	attrFolder    = "folder"
	attrCachedAt  = "cached_at"
	attrExpiresAt = "expires_at"

	tableCreateTimeout = 2 * time.Minute
)

// DynamoDBCache stores marks in a DynamoDB table keyed by message id
// (partition) and scope (sort)
type DynamoDBCache struct {
	client      *dynamodb.Client
	table       string
	logger      *zap.Logger
	ttl         time.Duration
	cleanupFreq time.Duration
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewDynamoDBCache creates a new DynamoDB cache, creating the table when it
// does not exist. An empty endpoint uses the regional AWS endpoint.
func NewDynamoDBCache(ctx context.Context, region, table, endpoint string, logger *zap.Logger, ttl, cleanupFreq time.Duration) (*DynamoDBCache, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})

	cache := &DynamoDBCache{
		client:      client,
		table:       table,
		logger:      logger,
		ttl:         ttl,
		cleanupFreq: cleanupFreq,
		stopCh:      make(chan struct{}),
	}

	if err := cache.ensureTable(ctx); err != nil {
		return nil, err
	}

	go runCleanupTask(logger, cleanupFreq, cache.stopCh, cache.Cleanup)

	return cache, nil
}

func (c *DynamoDBCache) ensureTable(ctx context.Context) error {
	_, err := c.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(c.table)})
	if err == nil {
		return nil
	}
	var notFound *types.ResourceNotFoundException
	if !errors.As(err, &notFound) {
		return fmt.Errorf("failed to describe table %s: %w", c.table, err)
	}

	c.logger.Info("Creating DynamoDB cache table", zap.String("table", c.table))
	_, err = c.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName:   aws.String(c.table),
		BillingMode: types.BillingModePayPerRequest,
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(attrMessageID), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String(attrScope), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(attrMessageID), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String(attrScope), KeyType: types.KeyTypeRange},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create table %s: %w", c.table, err)
	}

	waiter := dynamodb.NewTableExistsWaiter(c.client)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(c.table)}, tableCreateTimeout); err != nil {
		return fmt.Errorf("failed to wait for table %s: %w", c.table, err)
	}
	return nil
}

// IsCached reports whether messageID is marked in scope
func (c *DynamoDBCache) IsCached(ctx context.Context, scope core.CacheScope, messageID string) (bool, error) {
	res, err := c.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.table),
		Key:            itemKey(messageID, scope.String()),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return false, fmt.Errorf("failed to get cache item: %w", err)
	}
	if res.Item == nil {
		return false, nil
	}
	return !expired(res.Item, time.Now()), nil
}

// IsFiltered reports whether messageID is marked for folder or under any key
func (c *DynamoDBCache) IsFiltered(ctx context.Context, folder core.Folder, messageID string) (bool, error) {
	local := core.FolderScope(folder).String()
	now := time.Now()

	paginator := dynamodb.NewQueryPaginator(c.client, &dynamodb.QueryInput{
		TableName:              aws.String(c.table),
		KeyConditionExpression: aws.String("#id = :id"),
		ExpressionAttributeNames: map[string]string{
			"#id": attrMessageID,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":id": &types.AttributeValueMemberS{Value: messageID},
		},
		ConsistentRead: aws.Bool(true),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return false, fmt.Errorf("failed to query cache items: %w", err)
		}
		for _, item := range page.Items {
			if expired(item, now) {
				continue
			}
			if boolAttr(item, attrGlobal) || stringAttr(item, attrScope) == local {
				return true, nil
			}
		}
	}
	return false, nil
}

// MarkCached stores a mark for messageID in scope
func (c *DynamoDBCache) MarkCached(ctx context.Context, scope core.CacheScope, messageID string) error {
	entry := newEntry(scope, messageID, time.Now(), c.ttl)

	item := itemKey(messageID, scope.String())
	item[attrGlobal] = &types.AttributeValueMemberBOOL{Value: scope.Global}
	item[attrKey] = &types.AttributeValueMemberS{Value: scope.Key}
	item[attrFolder] = &types.AttributeValueMemberS{Value: scope.Folder.String()}
	item[attrCachedAt] = numberAttr(entry.CachedAt.Unix())
	item[attrExpiresAt] = numberAttr(expiryUnix(entry))

	_, err := c.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.table),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to put cache item: %w", err)
	}
	return nil
}

// Invalidate drops every mark written under key
func (c *DynamoDBCache) Invalidate(ctx context.Context, key string) error {
	removed, err := c.deleteMatching(ctx, "#g = :t AND #k = :k", map[string]string{
		"#g": attrGlobal,
		"#k": attrKey,
	}, map[string]types.AttributeValue{
		":t": &types.AttributeValueMemberBOOL{Value: true},
		":k": &types.AttributeValueMemberS{Value: key},
	})
	if err != nil {
		return fmt.Errorf("failed to invalidate cache key: %w", err)
	}
	c.logger.Debug("Invalidated cache key", zap.String("key", key), zap.Int("removed", removed))
	return nil
}

// Cleanup removes expired entries
func (c *DynamoDBCache) Cleanup(ctx context.Context) error {
	removed, err := c.deleteMatching(ctx, "#e <> :zero AND #e <= :now", map[string]string{
		"#e": attrExpiresAt,
	}, map[string]types.AttributeValue{
		":zero": numberAttr(0),
		":now":  numberAttr(time.Now().Unix()),
	})
	if err != nil {
		return fmt.Errorf("failed to clean up expired entries: %w", err)
	}
	c.logger.Debug("Cleaned up expired cache entries", zap.Int("expired_count", removed))
	return nil
}

// deleteMatching scans the table with filter and deletes every match
func (c *DynamoDBCache) deleteMatching(ctx context.Context, filter string, names map[string]string, values map[string]types.AttributeValue) (int, error) {
	names["#id"] = attrMessageID
	names["#s"] = attrScope

	paginator := dynamodb.NewScanPaginator(c.client, &dynamodb.ScanInput{
		TableName:                 aws.String(c.table),
		FilterExpression:          aws.String(filter),
		ProjectionExpression:      aws.String("#id, #s"),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	})

	removed := 0
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return removed, fmt.Errorf("failed to scan cache items: %w", err)
		}
		for _, item := range page.Items {
			_, err := c.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
				TableName: aws.String(c.table),
				Key:       itemKey(stringAttr(item, attrMessageID), stringAttr(item, attrScope)),
			})
			if err != nil {
				return removed, fmt.Errorf("failed to delete cache item: %w", err)
			}
			removed++
		}
	}
	return removed, nil
}

// Stop stops the background cleanup task
func (c *DynamoDBCache) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

func itemKey(messageID, scope string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrMessageID: &types.AttributeValueMemberS{Value: messageID},
		attrScope:     &types.AttributeValueMemberS{Value: scope},
	}
}

func numberAttr(n int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

func stringAttr(item map[string]types.AttributeValue, name string) string {
	if v, ok := item[name].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func boolAttr(item map[string]types.AttributeValue, name string) bool {
	if v, ok := item[name].(*types.AttributeValueMemberBOOL); ok {
		return v.Value
	}
	return false
}

func expired(item map[string]types.AttributeValue, now time.Time) bool {
	v, ok := item[attrExpiresAt].(*types.AttributeValueMemberN)
	if !ok {
		return false
	}
	expiresAt, err := strconv.ParseInt(v.Value, 10, 64)
	if err != nil || expiresAt == 0 {
		return false
	}
	return now.Unix() >= expiresAt
}
