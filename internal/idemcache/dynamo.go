package idemcache

import (
	"context"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog/log"
)

// dynamoRecord is the table row shape. The table uses pk "idem#<namespace>"
// and sk <key> with a DynamoDB-managed TTL on the ttl attribute.
type dynamoRecord struct {
	Namespace  string    `dynamodbav:"namespace"`
	Key        string    `dynamodbav:"idempotency_key"`
	StatusCode int       `dynamodbav:"status_code"`
	Body       []byte    `dynamodbav:"body"`
	ExternalID string    `dynamodbav:"external_id,omitempty"`
	StoredAt   time.Time `dynamodbav:"stored_at"`
	TTL        int64     `dynamodbav:"ttl"`
}

// DynamoCache is the shared-store implementation backed by DynamoDB.
// With no table configured, or when AWS config cannot be loaded, it is
// disabled and every lookup is a miss.
type DynamoCache struct {
	ddbClient *dynamodb.Client
	tableName string
	enabled   bool
	ttl       TTLPolicy

	mu     sync.Mutex
	hits   map[string]int64
	misses map[string]int64
}

func NewDynamoCache(ctx context.Context, tableName string, ttl TTLPolicy) *DynamoCache {
	c := &DynamoCache{
		tableName: tableName,
		enabled:   tableName != "",
		ttl:       ttl,
		hits:      make(map[string]int64),
		misses:    make(map[string]int64),
	}
	if c.enabled {
		cfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("failed to load AWS config, disabling idempotency cache")
			c.enabled = false
		} else {
			c.ddbClient = dynamodb.NewFromConfig(cfg)
		}
	}
	return c
}

func pk(namespace string) string { return "idem#" + namespace }

func (c *DynamoCache) miss(namespace string) (CachedResponse, bool, error) {
	c.mu.Lock()
	c.misses[namespace]++
	c.mu.Unlock()
	return CachedResponse{}, false, nil
}

func (c *DynamoCache) Lookup(ctx context.Context, namespace, key string) (CachedResponse, bool, error) {
	if !c.enabled {
		return c.miss(namespace)
	}

	result, err := c.ddbClient.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: pk(namespace)},
			"sk": &types.AttributeValueMemberS{Value: key},
		},
	})
	if err != nil {
		// Degrade to a miss; the delivery path must not fail on cache errors.
		log.Warn().Err(err).Str("namespace", namespace).Msg("idempotency lookup failed, treating as miss")
		return c.miss(namespace)
	}
	if result.Item == nil {
		return c.miss(namespace)
	}

	var rec dynamoRecord
	if err := attributevalue.UnmarshalMap(result.Item, &rec); err != nil {
		log.Warn().Err(err).Str("namespace", namespace).Msg("idempotency record unmarshal failed, treating as miss")
		return c.miss(namespace)
	}
	expires := time.Unix(rec.TTL, 0)
	if time.Now().After(expires) {
		// DynamoDB TTL deletion lags; honor expiry ourselves.
		return c.miss(namespace)
	}

	c.mu.Lock()
	c.hits[namespace]++
	c.mu.Unlock()
	return CachedResponse{
		Key:        rec.Key,
		Namespace:  rec.Namespace,
		StatusCode: rec.StatusCode,
		Body:       rec.Body,
		ExternalID: rec.ExternalID,
		StoredAt:   rec.StoredAt,
		ExpiresAt:  expires,
	}, true, nil
}

func (c *DynamoCache) Store(ctx context.Context, resp CachedResponse) error {
	if !c.enabled {
		return nil
	}

	now := time.Now()
	rec := dynamoRecord{
		Namespace:  resp.Namespace,
		Key:        resp.Key,
		StatusCode: resp.StatusCode,
		Body:       resp.Body,
		ExternalID: resp.ExternalID,
		StoredAt:   now,
		TTL:        now.Add(c.ttl.For(resp.Namespace)).Unix(),
	}
	item := map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: pk(resp.Namespace)},
		"sk": &types.AttributeValueMemberS{Value: resp.Key},
	}
	recordMap, err := attributevalue.MarshalMap(rec)
	if err != nil {
		log.Warn().Err(err).Str("namespace", resp.Namespace).Msg("idempotency record marshal failed, skipping store")
		return nil
	}
	for k, v := range recordMap {
		item[k] = v
	}

	if _, err := c.ddbClient.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      item,
	}); err != nil {
		log.Warn().Err(err).Str("namespace", resp.Namespace).Msg("idempotency store failed, continuing without cache")
	}
	return nil
}

func (c *DynamoCache) Invalidate(ctx context.Context, namespace, key string) error {
	if !c.enabled {
		return nil
	}
	if _, err := c.ddbClient.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: pk(namespace)},
			"sk": &types.AttributeValueMemberS{Value: key},
		},
	}); err != nil {
		log.Warn().Err(err).Str("namespace", namespace).Msg("idempotency invalidate failed")
	}
	return nil
}

func (c *DynamoCache) Stats(ctx context.Context, namespace string) (Stats, error) {
	s := Stats{Namespace: namespace}
	c.mu.Lock()
	s.Hits = c.hits[namespace]
	s.Misses = c.misses[namespace]
	c.mu.Unlock()

	if !c.enabled {
		return s, nil
	}
	out, err := c.ddbClient.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("pk = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: pk(namespace)},
		},
		Select: types.SelectCount,
	})
	if err != nil {
		log.Warn().Err(err).Str("namespace", namespace).Msg("idempotency stats query failed")
		return s, nil
	}
	s.Entries = int64(out.Count)
	return s, nil
}
