package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/sentinel/internal/domain"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "sentinel:"

// RedisCache implements domain.Cache using Redis.
type RedisCache struct {
	client *redis.Client
}

// NewRedisClient dials Redis and verifies the connection.
func NewRedisClient(addr, password string, db int) (*redis.Client, error) {
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// NewRedisCache creates a new Redis cache.
func NewRedisCache(addr, password string, db int) (*RedisCache, error) {
	client, err := NewRedisClient(addr, password, db)
	if err != nil {
		return nil, err
	}
	return &RedisCache{client: client}, nil
}

// NewRedisCacheWithClient wraps an existing client.
func NewRedisCacheWithClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Get retrieves a value from Redis. Returns nil, nil on a miss.
func (c *RedisCache) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}

	val, err := c.client.Get(ctx, c.makeKey(tenantID, key)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

// Set stores a value in Redis with TTL.
func (c *RedisCache) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}
	return c.client.Set(ctx, c.makeKey(tenantID, key), value, ttl).Err()
}

// Delete removes a value from Redis.
func (c *RedisCache) Delete(ctx context.Context, tenantID string, key string) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}
	return c.client.Del(ctx, c.makeKey(tenantID, key)).Err()
}

// GetAssessment returns a cached assessment.
func (c *RedisCache) GetAssessment(ctx context.Context, tenantID string, claimID string) (*domain.Assessment, error) {
	return getAssessment(ctx, c, tenantID, claimID)
}

// SetAssessment caches an assessment.
func (c *RedisCache) SetAssessment(ctx context.Context, tenantID string, claimID string, a *domain.Assessment, ttl time.Duration) error {
	return setAssessment(ctx, c, tenantID, claimID, a, ttl)
}

// Ping checks Redis connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) makeKey(tenantID, key string) string {
	return keyPrefix + tenantID + ":" + key
}
