// Package cache provides the shared Redis tier for evaluation findings.
// The in-process LRU inside the engine serves one replica; this cache lets
// replicas behind a load balancer reuse each other's evaluations.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/eptb-dst-server/internal/domain"
)

// Config holds Redis cache settings.
type Config struct {
	RedisURL    string        `mapstructure:"redis_url"`
	DefaultTTL  time.Duration `mapstructure:"default_ttl"`
	PoolSize    int           `mapstructure:"pool_size"`
	PoolTimeout time.Duration `mapstructure:"pool_timeout"`
	MaxRetries  int           `mapstructure:"max_retries"`
}

// Client wraps a Redis client with finding-cache semantics.
type Client struct {
	redis      *redis.Client
	defaultTTL time.Duration
}

// New creates a cache client and verifies connectivity.
func New(config Config) (*Client, error) {
	opts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	opts.PoolSize = config.PoolSize
	opts.PoolTimeout = config.PoolTimeout
	opts.MaxRetries = config.MaxRetries

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Client{redis: client, defaultTTL: config.DefaultTTL}, nil
}

// cachedFindings wraps the stored sequence with expiry metadata.
type cachedFindings struct {
	Findings  []domain.Finding `json:"findings"`
	CachedAt  time.Time        `json:"cached_at"`
	ExpiresAt time.Time        `json:"expires_at"`
}

func findingsKey(guidelineVersion, factHash string) string {
	return fmt.Sprintf("findings:%s:%s", guidelineVersion, factHash)
}

// GetFindings retrieves a cached finding sequence. The second return value
// reports a cache hit; a corrupted or expired entry counts as a miss and
// is evicted.
func (c *Client) GetFindings(ctx context.Context, guidelineVersion, factHash string) ([]domain.Finding, bool, error) {
	key := findingsKey(guidelineVersion, factHash)

	val, err := c.redis.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get findings cache: %w", err)
	}

	var cached cachedFindings
	if err := json.Unmarshal([]byte(val), &cached); err != nil {
		c.redis.Del(ctx, key)
		return nil, false, nil
	}

	if time.Now().After(cached.ExpiresAt) {
		c.redis.Del(ctx, key)
		return nil, false, nil
	}

	return cached.Findings, true, nil
}

// SetFindings caches a finding sequence. ttl 0 selects the default.
func (c *Client) SetFindings(ctx context.Context, guidelineVersion, factHash string, findings []domain.Finding, ttl time.Duration) error {
	if ttl == 0 {
		ttl = c.defaultTTL
	}

	cached := cachedFindings{
		Findings:  findings,
		CachedAt:  time.Now(),
		ExpiresAt: time.Now().Add(ttl),
	}

	jsonData, err := json.Marshal(cached)
	if err != nil {
		return fmt.Errorf("failed to marshal findings cache data: %w", err)
	}

	return c.redis.Set(ctx, findingsKey(guidelineVersion, factHash), jsonData, ttl).Err()
}

// InvalidateVersion removes every cached sequence produced by a guideline
// version. Called when a revision is deactivated.
func (c *Client) InvalidateVersion(ctx context.Context, guidelineVersion string) error {
	pattern := fmt.Sprintf("findings:%s:*", guidelineVersion)

	keys, err := c.redis.Keys(ctx, pattern).Result()
	if err != nil {
		return fmt.Errorf("failed to get keys for pattern %s: %w", pattern, err)
	}

	if len(keys) == 0 {
		return nil
	}

	return c.redis.Del(ctx, keys...).Err()
}

// Stats returns cache statistics for diagnostics.
func (c *Client) Stats(ctx context.Context) (map[string]interface{}, error) {
	info, err := c.redis.Info(ctx, "memory", "stats").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get Redis info: %w", err)
	}

	return map[string]interface{}{
		"memory_info": info,
		"pool_stats":  c.redis.PoolStats(),
	}, nil
}

// Ping checks if the Redis connection is alive.
func (c *Client) Ping(ctx context.Context) error {
	return c.redis.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.redis.Close()
}
