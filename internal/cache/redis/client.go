package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/defiguard/backend/internal/metrics"
	"github.com/defiguard/backend/pkg/logger"
)

type Client struct {
	client *redis.Client
}

// classification is the cached result of a protocol lookup. A nil Protocol
// records a confirmed "no protocol" answer.
type classification struct {
	Protocol *string   `json:"protocol"`
	CachedAt time.Time `json:"cached_at"`
}

func NewClient(host string, port int, password string, db int) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := client.Ping(ctx).Result()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis client initialized", zap.String("addr", fmt.Sprintf("%s:%d", host, port)))

	return &Client{client: client}, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func classificationKey(textHash string) string {
	return fmt.Sprintf("classification:%s", textHash)
}

func (c *Client) GetClassification(ctx context.Context, textHash string) (*string, bool, error) {
	data, err := c.client.Get(ctx, classificationKey(textHash)).Bytes()
	if errors.Is(err, redis.Nil) {
		metrics.CacheMisses.WithLabelValues("classification").Inc()
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get classification cache: %w", err)
	}

	var cached classification
	if err := json.Unmarshal(data, &cached); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal classification: %w", err)
	}

	metrics.CacheHits.WithLabelValues("classification").Inc()
	logger.Debug("Classification cache hit", zap.String("text_hash", textHash))
	return cached.Protocol, true, nil
}

func (c *Client) SetClassification(ctx context.Context, textHash string, protocol *string, ttl time.Duration) error {
	data, err := json.Marshal(classification{Protocol: protocol, CachedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal classification: %w", err)
	}

	if err := c.client.Set(ctx, classificationKey(textHash), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set classification cache: %w", err)
	}

	logger.Debug("Classification cached", zap.String("text_hash", textHash), zap.Duration("ttl", ttl))
	return nil
}

// InvalidateClassifications drops every cached classification, used after the
// known-protocol list changes.
func (c *Client) InvalidateClassifications(ctx context.Context) (int, error) {
	removed := 0
	iter := c.client.Scan(ctx, 0, "classification:*", 0).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			logger.Warn("Failed to delete cache key", zap.Error(err))
			continue
		}
		removed++
	}

	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("failed to iterate cache keys: %w", err)
	}

	logger.Info("Classification cache invalidated", zap.Int("removed", removed))
	return removed, nil
}

func (c *Client) IncrementMetric(ctx context.Context, metricName string) error {
	return c.client.Incr(ctx, fmt.Sprintf("metric:%s", metricName)).Err()
}

func (c *Client) GetMetric(ctx context.Context, metricName string) (int64, error) {
	val, err := c.client.Get(ctx, fmt.Sprintf("metric:%s", metricName)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return val, err
}
