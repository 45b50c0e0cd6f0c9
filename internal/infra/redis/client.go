package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bioflow/collector/internal/core/domain"
)

const keyPrefix = "validation:"

// Config holds the redis connection settings for the validation cache.
type Config struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// Client is a redis-backed store for validation results. Entries are
// keyed per transaction and check kind so that a status change can
// evict everything belonging to one transaction in a single pass.
type Client struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Client{rdb: rdb, ttl: ttl}, nil
}

func (c *Client) key(transactionID, check string) string {
	return keyPrefix + transactionID + ":" + check
}

func (c *Client) Get(ctx context.Context, transactionID, check string) (domain.ValidationResult, bool, error) {
	raw, err := c.rdb.Get(ctx, c.key(transactionID, check)).Bytes()
	if err == redis.Nil {
		return domain.ValidationResult{}, false, nil
	}
	if err != nil {
		return domain.ValidationResult{}, false, fmt.Errorf("redis get: %w", err)
	}
	var res domain.ValidationResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return domain.ValidationResult{}, false, fmt.Errorf("decode cached result: %w", err)
	}
	return res, true, nil
}

func (c *Client) Set(ctx context.Context, transactionID, check string, res domain.ValidationResult) error {
	raw, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	if err := c.rdb.Set(ctx, c.key(transactionID, check), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// EvictTransaction removes every cached result belonging to one
// transaction. Uses SCAN rather than KEYS so a large cache does not
// block the server.
func (c *Client) EvictTransaction(ctx context.Context, transactionID string) error {
	return c.deleteByPattern(ctx, keyPrefix+transactionID+":*")
}

// EvictAll clears the whole validation cache.
func (c *Client) EvictAll(ctx context.Context) error {
	return c.deleteByPattern(ctx, keyPrefix+"*")
}

func (c *Client) deleteByPattern(ctx context.Context, pattern string) error {
	iter := c.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
		if len(keys) >= 100 {
			if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("redis del: %w", err)
			}
			keys = keys[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan: %w", err)
	}
	if len(keys) > 0 {
		if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("redis del: %w", err)
		}
	}
	return nil
}

func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *Client) Close() error {
	return c.rdb.Close()
}
