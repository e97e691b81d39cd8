// Package cache wraps the Redis client shared by the task queue, the
// resource tracker, and the engine's story-state persistence. It is the
// single source of truth for task records, queue contents, and key/value
// state — every mutation here is one atomic Redis command.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned by Get when the key does not exist, so callers
// never need to import go-redis just to compare against redis.Nil.
var ErrNotFound = redis.Nil

// Config holds the connection parameters for the shared Redis client.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Client wraps go-redis with the key operations the pipeline needs.
type Client struct {
	rdb *redis.Client
}

// New creates a Client and verifies connectivity. A cache-unavailable
// startup is a hard failure — the engine cannot run without persistence.
func New(cfg Config) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// NewFromRedis wraps an already-constructed go-redis client. Used by tests
// to point the cache at a miniredis instance.
func NewFromRedis(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

// Raw returns the underlying go-redis client for operations this wrapper
// does not expose directly.
func (c *Client) Raw() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks whether Redis is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// SetEX stores value under key with the given TTL.
func (c *Client) SetEX(ctx context.Context, key string, value string, ttl time.Duration) error {
	return c.rdb.SetEx(ctx, key, value, ttl).Err()
}

// Get returns the value stored under key, or redis.Nil if absent.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	return c.rdb.Get(ctx, key).Result()
}

// Set stores a value with no expiry.
func (c *Client) Set(ctx context.Context, key, value string) error {
	return c.rdb.Set(ctx, key, value, 0).Err()
}

// Del deletes one or more keys.
func (c *Client) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.rdb.Del(ctx, keys...).Err()
}

// Exists reports whether key is present.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, key).Result()
	return n > 0, err
}

// LPush left-pushes a value onto a list (used for fresh task submissions).
func (c *Client) LPush(ctx context.Context, key, value string) error {
	return c.rdb.LPush(ctx, key, value).Err()
}

// RPush right-pushes a value onto a list (used for retry requeues, which
// land closer to the BRPop end and are therefore served first).
func (c *Client) RPush(ctx context.Context, key, value string) error {
	return c.rdb.RPush(ctx, key, value).Err()
}

// BRPop blocking right-pops a list with the given timeout. Returns
// (value, true, nil) on success and (_, false, nil) on timeout.
func (c *Client) BRPop(ctx context.Context, key string, timeout time.Duration) (string, bool, error) {
	result, err := c.rdb.BRPop(ctx, timeout, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	// BRPop returns [key, value].
	if len(result) != 2 {
		return "", false, fmt.Errorf("unexpected BRPOP reply: %v", result)
	}
	return result[1], true, nil
}

// LLen returns the length of a list.
func (c *Client) LLen(ctx context.Context, key string) (int64, error) {
	return c.rdb.LLen(ctx, key).Result()
}

// SAdd adds a member to a set.
func (c *Client) SAdd(ctx context.Context, key, member string) error {
	return c.rdb.SAdd(ctx, key, member).Err()
}

// SRem removes a member from a set.
func (c *Client) SRem(ctx context.Context, key, member string) error {
	return c.rdb.SRem(ctx, key, member).Err()
}

// SMembers returns all members of a set.
func (c *Client) SMembers(ctx context.Context, key string) ([]string, error) {
	return c.rdb.SMembers(ctx, key).Result()
}

// SCard returns the cardinality of a set.
func (c *Client) SCard(ctx context.Context, key string) (int64, error) {
	return c.rdb.SCard(ctx, key).Result()
}

// HSet sets a single field in a hash.
func (c *Client) HSet(ctx context.Context, key, field, value string) error {
	return c.rdb.HSet(ctx, key, field, value).Err()
}

// HGetAll returns an entire hash.
func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return c.rdb.HGetAll(ctx, key).Result()
}

// HDel removes a field from a hash.
func (c *Client) HDel(ctx context.Context, key, field string) error {
	return c.rdb.HDel(ctx, key, field).Err()
}

// ScanKeys returns every key matching the given glob pattern. Used only by
// maintenance operations (clear_all_queues); not on any hot path.
func (c *Client) ScanKeys(ctx context.Context, match string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := c.rdb.Scan(ctx, cursor, match, 1000).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

// RPushQueueList pushes a storylet JSON payload at the tail of a FIFO list
// used as a work queue (distinct from the task-manager queues — storylets
// are popped from the head via LPop to preserve FIFO order).
func (c *Client) RPushQueueList(ctx context.Context, key, value string) error {
	return c.rdb.RPush(ctx, key, value).Err()
}

// LPopQueueList pops the head of a FIFO list, returning (value, false, nil)
// when the list is empty.
func (c *Client) LPopQueueList(ctx context.Context, key string) (string, bool, error) {
	v, err := c.rdb.LPop(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}
