package redis

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/yamato-dev/linedesk/config"
	"github.com/yamato-dev/linedesk/internal/storage"
)

// Client wraps the redis connection with the console's ephemeral state:
// typing indicators and the webhook dedup guard. Everything here is a cache
// in front of the durable store, never the source of truth.
type Client struct {
	client *redis.Client
	config *config.RedisConfig
}

func NewClient(cfg *config.RedisConfig) (*Client, error) {
	rdb, err := storage.InitRedis(cfg.Host, cfg.Port, cfg.Password, cfg.DB, cfg.PoolSize, cfg.MinIdleConns)
	if err != nil {
		return nil, err
	}

	return &Client{
		client: rdb,
		config: cfg,
	}, nil
}

// NewClientFromRedis wraps an existing connection. Used by tests with
// miniredis.
func NewClientFromRedis(rdb *redis.Client) *Client {
	return &Client{client: rdb}
}

func (c *Client) Close() error {
	return c.client.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// SetTyping mirrors the gateway typing indicator for the conversation so
// other admin sessions can render it without another gateway call.
func (c *Client) SetTyping(ctx context.Context, conversationID string, ttl time.Duration) error {
	key := fmt.Sprintf("chat:%s:typing", conversationID)
	if err := c.client.Set(ctx, key, "1", ttl).Err(); err != nil {
		return fmt.Errorf("failed to set typing state for %s: %w", conversationID, err)
	}
	return nil
}

// IsTyping reports whether a typing indicator is live for the conversation.
func (c *Client) IsTyping(ctx context.Context, conversationID string) (bool, error) {
	key := fmt.Sprintf("chat:%s:typing", conversationID)
	n, err := c.client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkEventSeen is the fast-path dedup guard in front of the store's
// idempotent ingestion. It reports true when the event id is fresh. Redis
// loss only costs a wasted Append that the unique index absorbs.
func (c *Client) MarkEventSeen(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	key := fmt.Sprintf("event:%s:seen", eventID)
	fresh, err := c.client.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark event %s seen: %w", eventID, err)
	}
	return fresh, nil
}

// ClearEventSeen drops the dedup mark again. Called when handling the event
// failed after the mark was set: the gateway's redelivery must come through
// as fresh, otherwise the event is lost for the length of the TTL.
func (c *Client) ClearEventSeen(ctx context.Context, eventID string) error {
	key := fmt.Sprintf("event:%s:seen", eventID)
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to clear seen mark for event %s: %w", eventID, err)
	}
	return nil
}
