package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/blinders/internal/storage"
)

// Ключи: грант разблокировки в unlock:{sessionID}, счётчик неудач в unlock_fail:{sessionID},
// список подписок web push в push:subs:{userID} (не больше maxSubsPerUser).
const (
	unlockPrefix     = "unlock:"
	unlockFailPrefix = "unlock_fail:"
	pushPrefix       = "push:subs:"
	maxSubsPerUser   = 10
	subscriptionTTL  = 30 * 24 * time.Hour
)

type Client struct {
	cli *redis.Client
}

func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{cli: cli}, nil
}

// Wrap использует уже подключённый клиент (общий с fan-out и presence).
func Wrap(cli *redis.Client) *Client { return &Client{cli: cli} }

// Redis отдаёт нижележащий клиент для Pub/Sub моста и зеркала присутствия.
func (c *Client) Redis() *redis.Client { return c.cli }

func (c *Client) Close() error {
	return c.cli.Close()
}

func (c *Client) SetUnlockGrant(ctx context.Context, sessionID, grant string, ttl time.Duration) error {
	return c.cli.Set(ctx, unlockPrefix+sessionID, grant, ttl).Err()
}

// CheckUnlockGrant: истёкший ключ Redis удаляет сам, отдельной проверки срока не нужно.
func (c *Client) CheckUnlockGrant(ctx context.Context, sessionID, grant string) (bool, error) {
	if grant == "" {
		return false, nil
	}
	val, err := c.cli.Get(ctx, unlockPrefix+sessionID).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return val == grant, nil
}

func (c *Client) DeleteUnlockGrant(ctx context.Context, sessionID string) error {
	return c.cli.Del(ctx, unlockPrefix+sessionID).Err()
}

// IncrUnlockFailures: INCR и EXPIRE NX одной транзакцией, окно отсчитывается от первой неудачи.
// EXPIRE NX требует Redis 7.
func (c *Client) IncrUnlockFailures(ctx context.Context, sessionID string, window time.Duration) (int, error) {
	key := unlockFailPrefix + sessionID
	var incr *redis.IntCmd
	_, err := c.cli.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.ExpireNX(ctx, key, window)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("redis unlock failures: %w", err)
	}
	return int(incr.Val()), nil
}

func (c *Client) ResetUnlockFailures(ctx context.Context, sessionID string) error {
	return c.cli.Del(ctx, unlockFailPrefix+sessionID).Err()
}

func (c *Client) SavePushSubscription(ctx context.Context, userID string, sub storage.PushSubscription) error {
	if err := c.DeletePushSubscription(ctx, userID, sub.Endpoint); err != nil {
		return err
	}
	raw, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	key := pushPrefix + userID
	pipe := c.cli.Pipeline()
	pipe.RPush(ctx, key, string(raw))
	pipe.LTrim(ctx, key, -maxSubsPerUser, -1)
	pipe.Expire(ctx, key, subscriptionTTL)
	_, err = pipe.Exec(ctx)
	return err
}

func (c *Client) ListPushSubscriptions(ctx context.Context, userID string) ([]storage.PushSubscription, error) {
	list, err := c.cli.LRange(ctx, pushPrefix+userID, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	subs := make([]storage.PushSubscription, 0, len(list))
	for _, item := range list {
		var sub storage.PushSubscription
		if json.Unmarshal([]byte(item), &sub) == nil && sub.Endpoint != "" {
			subs = append(subs, sub)
		}
	}
	return subs, nil
}

// DeletePushSubscription удаляет подписку по endpoint (LREM по точному значению элемента).
func (c *Client) DeletePushSubscription(ctx context.Context, userID, endpoint string) error {
	key := pushPrefix + userID
	list, err := c.cli.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return err
	}
	for _, item := range list {
		var sub storage.PushSubscription
		if json.Unmarshal([]byte(item), &sub) == nil && sub.Endpoint == endpoint {
			if err := c.cli.LRem(ctx, key, 0, item).Err(); err != nil {
				return err
			}
		}
	}
	return nil
}

var (
	_ storage.GateStore = (*Client)(nil)
	_ storage.PushStore = (*Client)(nil)
)
