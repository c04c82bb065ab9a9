package presence

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const mirrorTTL = 2 * DefaultHeartbeatTTL

// RedisMirror stores room membership in presence:<room> sets so other api
// instances can see who is connected elsewhere.
type RedisMirror struct {
	cli *redis.Client
}

func NewRedisMirror(cli *redis.Client) *RedisMirror {
	return &RedisMirror{cli: cli}
}

func mirrorKey(room string) string { return "presence:" + room }

func (m *RedisMirror) Add(ctx context.Context, room, userID string) error {
	key := mirrorKey(room)
	pipe := m.cli.TxPipeline()
	pipe.SAdd(ctx, key, userID)
	pipe.Expire(ctx, key, mirrorTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence.Add %s: %w", room, err)
	}
	return nil
}

func (m *RedisMirror) Remove(ctx context.Context, room, userID string) error {
	if err := m.cli.SRem(ctx, mirrorKey(room), userID).Err(); err != nil {
		return fmt.Errorf("presence.Remove %s: %w", room, err)
	}
	return nil
}

// Members returns everyone mirrored into room across instances.
func (m *RedisMirror) Members(ctx context.Context, room string) ([]string, error) {
	ids, err := m.cli.SMembers(ctx, mirrorKey(room)).Result()
	if err != nil {
		return nil, fmt.Errorf("presence.Members %s: %w", room, err)
	}
	return ids, nil
}
