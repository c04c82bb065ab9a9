package devstore

import (
	"context"
	"time"

	"github.com/blinders/internal/repository"
	"github.com/blinders/internal/storage/memory"
)

// Client реализует GateStore для режима -dev: счётчики неудач в памяти,
// гранты разблокировки в таблице sessions, чтобы разблокировка переживала перезапуск api.
type Client struct {
	mem  *memory.GateStore
	repo *repository.SessionRepository
}

func New(repo *repository.SessionRepository) *Client {
	return &Client{mem: memory.NewGateStore(), repo: repo}
}

func (c *Client) Close() error { return c.mem.Close() }

func (c *Client) SetUnlockGrant(ctx context.Context, sessionID, grant string, ttl time.Duration) error {
	return c.repo.SetUnlockGrant(ctx, sessionID, grant, time.Now().Add(ttl))
}

func (c *Client) CheckUnlockGrant(ctx context.Context, sessionID, grant string) (bool, error) {
	if grant == "" {
		return false, nil
	}
	stored, err := c.repo.GetUnlockGrant(ctx, sessionID, time.Now())
	if err != nil {
		return false, err
	}
	return stored != "" && stored == grant, nil
}

func (c *Client) DeleteUnlockGrant(ctx context.Context, sessionID string) error {
	return c.repo.ClearUnlockGrant(ctx, sessionID)
}

func (c *Client) IncrUnlockFailures(ctx context.Context, sessionID string, window time.Duration) (int, error) {
	return c.mem.IncrUnlockFailures(ctx, sessionID, window)
}

func (c *Client) ResetUnlockFailures(ctx context.Context, sessionID string) error {
	return c.mem.ResetUnlockFailures(ctx, sessionID)
}
