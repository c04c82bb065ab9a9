package startup

import (
	"context"
	"time"

	redisstorage "github.com/blinders/internal/storage/redis"
)

// ConnectRedisWithRetry возвращает клиент гейта; он же даёт *redis.Client для fan-out и presence.
func ConnectRedisWithRetry(redisURL string, maxWait time.Duration, logPrefix string) *redisstorage.Client {
	return mustRetry("redis", maxWait, logPrefix, func() (*redisstorage.Client, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return redisstorage.New(ctx, redisURL)
	})
}
