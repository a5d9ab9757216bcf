package redis

import (
	"context"
	"fmt"

	"ai-character-runtime/backend/pkg/config"

	"github.com/redis/go-redis/v9"
)

// NewClient builds a go-redis client from the Redis config section and pings it
func NewClient(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.URL,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.Redis.URL, err)
	}

	return client, nil
}
