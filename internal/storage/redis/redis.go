// Package redis provides Redis-backed session revocation and distributed
// locking.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Config points at a Redis server.
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// NewClient builds a client and verifies the connection.
func NewClient(ctx context.Context, cfg Config) (*goredis.Client, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis addr is required")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func formatKey(prefix, kind, key string) string {
	if prefix == "" {
		return kind + ":" + key
	}
	return prefix + ":" + kind + ":" + key
}
