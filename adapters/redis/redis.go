// Package redis provides Redis-backed implementations of the record
// and bucket store ports. All request-path operations are single
// round trips so a slow Redis degrades latency, not correctness.
package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Connect opens a Redis client from either a redis:// URL or a bare
// host:port address and verifies connectivity.
func Connect(ctx context.Context, addr string) (*goredis.Client, error) {
	var client *goredis.Client
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		opt, err := goredis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = goredis.NewClient(opt)
	} else {
		client = goredis.NewClient(&goredis.Options{Addr: addr})
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}
