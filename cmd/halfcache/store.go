package main

import (
	"context"
	"fmt"

	"github.com/always-cache/halfcache/cache"
	"github.com/redis/go-redis/v9"
)

// openStore opens the configured store. The returned function releases it.
func openStore(ctx context.Context, config StoreConfig) (cache.Store, func() error, error) {
	switch config.Driver {
	case "memory":
		return cache.NewMemStore(), func() error { return nil }, nil
	case "sqlite":
		dsn := config.DSN
		if dsn == "memory" {
			dsn = ""
		}
		store, err := cache.NewSQLiteStore(dsn)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	case "redis":
		opts, err := redis.ParseURL(config.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("connect to redis: %w", err)
		}
		return cache.NewRedisStore(client, config.Namespace), client.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", config.Driver)
}
