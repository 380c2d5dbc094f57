package main

import (
	"context"
	"fmt"

	gcfirestore "cloud.google.com/go/firestore"
	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/billsync/pkg/billsync"
	"github.com/mihaimyh/billsync/storage/firestore"
	"github.com/mihaimyh/billsync/storage/memory"
	"github.com/mihaimyh/billsync/storage/postgres"
	redisstore "github.com/mihaimyh/billsync/storage/redis"
	"github.com/mihaimyh/billsync/storage/tiered"
)

// backends holds the opened storage and the clients shared with other components.
type backends struct {
	store billsync.Store
	redis *redis.Client

	closers []func()
}

func (b *backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func openBackends(ctx context.Context, cfg Config, logger billsync.Logger) (*backends, error) {
	b := &backends{}
	ok := false
	defer func() {
		if !ok {
			b.Close()
		}
	}()

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		b.redis = client
		b.closers = append(b.closers, func() { _ = client.Close() })
	}

	openPostgres := func() (*postgres.Storage, error) {
		pgConfig := postgres.DefaultConfig()
		pgConfig.ConnectionString = cfg.PostgresURL
		pg, err := postgres.New(ctx, pgConfig)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		b.closers = append(b.closers, pg.Close)
		return pg, nil
	}
	openRedis := func() (*redisstore.Storage, error) {
		rs, err := redisstore.New(b.redis, redisstore.Config{KeyPrefix: cfg.RedisKeyPrefix})
		if err != nil {
			return nil, fmt.Errorf("open redis store: %w", err)
		}
		return rs, nil
	}

	switch cfg.Store {
	case storeMemory:
		b.store = memory.New()
	case storePostgres:
		pg, err := openPostgres()
		if err != nil {
			return nil, err
		}
		b.store = pg
	case storeRedis:
		rs, err := openRedis()
		if err != nil {
			return nil, err
		}
		b.store = rs
	case storeFirestore:
		client, err := gcfirestore.NewClient(ctx, cfg.FirestoreProject)
		if err != nil {
			return nil, fmt.Errorf("open firestore: %w", err)
		}
		b.closers = append(b.closers, func() { _ = client.Close() })
		fs, err := firestore.New(client, firestore.Config{})
		if err != nil {
			return nil, err
		}
		b.store = fs
	case storeTiered:
		pg, err := openPostgres()
		if err != nil {
			return nil, err
		}
		rs, err := openRedis()
		if err != nil {
			return nil, err
		}
		ts, err := tiered.New(tiered.Config{
			Hot:            rs,
			Cold:           pg,
			AsyncCacheFill: true,
			AsyncErrorHandler: func(err error) {
				logger.Warn("hot tier refresh failed", billsync.F("error", err.Error()))
			},
		})
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, func() { _ = ts.Close() })
		b.store = ts
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}

	ok = true
	return b, nil
}
