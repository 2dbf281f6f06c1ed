package storage

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func redisOptions() RedisOptions {
	addr := os.Getenv("AUTOMATION_TEST_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	return RedisOptions{
		Addr:         addr,
		PoolSize:     10,
		MinIdleConns: 2,
		IdleTimeout:  5 * time.Minute,
	}
}

func TestRedisStorage(t *testing.T) {
	ping, err := NewRedisStorage(redisOptions())
	if err != nil {
		t.Skipf("redis not available: %v", err)
	}
	ping.Close()

	runStorageSuite(t, func(t *testing.T) Storage {
		opts := redisOptions()
		// Every subtest gets its own key space on the shared server.
		opts.KeyPrefix = fmt.Sprintf("test:%d:", nextID())
		store, err := NewRedisStorage(opts)
		if err != nil {
			t.Fatalf("connect redis: %v", err)
		}
		t.Cleanup(func() {
			ctx := context.Background()
			if keys, err := store.client.Keys(ctx, opts.KeyPrefix+"*").Result(); err == nil && len(keys) > 0 {
				store.client.Del(ctx, keys...)
			}
			store.Close()
		})
		return store
	})
}

func TestNewRedisStorageConnectionFailure(t *testing.T) {
	opts := redisOptions()
	opts.Addr = "invalid:6379"
	_, err := NewRedisStorage(opts)
	assert.Error(t, err)
}
