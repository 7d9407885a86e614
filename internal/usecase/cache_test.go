package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

func newTestCache(t *testing.T) *RedisCache {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisCache(client)
}

func TestRedisCacheRoundTrip(t *testing.T) {
	cache := newTestCache(t)
	ctx := context.Background()

	if err := cache.Set(ctx, "analysis:abc", `{"label":"Normal"}`, time.Minute); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	value, err := cache.Get(ctx, "analysis:abc")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if value != `{"label":"Normal"}` {
		t.Fatalf("unexpected value: %s", value)
	}
}

func TestRedisCacheMissReturnsNil(t *testing.T) {
	cache := newTestCache(t)

	_, err := cache.Get(context.Background(), "analysis:missing")
	if !errors.Is(err, redis.Nil) {
		t.Fatalf("expected redis.Nil, got %v", err)
	}
}
