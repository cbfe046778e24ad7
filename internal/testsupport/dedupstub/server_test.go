package dedupstub

import (
	"context"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// TestStubSatisfiesGoRedisProtocol drives the stub with the real go-redis
// client library rather than the dedup cache's own hand-rolled client, so the
// stub's RESP framing is validated against an independent client.
func TestStubSatisfiesGoRedisProtocol(t *testing.T) {
	srv, err := Start(Options{Password: "s3cret"})
	if err != nil {
		t.Fatalf("start stub: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })

	client := redis.NewClient(&redis.Options{
		Addr:     srv.Addr(),
		Password: "s3cret",
	})
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("PING: %v", err)
	}

	count, err := client.Incr(ctx, "telecap:test:key").Result()
	if err != nil {
		t.Fatalf("INCR: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected first INCR to return 1, got %d", count)
	}

	if err := client.Expire(ctx, "telecap:test:key", 30*time.Second).Err(); err != nil {
		t.Fatalf("EXPIRE: %v", err)
	}

	ttl, err := client.TTL(ctx, "telecap:test:key").Result()
	if err != nil {
		t.Fatalf("TTL: %v", err)
	}
	if ttl <= 0 || ttl > 30*time.Second {
		t.Fatalf("expected TTL in (0, 30s], got %s", ttl)
	}

	count, err = client.Incr(ctx, "telecap:test:key").Result()
	if err != nil {
		t.Fatalf("second INCR: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected second INCR to return 2, got %d", count)
	}

	if err := client.Set(ctx, "telecap:test:marker", "1", 30*time.Second).Err(); err != nil {
		t.Fatalf("SET: %v", err)
	}
	n, err := client.Exists(ctx, "telecap:test:marker").Result()
	if err != nil {
		t.Fatalf("EXISTS: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected EXISTS to return 1 after SET, got %d", n)
	}
	n, err = client.Exists(ctx, "telecap:test:absent").Result()
	if err != nil {
		t.Fatalf("EXISTS absent: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected EXISTS to return 0 for an absent key, got %d", n)
	}
}

func TestStubRejectsWrongPassword(t *testing.T) {
	srv, err := Start(Options{Password: "s3cret"})
	if err != nil {
		t.Fatalf("start stub: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })

	client := redis.NewClient(&redis.Options{
		Addr:     srv.Addr(),
		Password: "wrong",
	})
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err == nil {
		t.Fatalf("expected authentication failure with wrong password")
	}
}
