// Package testutil provides shared test infrastructure for integration tests.
package testutil

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
)

// DefaultRedisURL is used when REDIS_URL is unset. Database 15 keeps test
// keys away from a developer's working data.
const DefaultRedisURL = "redis://localhost:6379/15"

// RedisClient connects to REDIS_URL (or DefaultRedisURL) and returns a
// client closed at test cleanup.
//
// Tests should call this at the top:
//
//	rdb := testutil.RedisClient(t)
//
// If no server answers, the test is skipped.
func RedisClient(t *testing.T) *redis.Client {
	t.Helper()

	url := os.Getenv("REDIS_URL")
	if url == "" {
		url = DefaultRedisURL
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("invalid REDIS_URL %q: %v", url, err)
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		t.Skipf("redis not available at %s: %v", url, err)
	}

	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}
