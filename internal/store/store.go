// Package store provides the narrow Redis primitive surface the queue
// package builds on: list push/pop, blocking pop, sorted sets, and
// hashes. Queue logic never talks to go-redis directly so it can be
// exercised against miniredis in tests without a real server.
package store

import (
	"context"
	"time"
)

// ErrNil is returned by blocking/optional reads that found nothing,
// mirroring redis.Nil without leaking the go-redis type to callers.
var ErrNil = errNil{}

type errNil struct{}

func (errNil) Error() string { return "store: nil" }

// ZMember is one entry of a sorted-set range read.
type ZMember struct {
	Member string
	Score  float64
}

// Store is the Redis surface the queue package depends on. It exists
// so queue logic can be tested against miniredis without importing
// go-redis types into that package's public API.
type Store interface {
	// LPush prepends values onto a list.
	LPush(ctx context.Context, key string, values ...string) error
	// RPop pops from the tail of a list, returning ErrNil if empty.
	RPop(ctx context.Context, key string) (string, error)
	// BRPopLPush blocks up to timeout popping src's tail onto dst's
	// head, returning ErrNil on timeout.
	BRPopLPush(ctx context.Context, src, dst string, timeout time.Duration) (string, error)
	// LRem removes up to count occurrences of value from a list.
	LRem(ctx context.Context, key string, count int, value string) error
	// LLen reports a list's length.
	LLen(ctx context.Context, key string) (int64, error)

	// ZAdd adds or updates a scored member in a sorted set.
	ZAdd(ctx context.Context, key string, score float64, member string) error
	// ZRangeByScore returns members scored within [min,max], ascending.
	ZRangeByScore(ctx context.Context, key string, min, max float64, limit int64) ([]ZMember, error)
	// ZRem removes a member from a sorted set.
	ZRem(ctx context.Context, key string, member string) error
	// ZCard reports a sorted set's cardinality.
	ZCard(ctx context.Context, key string) (int64, error)

	// HSet sets a single hash field.
	HSet(ctx context.Context, key, field, value string) error
	// HGet reads a single hash field, returning ErrNil if absent.
	HGet(ctx context.Context, key, field string) (string, error)
	// HDel deletes a hash field.
	HDel(ctx context.Context, key, field string) error
	// HGetAll reads every field of a hash.
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	// HIncrBy atomically increments an integer hash field.
	HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error)
	// HLen reports a hash's field count.
	HLen(ctx context.Context, key string) (int64, error)

	// Ping verifies connectivity.
	Ping(ctx context.Context) error
	// Close releases the underlying connection pool.
	Close() error
}
