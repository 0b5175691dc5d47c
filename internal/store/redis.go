package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is the production Store backed by a pooled go-redis
// client. Pool and retry tuning is carried over from the teacher's
// queue client: sized for many concurrent workers issuing blocking
// pops alongside an API server doing plain enqueue/read traffic.
type RedisStore struct {
	client *redis.Client
}

// Config configures the underlying Redis connection.
type Config struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// NewRedisStore connects to Redis and verifies the connection with a Ping.
func NewRedisStore(cfg Config) (*RedisStore, error) {
	opts := &redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,

		PoolSize:        50,
		MinIdleConns:    5,
		ConnMaxIdleTime: 10 * time.Minute,
		PoolTimeout:     5 * time.Second,

		MaxRetries:            3,
		MinRetryBackoff:       8 * time.Millisecond,
		MaxRetryBackoff:       512 * time.Millisecond,
		DialTimeout:           5 * time.Second,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          3 * time.Second,
		ContextTimeoutEnabled: true,
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("store: connect to redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

// NewRedisStoreFromClient wraps an already-constructed client, used by
// tests to point a RedisStore at a miniredis instance.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func wrapNil(err error) error {
	if errors.Is(err, redis.Nil) {
		return ErrNil
	}
	return err
}

func (s *RedisStore) LPush(ctx context.Context, key string, values ...string) error {
	vals := make([]interface{}, len(values))
	for i, v := range values {
		vals[i] = v
	}
	if err := s.client.LPush(ctx, key, vals...).Err(); err != nil {
		return fmt.Errorf("store: lpush %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) RPop(ctx context.Context, key string) (string, error) {
	v, err := s.client.RPop(ctx, key).Result()
	if err != nil {
		return "", wrapNil(err)
	}
	return v, nil
}

func (s *RedisStore) BRPopLPush(ctx context.Context, src, dst string, timeout time.Duration) (string, error) {
	v, err := s.client.BRPopLPush(ctx, src, dst, timeout).Result()
	if err != nil {
		return "", wrapNil(err)
	}
	return v, nil
}

func (s *RedisStore) LRem(ctx context.Context, key string, count int, value string) error {
	if err := s.client.LRem(ctx, key, int64(count), value).Err(); err != nil {
		return fmt.Errorf("store: lrem %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) LLen(ctx context.Context, key string) (int64, error) {
	n, err := s.client.LLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("store: llen %s: %w", key, err)
	}
	return n, nil
}

func (s *RedisStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	if err := s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return fmt.Errorf("store: zadd %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) ZRangeByScore(ctx context.Context, key string, min, max float64, limit int64) ([]ZMember, error) {
	res, err := s.client.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
		Min:   fmt.Sprintf("%f", min),
		Max:   fmt.Sprintf("%f", max),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("store: zrangebyscore %s: %w", key, err)
	}
	out := make([]ZMember, len(res))
	for i, z := range res {
		member, _ := z.Member.(string)
		out[i] = ZMember{Member: member, Score: z.Score}
	}
	return out, nil
}

func (s *RedisStore) ZRem(ctx context.Context, key string, member string) error {
	if err := s.client.ZRem(ctx, key, member).Err(); err != nil {
		return fmt.Errorf("store: zrem %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := s.client.ZCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("store: zcard %s: %w", key, err)
	}
	return n, nil
}

func (s *RedisStore) HSet(ctx context.Context, key, field, value string) error {
	if err := s.client.HSet(ctx, key, field, value).Err(); err != nil {
		return fmt.Errorf("store: hset %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := s.client.HGet(ctx, key, field).Result()
	if err != nil {
		return "", wrapNil(err)
	}
	return v, nil
}

func (s *RedisStore) HDel(ctx context.Context, key, field string) error {
	if err := s.client.HDel(ctx, key, field).Err(); err != nil {
		return fmt.Errorf("store: hdel %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("store: hgetall %s: %w", key, err)
	}
	return m, nil
}

func (s *RedisStore) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	n, err := s.client.HIncrBy(ctx, key, field, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("store: hincrby %s: %w", key, err)
	}
	return n, nil
}

func (s *RedisStore) HLen(ctx context.Context, key string) (int64, error) {
	n, err := s.client.HLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("store: hlen %s: %w", key, err)
	}
	return n, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
