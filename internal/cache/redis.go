package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on Redis, for deployments where several
// processes share one cache. Keys are namespaced as postscope:<bucket>:<key>.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// OpenRedis connects to Redis and verifies the connection.
func OpenRedis(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", addr, err)
	}
	return &RedisStore{client: client, prefix: "postscope"}, nil
}

func (s *RedisStore) key(bucket, key string) string {
	return s.prefix + ":" + bucket + ":" + key
}

func (s *RedisStore) Get(ctx context.Context, bucket, key string) ([]byte, bool, error) {
	val, err := s.client.Get(ctx, s.key(bucket, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s/%s: %w", bucket, key, err)
	}
	return val, true, nil
}

func (s *RedisStore) Put(ctx context.Context, bucket, key string, value []byte) error {
	if err := s.client.Set(ctx, s.key(bucket, key), value, 0).Err(); err != nil {
		return fmt.Errorf("redis put %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, bucket, key string) error {
	if err := s.client.Del(ctx, s.key(bucket, key)).Err(); err != nil {
		return fmt.Errorf("redis delete %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (s *RedisStore) Clear(ctx context.Context, bucket string) error {
	iter := s.client.Scan(ctx, 0, s.key(bucket, "*"), 0).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("redis clear %s: %w", bucket, err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis clear %s: %w", bucket, err)
	}
	return nil
}

func (s *RedisStore) Count(ctx context.Context, bucket string) (int64, error) {
	var n int64
	iter := s.client.Scan(ctx, 0, s.key(bucket, "*"), 0).Iterator()
	for iter.Next(ctx) {
		n++
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("redis count %s: %w", bucket, err)
	}
	return n, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
