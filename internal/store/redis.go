package store

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

//go:generate mockgen -package=mock -source=redis.go -destination=mock/redis_client.go

// RedisClient is the subset of redis commands the store needs.
type RedisClient interface {
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	HKeys(ctx context.Context, key string) *redis.StringSliceCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	SAdd(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	SRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

var (
	_ RedisClient = (*redis.Client)(nil)
	_ Store       = (*Redis)(nil)
)

// Redis stores each partition as a hash (<prefix>:partition:<name>, field =
// request URL) and tracks partition names in the set <prefix>:partitions.
// Several intermediaries can share one redis.
type Redis struct {
	client RedisClient
	prefix string
	logger *zap.Logger
}

// NewRedisClient parses a redis:// URL and verifies connectivity.
func NewRedisClient(ctx context.Context, redisURL string, logger *zap.Logger) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}
	logger.Info("Connected to redis", zap.String("address", opts.Addr), zap.Int("db", opts.DB))
	return client, nil
}

func NewRedis(client RedisClient, prefix string, logger *zap.Logger) *Redis {
	if prefix == "" {
		prefix = "offline0"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{client: client, prefix: prefix, logger: logger}
}

func (r *Redis) hashKey(partition string) string {
	return r.prefix + ":partition:" + partition
}

func (r *Redis) setKey() string {
	return r.prefix + ":partitions"
}

func (r *Redis) Match(ctx context.Context, partition, key string) (Entry, bool, error) {
	data, err := r.client.HGet(ctx, r.hashKey(partition), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	ent, err := decodeEntry(data)
	if err != nil {
		r.logger.Warn("Failed to decode redis entry", zap.String("partition", partition), zap.String("key", key), zap.Error(err))
		return Entry{}, false, nil
	}
	return ent, true, nil
}

func (r *Redis) Put(ctx context.Context, partition, key string, ent Entry) error {
	data, err := encodeEntry(ent)
	if err != nil {
		return fmt.Errorf("encode entry %q: %w", key, err)
	}
	if err := r.client.HSet(ctx, r.hashKey(partition), key, data).Err(); err != nil {
		return err
	}
	return r.client.SAdd(ctx, r.setKey(), partition).Err()
}

func (r *Redis) Open(ctx context.Context, partition string) error {
	return r.client.SAdd(ctx, r.setKey(), partition).Err()
}

func (r *Redis) DeletePartition(ctx context.Context, partition string) (bool, error) {
	removed, err := r.client.SRem(ctx, r.setKey(), partition).Result()
	if err != nil {
		return false, err
	}
	n, err := r.client.Del(ctx, r.hashKey(partition)).Result()
	if err != nil {
		return false, err
	}
	return removed > 0 || n > 0, nil
}

func (r *Redis) Partitions(ctx context.Context) ([]string, error) {
	names, err := r.client.SMembers(ctx, r.setKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func (r *Redis) Keys(ctx context.Context, partition string) ([]string, error) {
	keys, err := r.client.HKeys(ctx, r.hashKey(partition)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
