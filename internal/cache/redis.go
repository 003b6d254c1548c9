package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Redis stores each (user, location) entry as a set with a key TTL, so several
// approvald processes share one cache.
type Redis struct {
	client *redis.Client
	prefix string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// NewRedis connects and pings the server.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return NewRedisWithClient(client, cfg.Prefix), nil
}

func NewRedisWithClient(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "approvald:"
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) key(userID, locationID string) string {
	return fmt.Sprintf("%sperm:%s:%s", r.prefix, userID, locationID)
}

func (r *Redis) Get(ctx context.Context, userID, locationID string) ([]string, bool, error) {
	perms, err := r.client.SMembers(ctx, r.key(userID, locationID)).Result()
	if err != nil {
		return nil, false, err
	}
	if len(perms) == 0 {
		return nil, false, nil
	}
	return Merge(perms), true, nil
}

func (r *Redis) Set(ctx context.Context, userID, locationID string, perms []string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	key := r.key(userID, locationID)
	members := make([]interface{}, len(perms))
	for i, p := range perms {
		members[i] = p
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(members) > 0 {
			pipe.SAdd(ctx, key, members...)
			pipe.Expire(ctx, key, ttl)
		}
		return nil
	})
	return err
}

func (r *Redis) Invalidate(ctx context.Context, userID string) error {
	iter := r.client.Scan(ctx, 0, fmt.Sprintf("%sperm:%s:*", r.prefix, userID), 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
