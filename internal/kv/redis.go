package kv

import (
	"context"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Redis adapts github.com/redis/go-redis/v9 to the Store interface.
type Redis struct {
	c *redis.Client
}

// NewRedis connects to addr ("127.0.0.1:6379"-style). The client pools
// connections internally; one Redis value is shared per process.
func NewRedis(addr string) *Redis {
	return &Redis{c: redis.NewClient(&redis.Options{Addr: addr})}
}

// NewRedisFromClient wraps an already-configured client.
func NewRedisFromClient(c *redis.Client) *Redis {
	return &Redis{c: c}
}

// Ping verifies the connection; called once at process startup.
func (r *Redis) Ping(ctx context.Context) error {
	return r.c.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.c.Close()
}

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.c.Set(ctx, key, value, ttl).Err()
}

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	v, err := r.c.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return v, err
}

func (r *Redis) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.c.Del(ctx, keys...).Err()
}

func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.c.Expire(ctx, key, ttl).Err()
}

func (r *Redis) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	return r.c.SAdd(ctx, key, toAny(members)...).Err()
}

func (r *Redis) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	return r.c.SRem(ctx, key, toAny(members)...).Err()
}

func (r *Redis) SMembers(ctx context.Context, key string) ([]string, error) {
	return r.c.SMembers(ctx, key).Result()
}

func (r *Redis) SCard(ctx context.Context, key string) (int64, error) {
	return r.c.SCard(ctx, key).Result()
}

func (r *Redis) SUnion(ctx context.Context, keys ...string) ([]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	return r.c.SUnion(ctx, keys...).Result()
}

func (r *Redis) HSet(ctx context.Context, key, field, value string) error {
	return r.c.HSet(ctx, key, field, value).Err()
}

func (r *Redis) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := r.c.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return v, err
}

func (r *Redis) HDel(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	return r.c.HDel(ctx, key, fields...).Err()
}

func (r *Redis) HKeys(ctx context.Context, key string) ([]string, error) {
	return r.c.HKeys(ctx, key).Result()
}

func (r *Redis) HLen(ctx context.Context, key string) (int64, error) {
	return r.c.HLen(ctx, key).Result()
}

func (r *Redis) LPush(ctx context.Context, key string, values ...string) error {
	if len(values) == 0 {
		return nil
	}
	return r.c.LPush(ctx, key, toAny(values)...).Err()
}

func (r *Redis) RPush(ctx context.Context, key string, values ...string) error {
	if len(values) == 0 {
		return nil
	}
	return r.c.RPush(ctx, key, toAny(values)...).Err()
}

func (r *Redis) LPopCount(ctx context.Context, key string, n int) ([]string, error) {
	vals, err := r.c.LPopCount(ctx, key, n).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return vals, err
}

func (r *Redis) BLPop(ctx context.Context, timeout time.Duration, key string) (string, error) {
	res, err := r.c.BLPop(ctx, timeout, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	// BLPOP replies [key, value].
	return res[1], nil
}

func (r *Redis) LLen(ctx context.Context, key string) (int64, error) {
	return r.c.LLen(ctx, key).Result()
}

func (r *Redis) Scan(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := r.c.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	return keys, iter.Err()
}

func (r *Redis) Pipeline() Pipeline {
	return &redisPipeline{p: r.c.TxPipeline()}
}

// redisPipeline buffers commands on a TxPipeline; the per-command context
// is ignored by go-redis until Exec, which receives the caller's.
type redisPipeline struct {
	p redis.Pipeliner
}

func (rp *redisPipeline) Set(key, value string, ttl time.Duration) {
	rp.p.Set(context.Background(), key, value, ttl)
}

func (rp *redisPipeline) Del(keys ...string) {
	if len(keys) == 0 {
		return
	}
	rp.p.Del(context.Background(), keys...)
}

func (rp *redisPipeline) Expire(key string, ttl time.Duration) {
	rp.p.Expire(context.Background(), key, ttl)
}

func (rp *redisPipeline) SAdd(key string, members ...string) {
	if len(members) == 0 {
		return
	}
	rp.p.SAdd(context.Background(), key, toAny(members)...)
}

func (rp *redisPipeline) SRem(key string, members ...string) {
	if len(members) == 0 {
		return
	}
	rp.p.SRem(context.Background(), key, toAny(members)...)
}

func (rp *redisPipeline) RPush(key string, values ...string) {
	if len(values) == 0 {
		return
	}
	rp.p.RPush(context.Background(), key, toAny(values)...)
}

func (rp *redisPipeline) Exec(ctx context.Context) error {
	_, err := rp.p.Exec(ctx)
	return err
}

func toAny(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
