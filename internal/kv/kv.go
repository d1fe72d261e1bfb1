// Package kv defines the shared key/value store surface the relay core
// runs on: strings with TTL, sets, hashes, lists with blocking pop, and
// atomic pipelines. The store doubles as the bus between processes
// (work list, response lists) and as the backing store for the
// subscription index. Redis implements it in production; Memory
// implements it for tests and single-binary development.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key or field is absent, and by BLPop on
// timeout.
var ErrNotFound = errors.New("kv: not found")

// Store is the capability interface handed to the subsystems. All calls
// honor ctx; blocking calls additionally take an explicit timeout which
// implementations must cap at the store's round-trip budget.
type Store interface {
	// Strings.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Sets.
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SCard(ctx context.Context, key string) (int64, error)
	SUnion(ctx context.Context, keys ...string) ([]string, error)

	// Hashes.
	HSet(ctx context.Context, key, field, value string) error
	HGet(ctx context.Context, key, field string) (string, error)
	HDel(ctx context.Context, key string, fields ...string) error
	HKeys(ctx context.Context, key string) ([]string, error)
	HLen(ctx context.Context, key string) (int64, error)

	// Lists.
	LPush(ctx context.Context, key string, values ...string) error
	RPush(ctx context.Context, key string, values ...string) error
	LPopCount(ctx context.Context, key string, n int) ([]string, error)
	BLPop(ctx context.Context, timeout time.Duration, key string) (string, error)
	LLen(ctx context.Context, key string) (int64, error)

	// Scan enumerates keys matching a glob pattern; used by maintenance
	// sweeps only, never on a request path.
	Scan(ctx context.Context, pattern string) ([]string, error)

	// Pipeline returns a fresh command buffer that Exec applies as one
	// atomic transaction.
	Pipeline() Pipeline

	// Ping verifies the store is reachable; health checks call it.
	Ping(ctx context.Context) error

	// Close releases the store's resources. Calls after Close fail.
	Close() error
}

// Pipeline queues commands without touching the store; Exec applies them
// atomically (MULTI/EXEC semantics). A pipeline is single-use.
type Pipeline interface {
	Set(key, value string, ttl time.Duration)
	Del(keys ...string)
	Expire(key string, ttl time.Duration)
	SAdd(key string, members ...string)
	SRem(key string, members ...string)
	RPush(key string, values ...string)
	Exec(ctx context.Context) error
}
