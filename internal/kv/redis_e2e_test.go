//go:build e2e

package kv

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"
)

// TestRedisAdapterE2E exercises the real adapter against a local Redis.
// Requires a Redis at 127.0.0.1:6379; skipped when unreachable.
func TestRedisAdapterE2E(t *testing.T) {
	r := NewRedis("127.0.0.1:6379")
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.Ping(ctx); err != nil {
		t.Skipf("Skipping: Redis not reachable on 127.0.0.1:6379: %v", err)
	}

	const prefix = "kv-e2e:"
	keys, _ := r.Scan(ctx, prefix+"*")
	r.Del(ctx, keys...)

	if err := r.Set(ctx, prefix+"s", "v", time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	if v, err := r.Get(ctx, prefix+"s"); err != nil || v != "v" {
		t.Fatalf("get = %q, %v", v, err)
	}
	if _, err := r.Get(ctx, prefix+"missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get missing: %v, want ErrNotFound", err)
	}

	r.SAdd(ctx, prefix+"s1", "a", "b")
	r.SAdd(ctx, prefix+"s2", "b", "c")
	union, err := r.SUnion(ctx, prefix+"s1", prefix+"s2")
	if err != nil {
		t.Fatalf("sunion: %v", err)
	}
	sort.Strings(union)
	if len(union) != 3 {
		t.Fatalf("sunion = %v", union)
	}

	r.HSet(ctx, prefix+"h", "f1", "v1")
	r.HSet(ctx, prefix+"h", "f2", "v2")
	if fields, err := r.HKeys(ctx, prefix+"h"); err != nil || len(fields) != 2 {
		t.Fatalf("hkeys = %v, %v", fields, err)
	}
	if err := r.HDel(ctx, prefix+"h", "f1"); err != nil {
		t.Fatalf("hdel: %v", err)
	}
	if n, _ := r.HLen(ctx, prefix+"h"); n != 1 {
		t.Fatalf("hlen after hdel = %d", n)
	}
	if _, err := r.HGet(ctx, prefix+"h", "f1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("hget deleted field: %v, want ErrNotFound", err)
	}

	p := r.Pipeline()
	p.Set(prefix+"meta", "{}", time.Minute)
	p.SAdd(prefix+"idx", "m1")
	p.Expire(prefix+"idx", 2*time.Minute)
	if err := p.Exec(ctx); err != nil {
		t.Fatalf("pipeline exec: %v", err)
	}
	if n, _ := r.SCard(ctx, prefix+"idx"); n != 1 {
		t.Fatalf("scard after pipeline = %d", n)
	}

	r.RPush(ctx, prefix+"l", "a", "b")
	if v, err := r.BLPop(ctx, time.Second, prefix+"l"); err != nil || v != "a" {
		t.Fatalf("blpop = %q, %v", v, err)
	}
	if _, err := r.BLPop(ctx, 50*time.Millisecond, prefix+"empty"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("blpop timeout: %v", err)
	}

	keys, _ = r.Scan(ctx, prefix+"*")
	r.Del(ctx, keys...)
}
