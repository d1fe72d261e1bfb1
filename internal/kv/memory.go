package kv

import (
	"context"
	"path"
	"sync"
	"time"
)

// Memory is an in-process Store used by tests and the single-binary dev
// mode. Semantics follow Redis with one deliberate exception: sets are
// kept after their last member is removed, so the empty-index sweep has
// observable work to do (Redis reclaims empty sets itself).
type Memory struct {
	mu        sync.Mutex
	strings   map[string]string
	sets      map[string]map[string]struct{}
	hashes    map[string]map[string]string
	lists     map[string][]string
	deadlines map[string]time.Time
	signals   map[string]chan struct{}
	now       func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		strings:   make(map[string]string),
		sets:      make(map[string]map[string]struct{}),
		hashes:    make(map[string]map[string]string),
		lists:     make(map[string][]string),
		deadlines: make(map[string]time.Time),
		signals:   make(map[string]chan struct{}),
		now:       time.Now,
	}
}

// SetClock replaces the time source; tests use it to step TTLs without
// sleeping. Not safe to call concurrently with store operations.
func (m *Memory) SetClock(now func() time.Time) {
	m.now = now
}

// TTL reports the remaining lifetime of key, or false when the key has
// no deadline (or does not exist). Test helper; not part of Store.
func (m *Memory) TTL(key string) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	dl, ok := m.deadlines[key]
	if !ok {
		return 0, false
	}
	return dl.Sub(m.now()), true
}

func (m *Memory) expireLocked(key string) {
	dl, ok := m.deadlines[key]
	if !ok || m.now().Before(dl) {
		return
	}
	m.removeLocked(key)
}

func (m *Memory) removeLocked(key string) {
	delete(m.strings, key)
	delete(m.sets, key)
	delete(m.hashes, key)
	delete(m.lists, key)
	delete(m.deadlines, key)
}

func (m *Memory) existsLocked(key string) bool {
	if _, ok := m.strings[key]; ok {
		return true
	}
	if _, ok := m.sets[key]; ok {
		return true
	}
	if _, ok := m.hashes[key]; ok {
		return true
	}
	if _, ok := m.lists[key]; ok {
		return true
	}
	return false
}

func (m *Memory) wakeLocked(key string) {
	if ch, ok := m.signals[key]; ok {
		close(ch)
		delete(m.signals, key)
	}
}

func (m *Memory) signalLocked(key string) chan struct{} {
	ch, ok := m.signals[key]
	if !ok {
		ch = make(chan struct{})
		m.signals[key] = ch
	}
	return ch
}

func (m *Memory) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setLocked(key, value, ttl)
	return nil
}

func (m *Memory) setLocked(key, value string, ttl time.Duration) {
	m.strings[key] = value
	if ttl > 0 {
		m.deadlines[key] = m.now().Add(ttl)
	} else {
		delete(m.deadlines, key)
	}
}

func (m *Memory) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	v, ok := m.strings[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *Memory) Del(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delLocked(keys...)
	return nil
}

func (m *Memory) delLocked(keys ...string) {
	for _, key := range keys {
		m.removeLocked(key)
	}
}

func (m *Memory) Expire(ctx context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	if m.existsLocked(key) {
		m.expireAtLocked(key, ttl)
	}
	return nil
}

func (m *Memory) expireAtLocked(key string, ttl time.Duration) {
	if !m.existsLocked(key) {
		return
	}
	m.deadlines[key] = m.now().Add(ttl)
}

func (m *Memory) SAdd(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	m.sAddLocked(key, members...)
	return nil
}

func (m *Memory) sAddLocked(key string, members ...string) {
	set, ok := m.sets[key]
	if !ok {
		set = make(map[string]struct{})
		m.sets[key] = set
	}
	for _, member := range members {
		set[member] = struct{}{}
	}
}

func (m *Memory) SRem(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	m.sRemLocked(key, members...)
	return nil
}

func (m *Memory) sRemLocked(key string, members ...string) {
	set, ok := m.sets[key]
	if !ok {
		return
	}
	for _, member := range members {
		delete(set, member)
	}
}

func (m *Memory) SMembers(ctx context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	set := m.sets[key]
	out := make([]string, 0, len(set))
	for member := range set {
		out = append(out, member)
	}
	return out, nil
}

func (m *Memory) SCard(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	return int64(len(m.sets[key])), nil
}

func (m *Memory) SUnion(ctx context.Context, keys ...string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	union := make(map[string]struct{})
	for _, key := range keys {
		m.expireLocked(key)
		for member := range m.sets[key] {
			union[member] = struct{}{}
		}
	}
	out := make([]string, 0, len(union))
	for member := range union {
		out = append(out, member)
	}
	return out, nil
}

func (m *Memory) HSet(ctx context.Context, key, field, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string]string)
		m.hashes[key] = h
	}
	h[field] = value
	return nil
}

func (m *Memory) HGet(ctx context.Context, key, field string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	v, ok := m.hashes[key][field]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *Memory) HDel(ctx context.Context, key string, fields ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	h, ok := m.hashes[key]
	if !ok {
		return nil
	}
	for _, field := range fields {
		delete(h, field)
	}
	if len(h) == 0 {
		delete(m.hashes, key)
	}
	return nil
}

func (m *Memory) HKeys(ctx context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	h := m.hashes[key]
	out := make([]string, 0, len(h))
	for field := range h {
		out = append(out, field)
	}
	return out, nil
}

func (m *Memory) HLen(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	return int64(len(m.hashes[key])), nil
}

func (m *Memory) LPush(ctx context.Context, key string, values ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	for _, v := range values {
		m.lists[key] = append([]string{v}, m.lists[key]...)
	}
	m.wakeLocked(key)
	return nil
}

func (m *Memory) RPush(ctx context.Context, key string, values ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	m.rPushLocked(key, values...)
	return nil
}

func (m *Memory) rPushLocked(key string, values ...string) {
	if len(values) == 0 {
		return
	}
	m.lists[key] = append(m.lists[key], values...)
	m.wakeLocked(key)
}

func (m *Memory) LPopCount(ctx context.Context, key string, n int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	lst := m.lists[key]
	if len(lst) == 0 || n <= 0 {
		return nil, nil
	}
	if n > len(lst) {
		n = len(lst)
	}
	out := make([]string, n)
	copy(out, lst[:n])
	if n == len(lst) {
		delete(m.lists, key)
	} else {
		m.lists[key] = lst[n:]
	}
	return out, nil
}

func (m *Memory) BLPop(ctx context.Context, timeout time.Duration, key string) (string, error) {
	var timeoutC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}
	for {
		m.mu.Lock()
		m.expireLocked(key)
		if lst := m.lists[key]; len(lst) > 0 {
			v := lst[0]
			if len(lst) == 1 {
				delete(m.lists, key)
			} else {
				m.lists[key] = lst[1:]
			}
			m.mu.Unlock()
			return v, nil
		}
		sig := m.signalLocked(key)
		m.mu.Unlock()

		select {
		case <-sig:
		case <-timeoutC:
			return "", ErrNotFound
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func (m *Memory) LLen(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	return int64(len(m.lists[key])), nil
}

func (m *Memory) Scan(ctx context.Context, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]struct{})
	collect := func(key string) {
		m.expireLocked(key)
		if !m.existsLocked(key) {
			return
		}
		if ok, _ := path.Match(pattern, key); ok {
			seen[key] = struct{}{}
		}
	}
	for key := range m.strings {
		collect(key)
	}
	for key := range m.sets {
		collect(key)
	}
	for key := range m.hashes {
		collect(key)
	}
	for key := range m.lists {
		collect(key)
	}

	out := make([]string, 0, len(seen))
	for key := range seen {
		out = append(out, key)
	}
	return out, nil
}

func (m *Memory) Pipeline() Pipeline {
	return &memoryPipeline{m: m}
}

func (m *Memory) Ping(ctx context.Context) error { return ctx.Err() }

func (m *Memory) Close() error { return nil }

// memoryPipeline queues closures and applies them under one lock so the
// batch is atomic with respect to every other store operation.
type memoryPipeline struct {
	m   *Memory
	ops []func()
}

func (p *memoryPipeline) Set(key, value string, ttl time.Duration) {
	p.ops = append(p.ops, func() { p.m.setLocked(key, value, ttl) })
}

func (p *memoryPipeline) Del(keys ...string) {
	p.ops = append(p.ops, func() { p.m.delLocked(keys...) })
}

func (p *memoryPipeline) Expire(key string, ttl time.Duration) {
	p.ops = append(p.ops, func() { p.m.expireAtLocked(key, ttl) })
}

func (p *memoryPipeline) SAdd(key string, members ...string) {
	p.ops = append(p.ops, func() { p.m.sAddLocked(key, members...) })
}

func (p *memoryPipeline) SRem(key string, members ...string) {
	p.ops = append(p.ops, func() { p.m.sRemLocked(key, members...) })
}

func (p *memoryPipeline) RPush(key string, values ...string) {
	p.ops = append(p.ops, func() { p.m.rPushLocked(key, values...) })
}

func (p *memoryPipeline) Exec(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	for _, op := range p.ops {
		op()
	}
	p.ops = nil
	return nil
}
