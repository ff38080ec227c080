package volatile

import (
	"context"
	"sync"
	"time"
)

// MemoryClient is an in-process Client used by tests and by single-node
// development runs without Redis. TTL handling is lazy: expired entries
// are dropped on access.
type MemoryClient struct {
	mu      sync.Mutex
	entries map[string]*memEntry

	// Now is the clock; tests override it for deterministic expiry.
	Now func() time.Time
}

type memEntry struct {
	value     []byte
	list      [][]byte
	set       map[string]struct{}
	expiresAt time.Time // zero means no expiry
}

// NewMemoryClient builds an empty in-memory store.
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		entries: make(map[string]*memEntry),
		Now:     time.Now,
	}
}

func (m *MemoryClient) live(key string) *memEntry {
	e, ok := m.entries[key]
	if !ok {
		return nil
	}
	if !e.expiresAt.IsZero() && !m.Now().Before(e.expiresAt) {
		delete(m.entries, key)
		return nil
	}
	return e
}

func (m *MemoryClient) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.Now().Add(ttl)
}

func (m *MemoryClient) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = &memEntry{value: append([]byte(nil), value...), expiresAt: m.deadline(ttl)}
	return nil
}

func (m *MemoryClient) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.live(key) != nil {
		return false, nil
	}
	m.entries[key] = &memEntry{value: append([]byte(nil), value...), expiresAt: m.deadline(ttl)}
	return true, nil
}

func (m *MemoryClient) GetSet(ctx context.Context, key string, value []byte, ttl time.Duration) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var old []byte
	if e := m.live(key); e != nil {
		old = e.value
	}
	m.entries[key] = &memEntry{value: append([]byte(nil), value...), expiresAt: m.deadline(ttl)}
	return old, nil
}

func (m *MemoryClient) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil || e.value == nil {
		return nil, ErrNotFound
	}
	return append([]byte(nil), e.value...), nil
}

func (m *MemoryClient) GetDel(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil || e.value == nil {
		return nil, ErrNotFound
	}
	delete(m.entries, key)
	return e.value, nil
}

func (m *MemoryClient) Del(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.entries, k)
	}
	return nil
}

func (m *MemoryClient) Expire(ctx context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.live(key); e != nil {
		e.expiresAt = m.deadline(ttl)
	}
	return nil
}

func (m *MemoryClient) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil {
		m.entries[key] = &memEntry{value: []byte("1"), expiresAt: m.deadline(ttl)}
		return 1, nil
	}
	n := parseInt(e.value) + 1
	e.value = formatInt(n)
	return n, nil
}

func (m *MemoryClient) TTL(ctx context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil {
		return 0, ErrNotFound
	}
	if e.expiresAt.IsZero() {
		return 0, nil
	}
	return e.expiresAt.Sub(m.Now()), nil
}

func (m *MemoryClient) RPush(ctx context.Context, key string, value []byte, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil {
		e = &memEntry{}
		m.entries[key] = e
	}
	e.list = append(e.list, append([]byte(nil), value...))
	e.expiresAt = m.deadline(ttl)
	return int64(len(e.list)), nil
}

func (m *MemoryClient) LRange(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil {
		return nil, nil
	}
	n := int64(len(e.list))
	start, stop = normalizeRange(start, stop, n)
	if start > stop {
		return nil, nil
	}
	out := make([][]byte, 0, stop-start+1)
	for _, v := range e.list[start : stop+1] {
		out = append(out, append([]byte(nil), v...))
	}
	return out, nil
}

func (m *MemoryClient) LTrim(ctx context.Context, key string, start, stop int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil {
		return nil
	}
	n := int64(len(e.list))
	start, stop = normalizeRange(start, stop, n)
	if start > stop {
		e.list = nil
		return nil
	}
	e.list = e.list[start : stop+1]
	return nil
}

func (m *MemoryClient) LLen(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil {
		return 0, nil
	}
	return int64(len(e.list)), nil
}

func (m *MemoryClient) SAdd(ctx context.Context, key string, ttl time.Duration, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil {
		e = &memEntry{set: make(map[string]struct{})}
		m.entries[key] = e
	}
	if e.set == nil {
		e.set = make(map[string]struct{})
	}
	for _, member := range members {
		e.set[member] = struct{}{}
	}
	e.expiresAt = m.deadline(ttl)
	return nil
}

func (m *MemoryClient) SMembers(ctx context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil {
		return nil, nil
	}
	out := make([]string, 0, len(e.set))
	for member := range e.set {
		out = append(out, member)
	}
	return out, nil
}

func normalizeRange(start, stop, n int64) (int64, int64) {
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	return start, stop
}

func parseInt(b []byte) int64 {
	var n int64
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int64(c-'0')
	}
	return n
}

func formatInt(n int64) []byte {
	if n == 0 {
		return []byte("0")
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return append([]byte(nil), buf[i:]...)
}
