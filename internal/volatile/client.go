// Package volatile holds the TTL-bearing server state: sessions,
// challenges, presence, pending queues, call state, dedup reservations and
// rate counters. Everything here is safe to lose on restart; clients
// recover by reconnecting and refreshing.
//
// The typed stores are written against a minimal client interface so the
// concrete driver (go-redis in production, the in-memory store in tests)
// is injected at process startup.
package volatile

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key is absent or already expired.
var ErrNotFound = errors.New("volatile: key not found")

// Client is the minimal key/value surface the typed stores need. Single
// atomic operations only: the stores never do check-then-act against it.
type Client interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetNX stores value only when key is absent. Reports whether the
	// write happened.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// GetSet atomically replaces the value at key and returns the previous
	// value, or nil when there was none.
	GetSet(ctx context.Context, key string, value []byte, ttl time.Duration) ([]byte, error)

	Get(ctx context.Context, key string) ([]byte, error)

	// GetDel atomically reads and removes key. ErrNotFound when absent.
	GetDel(ctx context.Context, key string) ([]byte, error)

	Del(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Incr increments the counter at key, arming ttl when the counter is
	// created by this call.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// TTL returns the remaining lifetime of key, or ErrNotFound.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// List operations for pending queues. RPush returns the new length.
	RPush(ctx context.Context, key string, value []byte, ttl time.Duration) (int64, error)
	LRange(ctx context.Context, key string, start, stop int64) ([][]byte, error)
	LTrim(ctx context.Context, key string, start, stop int64) error
	LLen(ctx context.Context, key string) (int64, error)

	// Set operations for the recent-peer index.
	SAdd(ctx context.Context, key string, ttl time.Duration, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
}

// Key prefixes. Namespaced the same way across drivers so a production
// Redis can be inspected by hand.
const (
	keySession    = "wsp:sess:"
	keySessionPtr = "wsp:sessptr:"
	keyChallenge  = "wsp:chal:"
	keyPresence   = "wsp:pres:"
	keyPending    = "wsp:pending:"
	keyDedup      = "wsp:dedup:"
	keyCall       = "wsp:call:"
	keyRecent     = "wsp:recent:"
	keyRate       = "wsp:rate:"
)
