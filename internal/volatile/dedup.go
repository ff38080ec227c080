package volatile

import (
	"context"
	"time"
)

// DefaultDedupTTL is how long an accepted message id stays reserved.
// Retries of the same id inside this window are acknowledged without a
// second accept.
const DefaultDedupTTL = 24 * time.Hour

// Dedup enforces at-most-once accept per (recipient, message id). The
// recipient is part of the key: the same id sent to two different
// recipients is two independent accepts.
type Dedup struct {
	c   Client
	ttl time.Duration
}

// NewDedup builds a dedup store with the given TTL (DefaultDedupTTL when
// zero).
func NewDedup(c Client, ttl time.Duration) *Dedup {
	if ttl == 0 {
		ttl = DefaultDedupTTL
	}
	return &Dedup{c: c, ttl: ttl}
}

// Reserve claims (recipient, messageID). Returns true when this call won
// the claim, false when the pair was already accepted.
func (d *Dedup) Reserve(ctx context.Context, recipient, messageID string) (bool, error) {
	return d.c.SetNX(ctx, keyDedup+recipient+":"+messageID, []byte("1"), d.ttl)
}

// Release frees a reservation when the accept could not complete, so a
// client retry is not mistaken for a duplicate.
func (d *Dedup) Release(ctx context.Context, recipient, messageID string) error {
	return d.c.Del(ctx, keyDedup+recipient+":"+messageID)
}
