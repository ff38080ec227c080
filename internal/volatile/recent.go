package volatile

import (
	"context"
	"time"
)

// DefaultRecentTTL scopes the recent-traffic window used for presence
// fanout. Peers who have not exchanged traffic inside the window stop
// receiving each other's presence updates.
const DefaultRecentTTL = 24 * time.Hour

// RecentPeers tracks who has recently exchanged messages with whom.
// Membership is symmetric: recording a→b also records b→a.
type RecentPeers struct {
	c   Client
	ttl time.Duration
}

// NewRecentPeers builds a recent-peer store with the given TTL
// (DefaultRecentTTL when zero).
func NewRecentPeers(c Client, ttl time.Duration) *RecentPeers {
	if ttl == 0 {
		ttl = DefaultRecentTTL
	}
	return &RecentPeers{c: c, ttl: ttl}
}

// Record notes traffic between two identities in both directions.
func (r *RecentPeers) Record(ctx context.Context, a, b string) error {
	if err := r.c.SAdd(ctx, keyRecent+a, r.ttl, b); err != nil {
		return err
	}
	return r.c.SAdd(ctx, keyRecent+b, r.ttl, a)
}

// Peers lists the identities that exchanged traffic with whisperID inside
// the window.
func (r *RecentPeers) Peers(ctx context.Context, whisperID string) ([]string, error) {
	return r.c.SMembers(ctx, keyRecent+whisperID)
}
