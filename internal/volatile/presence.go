package volatile

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// DefaultPresenceTTL is how long a presence record survives without a
// refresh. Heartbeats arrive well inside this window; a crashed client
// simply ages out.
const DefaultPresenceTTL = 5 * time.Minute

// PresenceRecord marks an identity as online on a given node.
type PresenceRecord struct {
	WhisperID string `json:"whisperId"`
	Node      string `json:"node"`
	Share     bool   `json:"share"`
	Since     int64  `json:"since"`
}

// Presence is the online-marker store.
type Presence struct {
	c   Client
	ttl time.Duration
}

// NewPresence builds a presence store with the given TTL
// (DefaultPresenceTTL when zero).
func NewPresence(c Client, ttl time.Duration) *Presence {
	if ttl == 0 {
		ttl = DefaultPresenceTTL
	}
	return &Presence{c: c, ttl: ttl}
}

// Set marks the identity online.
func (p *Presence) Set(ctx context.Context, rec *PresenceRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}
	return p.c.Set(ctx, keyPresence+rec.WhisperID, data, p.ttl)
}

// Refresh re-arms the TTL on an existing marker without rewriting it.
func (p *Presence) Refresh(ctx context.Context, whisperID string) error {
	return p.c.Expire(ctx, keyPresence+whisperID, p.ttl)
}

// Get returns the identity's presence marker, or ErrNotFound when the
// identity is offline.
func (p *Presence) Get(ctx context.Context, whisperID string) (*PresenceRecord, error) {
	data, err := p.c.Get(ctx, keyPresence+whisperID)
	if err != nil {
		return nil, err
	}
	var rec PresenceRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal presence: %w", err)
	}
	return &rec, nil
}

// Delete clears the marker on clean disconnect or logout.
func (p *Presence) Delete(ctx context.Context, whisperID string) error {
	return p.c.Del(ctx, keyPresence+whisperID)
}
