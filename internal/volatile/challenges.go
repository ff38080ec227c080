package volatile

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultChallengeTTL bounds how long a registration challenge stays
// answerable.
const DefaultChallengeTTL = 60 * time.Second

// Challenge is 32 random bytes issued once per register_begin. Consumed
// atomically on proof verification; a second consume fails.
type Challenge struct {
	ID        string `json:"id"`
	DeviceID  string `json:"deviceId"`
	Challenge []byte `json:"challenge"`
	ExpiresAt int64  `json:"expiresAt"`
}

// Challenges is the challenge store.
type Challenges struct {
	c   Client
	ttl time.Duration
}

// NewChallenges builds a challenge store with the given TTL
// (DefaultChallengeTTL when zero).
func NewChallenges(c Client, ttl time.Duration) *Challenges {
	if ttl == 0 {
		ttl = DefaultChallengeTTL
	}
	return &Challenges{c: c, ttl: ttl}
}

// Create issues a fresh challenge bound to the requesting device.
func (s *Challenges) Create(ctx context.Context, deviceID string) (*Challenge, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generate challenge: %w", err)
	}
	ch := &Challenge{
		ID:        uuid.New().String(),
		DeviceID:  deviceID,
		Challenge: raw,
		ExpiresAt: time.Now().Add(s.ttl).UnixMilli(),
	}
	data, err := json.Marshal(ch)
	if err != nil {
		return nil, fmt.Errorf("marshal challenge: %w", err)
	}
	if err := s.c.Set(ctx, keyChallenge+ch.ID, data, s.ttl); err != nil {
		return nil, fmt.Errorf("store challenge: %w", err)
	}
	return ch, nil
}

// Consume atomically fetches and deletes a challenge. ErrNotFound means
// the challenge is unknown, expired or already used.
func (s *Challenges) Consume(ctx context.Context, challengeID string) (*Challenge, error) {
	data, err := s.c.GetDel(ctx, keyChallenge+challengeID)
	if err != nil {
		return nil, err
	}
	var ch Challenge
	if err := json.Unmarshal(data, &ch); err != nil {
		return nil, fmt.Errorf("unmarshal challenge: %w", err)
	}
	if time.Now().UnixMilli() >= ch.ExpiresAt {
		return nil, ErrNotFound
	}
	return &ch, nil
}
