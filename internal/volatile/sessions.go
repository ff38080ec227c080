package volatile

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// DefaultSessionTTL is the session lifetime unless overridden by config.
const DefaultSessionTTL = 7 * 24 * time.Hour

// Session binds an identity to a device for the token's lifetime. At most
// one live session exists per identity: minting a new one revokes the
// previous token in the same operation.
type Session struct {
	Token         string `json:"token"`
	WhisperID     string `json:"whisperId"`
	DeviceID      string `json:"deviceId"`
	Platform      string `json:"platform"`
	SharePresence bool   `json:"sharePresence"`
	CreatedAt     int64  `json:"createdAt"`
	ExpiresAt     int64  `json:"expiresAt"`
}

// Sessions is the session store.
type Sessions struct {
	c   Client
	ttl time.Duration
}

// NewSessions builds a session store with the given TTL (DefaultSessionTTL
// when zero).
func NewSessions(c Client, ttl time.Duration) *Sessions {
	if ttl == 0 {
		ttl = DefaultSessionTTL
	}
	return &Sessions{c: c, ttl: ttl}
}

// TTL returns the configured session lifetime.
func (s *Sessions) TTL() time.Duration { return s.ttl }

// Mint creates a session for the identity and atomically swaps the
// identity's active-session pointer. The previous token, if any, is
// revoked before Mint returns; its value is reported so the caller can
// kick the connection that owned it.
func (s *Sessions) Mint(ctx context.Context, whisperID, deviceID, platform string, sharePresence bool) (*Session, string, error) {
	token, err := newSessionToken()
	if err != nil {
		return nil, "", err
	}
	now := time.Now()
	sess := &Session{
		Token:         token,
		WhisperID:     whisperID,
		DeviceID:      deviceID,
		Platform:      platform,
		SharePresence: sharePresence,
		CreatedAt:     now.UnixMilli(),
		ExpiresAt:     now.Add(s.ttl).UnixMilli(),
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return nil, "", fmt.Errorf("marshal session: %w", err)
	}
	if err := s.c.Set(ctx, keySession+token, data, s.ttl); err != nil {
		return nil, "", fmt.Errorf("store session: %w", err)
	}

	// Single atomic pointer swap; no check-then-act.
	prev, err := s.c.GetSet(ctx, keySessionPtr+whisperID, []byte(token), s.ttl)
	if err != nil {
		return nil, "", fmt.Errorf("swap session pointer: %w", err)
	}
	prevToken := string(prev)
	if prevToken != "" && prevToken != token {
		_ = s.c.Del(ctx, keySession+prevToken)
	}
	return sess, prevToken, nil
}

// Lookup resolves a live session token. ErrNotFound when the token is
// unknown, revoked or expired.
func (s *Sessions) Lookup(ctx context.Context, token string) (*Session, error) {
	data, err := s.c.Get(ctx, keySession+token)
	if err != nil {
		return nil, err
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	if time.Now().UnixMilli() >= sess.ExpiresAt {
		return nil, ErrNotFound
	}
	return &sess, nil
}

// Refresh extends a live session by the full TTL without re-challenging.
func (s *Sessions) Refresh(ctx context.Context, token string) (*Session, error) {
	sess, err := s.Lookup(ctx, token)
	if err != nil {
		return nil, err
	}
	sess.ExpiresAt = time.Now().Add(s.ttl).UnixMilli()
	data, err := json.Marshal(sess)
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}
	if err := s.c.Set(ctx, keySession+token, data, s.ttl); err != nil {
		return nil, fmt.Errorf("store session: %w", err)
	}
	_ = s.c.Expire(ctx, keySessionPtr+sess.WhisperID, s.ttl)
	return sess, nil
}

// UpdateSharePresence rewrites the session's presence-sharing flag
// without touching its expiry.
func (s *Sessions) UpdateSharePresence(ctx context.Context, token string, share bool) (*Session, error) {
	sess, err := s.Lookup(ctx, token)
	if err != nil {
		return nil, err
	}
	if sess.SharePresence == share {
		return sess, nil
	}
	sess.SharePresence = share
	data, err := json.Marshal(sess)
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}
	remaining := time.Until(time.UnixMilli(sess.ExpiresAt))
	if remaining <= 0 {
		return nil, ErrNotFound
	}
	if err := s.c.Set(ctx, keySession+token, data, remaining); err != nil {
		return nil, fmt.Errorf("store session: %w", err)
	}
	return sess, nil
}

// Revoke removes a session. The token key is consumed atomically so the
// token is unusable the moment Revoke returns.
func (s *Sessions) Revoke(ctx context.Context, token string) error {
	data, err := s.c.GetDel(ctx, keySession+token)
	if err == ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil
	}
	// Clear the pointer only when it still names this token.
	cur, err := s.c.Get(ctx, keySessionPtr+sess.WhisperID)
	if err == nil && string(cur) == token {
		_ = s.c.Del(ctx, keySessionPtr+sess.WhisperID)
	}
	return nil
}

// ActiveToken returns the identity's current session token, if any.
func (s *Sessions) ActiveToken(ctx context.Context, whisperID string) (string, error) {
	data, err := s.c.Get(ctx, keySessionPtr+whisperID)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// newSessionToken returns a 48-char hex token from 24 random bytes.
func newSessionToken() (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("mint session token: %w", err)
	}
	return hex.EncodeToString(raw), nil
}
