// Package auth implements the challenge/response registration handshake
// and session lifecycle. The server never sees private keys: a device
// proves control of its signing key by signing the issued challenge's
// canonical proof form.
package auth

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"

	"github.com/whisper2/server/internal/metrics"
	"github.com/whisper2/server/internal/protocol"
	"github.com/whisper2/server/internal/store"
	"github.com/whisper2/server/internal/volatile"
)

// Engine drives registration, recovery and session operations. It is
// transport-free: the dispatcher feeds it decoded payloads and binds
// connections from its results.
type Engine struct {
	store      store.Store
	sessions   *volatile.Sessions
	challenges *volatile.Challenges
	metrics    *metrics.Metrics
}

// NewEngine wires the auth engine.
func NewEngine(st store.Store, sessions *volatile.Sessions, challenges *volatile.Challenges, m *metrics.Metrics) *Engine {
	return &Engine{store: st, sessions: sessions, challenges: challenges, metrics: m}
}

// Begin starts the handshake. For recovery (whisperId present) the
// identity must already exist and not be banned; the key check itself
// waits for the proof step.
func (e *Engine) Begin(ctx context.Context, p *protocol.RegisterBegin) (*protocol.RegisterChallenge, error) {
	if p.WhisperID != "" {
		if _, err := e.store.GetIdentity(ctx, p.WhisperID); err == store.ErrNotFound {
			return nil, protocol.Rejectf(protocol.ErrNotFound, "unknown whisper id")
		} else if err != nil {
			return nil, fmt.Errorf("lookup identity: %w", err)
		}
		if err := e.checkBan(ctx, p.WhisperID); err != nil {
			return nil, err
		}
	}

	ch, err := e.challenges.Create(ctx, p.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("create challenge: %w", err)
	}
	return &protocol.RegisterChallenge{
		ChallengeID: ch.ID,
		Challenge:   base64.StdEncoding.EncodeToString(ch.Challenge),
		ExpiresAt:   ch.ExpiresAt,
	}, nil
}

// Proof finishes the handshake. On success the returned session is
// already the identity's only live session; the previous token, if one
// existed, is revoked.
func (e *Engine) Proof(ctx context.Context, p *protocol.RegisterProof) (*protocol.RegisterAck, *volatile.Session, error) {
	kind := "new"
	if p.WhisperID != "" {
		kind = "recovery"
	}

	ack, sess, err := e.proof(ctx, p, kind)
	if err != nil {
		e.metrics.Registrations.WithLabelValues(kind, "failed").Inc()
		return nil, nil, err
	}
	e.metrics.Registrations.WithLabelValues(kind, "ok").Inc()
	return ack, sess, nil
}

func (e *Engine) proof(ctx context.Context, p *protocol.RegisterProof, kind string) (*protocol.RegisterAck, *volatile.Session, error) {
	ch, err := e.challenges.Consume(ctx, p.ChallengeID)
	if err == volatile.ErrNotFound {
		return nil, nil, protocol.Rejectf(protocol.ErrAuthFailed, "challenge expired or already used")
	} else if err != nil {
		return nil, nil, fmt.Errorf("consume challenge: %w", err)
	}
	if ch.DeviceID != p.DeviceID {
		return nil, nil, protocol.Rejectf(protocol.ErrAuthFailed, "challenge was issued to a different device")
	}

	encKey, err := protocol.DecodePublicKey(p.EncPublicKey)
	if err != nil {
		return nil, nil, protocol.Rejectf(protocol.ErrInvalidPayload, "encPublicKey: invalid key")
	}
	signKey, err := protocol.DecodePublicKey(p.SignPublicKey)
	if err != nil {
		return nil, nil, protocol.Rejectf(protocol.ErrInvalidPayload, "signPublicKey: invalid key")
	}

	canonical := protocol.CanonicalProof(p.ChallengeID, p.DeviceID, p.Platform, p.EncPublicKey, p.SignPublicKey)
	if err := protocol.VerifySignature(signKey, canonical, p.Signature); err != nil {
		return nil, nil, protocol.Rejectf(protocol.ErrAuthFailed, "proof signature invalid")
	}

	whisperID := p.WhisperID
	if kind == "recovery" {
		id, err := e.store.GetIdentity(ctx, whisperID)
		if err == store.ErrNotFound {
			return nil, nil, protocol.Rejectf(protocol.ErrNotFound, "unknown whisper id")
		} else if err != nil {
			return nil, nil, fmt.Errorf("lookup identity: %w", err)
		}
		// Recovery must present the identity's original signing key.
		if !bytes.Equal(id.SignPublicKey, signKey) {
			return nil, nil, protocol.Rejectf(protocol.ErrAuthFailed, "signing key does not match identity")
		}
		if err := e.checkBan(ctx, whisperID); err != nil {
			return nil, nil, err
		}
	} else {
		whisperID, err = e.mintFreshWhisperID(ctx)
		if err != nil {
			return nil, nil, err
		}
	}

	now := time.Now()
	identity := &store.Identity{
		WhisperID:     whisperID,
		EncPublicKey:  encKey,
		SignPublicKey: signKey,
		CreatedAt:     now,
	}
	device := &store.Device{
		DeviceID:     p.DeviceID,
		WhisperID:    whisperID,
		Platform:     p.Platform,
		PushToken:    p.PushToken,
		VoipToken:    p.VoipToken,
		RegisteredAt: now,
		LastSeenAt:   now,
	}
	if err := e.store.RegisterIdentity(ctx, identity, device); err != nil {
		return nil, nil, fmt.Errorf("persist identity: %w", err)
	}

	share := true
	if p.SharePresence != nil {
		share = *p.SharePresence
	}
	sess, prevToken, err := e.sessions.Mint(ctx, whisperID, p.DeviceID, p.Platform, share)
	if err != nil {
		return nil, nil, fmt.Errorf("mint session: %w", err)
	}
	if prevToken != "" {
		slog.Info("previous session revoked by registration", "whisperId", whisperID)
	}

	return &protocol.RegisterAck{
		Success:          true,
		WhisperID:        whisperID,
		SessionToken:     sess.Token,
		SessionExpiresAt: sess.ExpiresAt,
		ServerTime:       now.UnixMilli(),
	}, sess, nil
}

// Refresh authenticates a token presented on a fresh socket and extends
// the session.
func (e *Engine) Refresh(ctx context.Context, p *protocol.SessionRefresh) (*protocol.SessionRefreshed, *volatile.Session, error) {
	sess, err := e.sessions.Refresh(ctx, p.SessionToken)
	if err == volatile.ErrNotFound {
		return nil, nil, protocol.Rejectf(protocol.ErrAuthFailed, "session expired or revoked")
	} else if err != nil {
		return nil, nil, fmt.Errorf("refresh session: %w", err)
	}
	if err := e.checkBan(ctx, sess.WhisperID); err != nil {
		return nil, nil, err
	}
	if p.SharePresence != nil && *p.SharePresence != sess.SharePresence {
		sess, err = e.sessions.UpdateSharePresence(ctx, p.SessionToken, *p.SharePresence)
		if err != nil {
			return nil, nil, fmt.Errorf("update presence flag: %w", err)
		}
	}
	return &protocol.SessionRefreshed{
		SessionExpiresAt: sess.ExpiresAt,
		ServerTime:       time.Now().UnixMilli(),
	}, sess, nil
}

// Logout revokes the connection's session. Revoking an already-dead
// token still acks.
func (e *Engine) Logout(ctx context.Context, token string) (*protocol.LogoutAck, error) {
	if err := e.sessions.Revoke(ctx, token); err != nil {
		return nil, fmt.Errorf("revoke session: %w", err)
	}
	return &protocol.LogoutAck{Success: true}, nil
}

// Authenticate resolves a session token for non-websocket surfaces.
func (e *Engine) Authenticate(ctx context.Context, token string) (*volatile.Session, error) {
	sess, err := e.sessions.Lookup(ctx, token)
	if err == volatile.ErrNotFound {
		return nil, protocol.Rejectf(protocol.ErrAuthFailed, "session expired or revoked")
	} else if err != nil {
		return nil, fmt.Errorf("lookup session: %w", err)
	}
	if err := e.checkBan(ctx, sess.WhisperID); err != nil {
		return nil, err
	}
	return sess, nil
}

func (e *Engine) checkBan(ctx context.Context, whisperID string) error {
	banned, err := e.store.IsBanned(ctx, whisperID)
	if err != nil {
		return fmt.Errorf("check ban: %w", err)
	}
	if banned {
		return protocol.Rejectf(protocol.ErrUserBanned, "account is banned")
	}
	return nil
}

// mintFreshWhisperID mints ids until one is unused. Collisions are
// vanishingly rare; the retry cap guards against a broken store.
func (e *Engine) mintFreshWhisperID(ctx context.Context) (string, error) {
	for i := 0; i < 5; i++ {
		id, err := protocol.MintWhisperID()
		if err != nil {
			return "", fmt.Errorf("mint whisper id: %w", err)
		}
		_, err = e.store.GetIdentity(ctx, id)
		if err == store.ErrNotFound {
			return id, nil
		}
		if err != nil {
			return "", fmt.Errorf("check whisper id: %w", err)
		}
	}
	return "", fmt.Errorf("could not mint an unused whisper id")
}
