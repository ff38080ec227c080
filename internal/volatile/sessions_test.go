package volatile

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessions_MintAndLookup(t *testing.T) {
	s := NewSessions(NewMemoryClient(), 0)
	ctx := context.Background()

	sess, prev, err := s.Mint(ctx, "WSP-AAAA-BBBB-CCCC", "dev-1", "ios", true)
	require.NoError(t, err)
	assert.Empty(t, prev)
	assert.Len(t, sess.Token, 48)

	got, err := s.Lookup(ctx, sess.Token)
	require.NoError(t, err)
	assert.Equal(t, "WSP-AAAA-BBBB-CCCC", got.WhisperID)
	assert.Equal(t, "dev-1", got.DeviceID)
	assert.True(t, got.SharePresence)
}

func TestSessions_MintRevokesPrevious(t *testing.T) {
	s := NewSessions(NewMemoryClient(), 0)
	ctx := context.Background()

	first, _, err := s.Mint(ctx, "WSP-AAAA-BBBB-CCCC", "dev-1", "ios", true)
	require.NoError(t, err)

	second, prev, err := s.Mint(ctx, "WSP-AAAA-BBBB-CCCC", "dev-2", "android", true)
	require.NoError(t, err)
	assert.Equal(t, first.Token, prev)

	// The old token is dead the moment the new one exists.
	_, err = s.Lookup(ctx, first.Token)
	assert.ErrorIs(t, err, ErrNotFound)

	active, err := s.ActiveToken(ctx, "WSP-AAAA-BBBB-CCCC")
	require.NoError(t, err)
	assert.Equal(t, second.Token, active)
}

func TestSessions_RevokeClearsPointer(t *testing.T) {
	s := NewSessions(NewMemoryClient(), 0)
	ctx := context.Background()

	sess, _, err := s.Mint(ctx, "WSP-AAAA-BBBB-CCCC", "dev-1", "ios", false)
	require.NoError(t, err)

	require.NoError(t, s.Revoke(ctx, sess.Token))

	_, err = s.Lookup(ctx, sess.Token)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.ActiveToken(ctx, "WSP-AAAA-BBBB-CCCC")
	assert.ErrorIs(t, err, ErrNotFound)

	// Revoking twice is fine.
	require.NoError(t, s.Revoke(ctx, sess.Token))
}

func TestSessions_RefreshExtends(t *testing.T) {
	s := NewSessions(NewMemoryClient(), time.Hour)
	ctx := context.Background()

	sess, _, err := s.Mint(ctx, "WSP-AAAA-BBBB-CCCC", "dev-1", "ios", true)
	require.NoError(t, err)

	refreshed, err := s.Refresh(ctx, sess.Token)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, refreshed.ExpiresAt, sess.ExpiresAt)
}

func TestChallenges_ConsumeIsSingleUse(t *testing.T) {
	s := NewChallenges(NewMemoryClient(), 0)
	ctx := context.Background()

	ch, err := s.Create(ctx, "dev-1")
	require.NoError(t, err)
	assert.Len(t, ch.Challenge, 32)

	got, err := s.Consume(ctx, ch.ID)
	require.NoError(t, err)
	assert.Equal(t, ch.Challenge, got.Challenge)
	assert.Equal(t, "dev-1", got.DeviceID)

	_, err = s.Consume(ctx, ch.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDedup_ReserveOnce(t *testing.T) {
	d := NewDedup(NewMemoryClient(), 0)
	ctx := context.Background()

	won, err := d.Reserve(ctx, "WSP-BBBB-BBBB-BBBB", "msg-1")
	require.NoError(t, err)
	assert.True(t, won)

	won, err = d.Reserve(ctx, "WSP-BBBB-BBBB-BBBB", "msg-1")
	require.NoError(t, err)
	assert.False(t, won)
}

func TestDedup_ScopedPerRecipient(t *testing.T) {
	d := NewDedup(NewMemoryClient(), 0)
	ctx := context.Background()

	won, err := d.Reserve(ctx, "WSP-BBBB-BBBB-BBBB", "msg-1")
	require.NoError(t, err)
	assert.True(t, won)

	// Same id, different recipient: an independent accept.
	won, err = d.Reserve(ctx, "WSP-CCCC-CCCC-CCCC", "msg-1")
	require.NoError(t, err)
	assert.True(t, won)

	require.NoError(t, d.Release(ctx, "WSP-BBBB-BBBB-BBBB", "msg-1"))
	won, err = d.Reserve(ctx, "WSP-BBBB-BBBB-BBBB", "msg-1")
	require.NoError(t, err)
	assert.True(t, won)
}

func TestCalls_StartIsIdempotent(t *testing.T) {
	s := NewCalls(NewMemoryClient(), 0)
	ctx := context.Background()

	created, err := s.Start(ctx, "call-1", "WSP-AAAA-AAAA-AAAA", "WSP-BBBB-BBBB-BBBB", true)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.Start(ctx, "call-1", "WSP-AAAA-AAAA-AAAA", "WSP-BBBB-BBBB-BBBB", true)
	require.NoError(t, err)
	assert.False(t, created)

	call, err := s.Get(ctx, "call-1")
	require.NoError(t, err)
	assert.Equal(t, CallStateRinging, call.State)

	require.NoError(t, s.SetState(ctx, "call-1", CallStateActive))
	call, err = s.Get(ctx, "call-1")
	require.NoError(t, err)
	assert.Equal(t, CallStateActive, call.State)

	require.NoError(t, s.End(ctx, "call-1"))
	_, err = s.Get(ctx, "call-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecentPeers_Symmetric(t *testing.T) {
	r := NewRecentPeers(NewMemoryClient(), 0)
	ctx := context.Background()

	require.NoError(t, r.Record(ctx, "WSP-AAAA-AAAA-AAAA", "WSP-BBBB-BBBB-BBBB"))

	peers, err := r.Peers(ctx, "WSP-AAAA-AAAA-AAAA")
	require.NoError(t, err)
	assert.Equal(t, []string{"WSP-BBBB-BBBB-BBBB"}, peers)

	peers, err = r.Peers(ctx, "WSP-BBBB-BBBB-BBBB")
	require.NoError(t, err)
	assert.Equal(t, []string{"WSP-AAAA-AAAA-AAAA"}, peers)
}
