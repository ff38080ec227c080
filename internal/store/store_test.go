package store

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_RegisterAndRecover(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Now()

	id := &Identity{
		WhisperID:     "WSP-AAAA-BBBB-CCCC",
		EncPublicKey:  bytes.Repeat([]byte{1}, 32),
		SignPublicKey: bytes.Repeat([]byte{2}, 32),
		CreatedAt:     now,
	}
	dev := &Device{DeviceID: "dev-1", WhisperID: id.WhisperID, Platform: "ios", RegisteredAt: now, LastSeenAt: now}
	require.NoError(t, m.RegisterIdentity(ctx, id, dev))

	got, err := m.GetIdentity(ctx, id.WhisperID)
	require.NoError(t, err)
	assert.Equal(t, id.SignPublicKey, got.SignPublicKey)

	// Recovery swaps the device while keeping the identity.
	dev2 := &Device{DeviceID: "dev-2", WhisperID: id.WhisperID, Platform: "android", RegisteredAt: now, LastSeenAt: now}
	require.NoError(t, m.RegisterIdentity(ctx, id, dev2))

	d, err := m.GetDevice(ctx, id.WhisperID)
	require.NoError(t, err)
	assert.Equal(t, "dev-2", d.DeviceID)
	assert.Equal(t, "android", d.Platform)
}

func TestMemory_GetIdentityNotFound(t *testing.T) {
	m := NewMemory()
	_, err := m.GetIdentity(context.Background(), "WSP-ZZZZ-ZZZZ-ZZZZ")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_Bans(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	banned, err := m.IsBanned(ctx, "WSP-AAAA-BBBB-CCCC")
	require.NoError(t, err)
	assert.False(t, banned)

	require.NoError(t, m.BanIdentity(ctx, "WSP-AAAA-BBBB-CCCC", "abuse"))

	banned, err = m.IsBanned(ctx, "WSP-AAAA-BBBB-CCCC")
	require.NoError(t, err)
	assert.True(t, banned)
}

func TestMemory_ContactBackupRoundTripsVerbatim(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	b := &ContactBackup{
		WhisperID:  "WSP-AAAA-BBBB-CCCC",
		Nonce:      []byte{9, 9, 9},
		Ciphertext: []byte{1, 2, 3, 4, 5},
		UpdatedAt:  time.Now(),
	}
	require.NoError(t, m.SaveContactBackup(ctx, b))

	got, err := m.GetContactBackup(ctx, b.WhisperID)
	require.NoError(t, err)
	assert.Equal(t, b.Nonce, got.Nonce)
	assert.Equal(t, b.Ciphertext, got.Ciphertext)

	require.NoError(t, m.DeleteContactBackup(ctx, b.WhisperID))
	_, err = m.GetContactBackup(ctx, b.WhisperID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_AttachmentFirstWriteWins(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	a := &Attachment{ObjectKey: "u/abc", Owner: "WSP-AAAA-BBBB-CCCC", ContentType: "image/jpeg", SizeBytes: 100, CreatedAt: time.Now()}
	require.NoError(t, m.RecordAttachment(ctx, a))

	dup := *a
	dup.SizeBytes = 999
	require.NoError(t, m.RecordAttachment(ctx, &dup))

	got, err := m.GetAttachment(ctx, "u/abc")
	require.NoError(t, err)
	assert.Equal(t, int64(100), got.SizeBytes)
}
