package protocol

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signCanonical(t *testing.T, priv ed25519.PrivateKey, canonical []byte) string {
	t.Helper()
	digest := sha256.Sum256(canonical)
	return base64.StdEncoding.EncodeToString(ed25519.Sign(priv, digest[:]))
}

func TestVerifySignatureRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	nonce := base64.StdEncoding.EncodeToString(make([]byte, 24))
	canonical := CanonicalMessage("send_message", "m-1", "WSP-AAAA-AAAA-AAAA", "WSP-BBBB-BBBB-BBBB", 42, nonce, "dGVzdA==")

	sig := signCanonical(t, priv, canonical)
	assert.NoError(t, VerifySignature(pub, canonical, sig))
}

func TestVerifySignatureTamperedCanonical(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	canonical := CanonicalProof("c-1", "dev", "ios", "ENC", "SIGN")
	sig := signCanonical(t, priv, canonical)

	tampered := CanonicalProof("c-2", "dev", "ios", "ENC", "SIGN")
	assert.Error(t, VerifySignature(pub, tampered, sig))
}

func TestVerifySignatureWrongKey(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	otherPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	canonical := CanonicalMessage("send_message", "m", "a", "b", 1, "", "")
	sig := signCanonical(t, priv, canonical)
	assert.Error(t, VerifySignature(otherPub, canonical, sig))
}

func TestVerifySignatureBadLengths(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	canonical := []byte("v1\nx\n")

	short := base64.StdEncoding.EncodeToString(make([]byte, 63))
	assert.ErrorIs(t, VerifySignature(pub, canonical, short), ErrBadSignature)

	assert.ErrorIs(t, VerifySignature(make([]byte, 16), canonical, short), ErrBadPublicKey)
}
